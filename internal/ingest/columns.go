package ingest

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Columns holds the detected header positions; -1 means absent.
type Columns struct {
	Header  []string
	Name    int
	Address int
	City    int
	State   int
	Zip     int
	Amount  int
}

type synonyms struct {
	exact     []string
	substring []string
}

var (
	nameSynonyms = synonyms{
		exact: []string{
			"name", "payee", "payee name", "vendor", "vendor name", "merchant", "merchant name",
			"supplier", "supplier name", "company", "company name", "counterparty", "beneficiary",
			"description", "pay to", "paid to",
		},
		substring: []string{"payee", "vendor", "merchant", "supplier", "beneficiary", "name", "description"},
	}
	addressSynonyms = synonyms{
		exact:     []string{"address", "address1", "address 1", "street", "street address", "addr", "address line 1"},
		substring: []string{"address", "street"},
	}
	citySynonyms = synonyms{
		exact:     []string{"city", "town", "municipality"},
		substring: []string{"city"},
	}
	stateSynonyms = synonyms{
		exact:     []string{"state", "st", "province", "region", "state code"},
		substring: []string{"state"},
	}
	zipSynonyms = synonyms{
		exact:     []string{"zip", "zip code", "zipcode", "zip5", "postal code", "postcode", "postal"},
		substring: []string{"zip", "postal"},
	}
	amountSynonyms = synonyms{
		exact:     []string{"amount", "amt", "payment amount", "total", "value"},
		substring: []string{"amount"},
	}
)

// headerKey lowercases a header cell, strips a BOM and folds separators to spaces.
func headerKey(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// find returns the first column matching syn exactly, else by substring,
// skipping taken positions. It returns -1 when nothing matches.
func find(keys []string, syn synonyms, taken map[int]bool) int {
	for _, want := range syn.exact {
		for i, k := range keys {
			if !taken[i] && k == want {
				return i
			}
		}
	}
	for _, want := range syn.substring {
		for i, k := range keys {
			if !taken[i] && strings.Contains(k, want) {
				return i
			}
		}
	}
	return -1
}

// DetectColumns maps header cells to roles. A declared name column must be
// present (ErrColumnNotFound otherwise); an undeclared one falls back to the
// first column when no synonym matches.
func DetectColumns(header []string, declared string) (Columns, error) {
	keys := make([]string, len(header))
	for i, h := range header {
		keys[i] = headerKey(h)
	}
	cols := Columns{Header: header, Name: -1, Address: -1, City: -1, State: -1, Zip: -1, Amount: -1}
	taken := map[int]bool{}

	if declared != "" {
		want := headerKey(declared)
		for i, k := range keys {
			if k == want {
				cols.Name = i
				break
			}
		}
		if cols.Name < 0 {
			return cols, eris.Wrapf(ErrColumnNotFound, "column %q", declared)
		}
	} else {
		cols.Name = find(keys, nameSynonyms, taken)
		if cols.Name < 0 {
			cols.Name = 0
		}
	}
	taken[cols.Name] = true

	for _, f := range []struct {
		dst *int
		syn synonyms
	}{
		{&cols.Address, addressSynonyms},
		{&cols.City, citySynonyms},
		{&cols.State, stateSynonyms},
		{&cols.Zip, zipSynonyms},
		{&cols.Amount, amountSynonyms},
	} {
		*f.dst = find(keys, f.syn, taken)
		if *f.dst >= 0 {
			taken[*f.dst] = true
		}
	}
	return cols, nil
}
