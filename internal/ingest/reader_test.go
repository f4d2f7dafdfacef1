package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/payee-cli/internal/model"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func createTestXLSX(t *testing.T, rows [][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Sheet1")
	require.NoError(t, err)
	for _, rowData := range rows {
		row := sheet.AddRow()
		for _, cellData := range rowData {
			row.AddCell().SetString(cellData)
		}
	}
	path := filepath.Join(t.TempDir(), "payees.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func collect(t *testing.T, rowCh <-chan model.Row, errCh <-chan error) ([]model.Row, error) {
	t.Helper()
	var rows []model.Row
	for row := range rowCh {
		rows = append(rows, row)
	}
	for err := range errCh {
		if err != nil {
			return rows, err
		}
	}
	return rows, nil
}

func TestReader_CSV_DetectsColumns(t *testing.T) {
	path := writeFile(t, "payees.csv", "Name,City,State\nFedEx,Memphis,TN\nJohn Smith,Austin,TX\n")

	r, err := Open(path, Options{})
	require.NoError(t, err)
	cols := r.Columns()
	assert.Equal(t, 0, cols.Name)
	assert.Equal(t, 1, cols.City)
	assert.Equal(t, 2, cols.State)
	assert.Equal(t, -1, cols.Address)

	n, err := r.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rowCh, errCh := r.Stream(context.Background())
	rows, err := collect(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, model.Row{Index: 1, Name: "FedEx", City: "Memphis", State: "TN"}, rows[0])
	assert.Equal(t, 2, rows[1].Index)
	assert.Equal(t, "John Smith", rows[1].Name)
}

func TestReader_DeclaredColumn(t *testing.T) {
	path := writeFile(t, "payees.csv", "id,Pay To Vendor,memo\n1,Acme LLC,rent\n")

	r, err := Open(path, Options{Column: "pay to vendor"})
	require.NoError(t, err)

	rowCh, errCh := r.Stream(context.Background())
	rows, err := collect(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Acme LLC", rows[0].Name)
	assert.Equal(t, map[string]string{"id": "1", "memo": "rent"}, rows[0].Extra)
}

func TestReader_DeclaredColumnMissing(t *testing.T) {
	path := writeFile(t, "payees.csv", "Name,City\nAcme,Dallas\n")

	_, err := Open(path, Options{Column: "Vendor"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrColumnNotFound)
}

func TestReader_EmptyFile(t *testing.T) {
	path := writeFile(t, "empty.csv", "")

	_, err := Open(path, Options{})
	assert.ErrorIs(t, err, ErrEmptyFile)
}

func TestReader_HeaderOnly(t *testing.T) {
	path := writeFile(t, "header.csv", "Name\n")

	r, err := Open(path, Options{})
	require.NoError(t, err)
	n, err := r.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReader_SkipsBlankNames(t *testing.T) {
	path := writeFile(t, "payees.csv", "Payee,Amount\nAcme,10\n  ,20\nFedEx,30\n")

	r, err := Open(path, Options{})
	require.NoError(t, err)

	n, err := r.Count(context.Background())
	require.NoError(t, err)
	rowCh, errCh := r.Stream(context.Background())
	rows, err := collect(t, rowCh, errCh)
	require.NoError(t, err)
	assert.Equal(t, n, len(rows))
	assert.Equal(t, 2, n)
	assert.Equal(t, "30", rows[1].Amount)
	assert.Equal(t, 2, rows[1].Index)
}

func TestReader_TSV(t *testing.T) {
	path := writeFile(t, "payees.tsv", "Vendor Name\tZip Code\nAcme, Inc.\t75201\n")

	r, err := Open(path, Options{})
	require.NoError(t, err)

	rowCh, errCh := r.Stream(context.Background())
	rows, err := collect(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Acme, Inc.", rows[0].Name)
	assert.Equal(t, "75201", rows[0].Zip)
}

func TestReader_SniffsPipeDelimiter(t *testing.T) {
	path := writeFile(t, "payees.txt", "name|city\nAcme|Dallas\n")

	r, err := Open(path, Options{})
	require.NoError(t, err)

	rowCh, errCh := r.Stream(context.Background())
	rows, err := collect(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Dallas", rows[0].City)
}

func TestReader_BOMHeader(t *testing.T) {
	path := writeFile(t, "payees.csv", "\ufeffName,State\nAcme,TX\n")

	r, err := Open(path, Options{Column: "name"})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Columns().State)
}

func TestReader_XLSX(t *testing.T) {
	path := createTestXLSX(t, [][]string{
		{"Merchant", "Street Address", "City", "State"},
		{"Home Depot #123", "1 Main St", "Atlanta", "GA"},
		{"FedEx", "", "Memphis", "TN"},
	})

	r, err := Open(path, Options{})
	require.NoError(t, err)

	n, err := r.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rowCh, errCh := r.Stream(context.Background())
	rows, err := collect(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Home Depot #123", rows[0].Name)
	assert.Equal(t, "1 Main St", rows[0].Address)
	assert.Equal(t, "GA", rows[0].State)
}

func TestReader_StreamRestartable(t *testing.T) {
	path := writeFile(t, "payees.csv", "Name\nA\nB\n")
	r, err := Open(path, Options{})
	require.NoError(t, err)

	rowCh, errCh := r.Stream(context.Background())
	first, err := collect(t, rowCh, errCh)
	require.NoError(t, err)
	rowCh, errCh = r.Stream(context.Background())
	second, err := collect(t, rowCh, errCh)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestReader_StreamCancelled(t *testing.T) {
	path := writeFile(t, "payees.csv", "Name\nA\nB\nC\n")
	r, err := Open(path, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rowCh, errCh := r.Stream(ctx)
	_, err = collect(t, rowCh, errCh)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpen_MissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.csv"), Options{})
	require.Error(t, err)
}
