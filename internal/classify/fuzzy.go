package classify

import (
	"sync"

	"github.com/sells-group/payee-cli/internal/model"
	"github.com/sells-group/payee-cli/internal/normalize"
)

const (
	defaultFuzzySize   = 5000
	fuzzyMinSimilarity = 0.80
	fuzzyAccept        = 0.90
)

type fuzzyEntry struct {
	name  string
	grams map[string]struct{}
	class model.Classification
}

// fuzzyIndex remembers confidently classified names and answers approximate
// lookups by trigram similarity. It is bounded; the oldest entries are
// evicted first. postings maps each trigram to the names containing it so a
// lookup only scores entries that share at least one gram with the query.
type fuzzyIndex struct {
	mu       sync.RWMutex
	size     int
	entries  map[string]*fuzzyEntry
	postings map[string]map[string]struct{}
	order    []string
}

func newFuzzyIndex(size int) *fuzzyIndex {
	if size <= 0 {
		size = defaultFuzzySize
	}
	return &fuzzyIndex{
		size:     size,
		entries:  make(map[string]*fuzzyEntry),
		postings: make(map[string]map[string]struct{}),
	}
}

// add records a classification for the normalized name.
func (f *fuzzyIndex) add(norm string, c model.Classification) {
	if norm == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if e, ok := f.entries[norm]; ok {
		e.class = c
		return
	}
	if len(f.order) >= f.size {
		oldest := f.order[0]
		f.order = f.order[1:]
		f.remove(oldest)
	}
	e := &fuzzyEntry{name: norm, grams: normalize.Trigrams(norm), class: c}
	f.entries[norm] = e
	for g := range e.grams {
		names, ok := f.postings[g]
		if !ok {
			names = make(map[string]struct{})
			f.postings[g] = names
		}
		names[norm] = struct{}{}
	}
	f.order = append(f.order, norm)
}

// remove drops an entry and its postings. Callers hold the write lock.
func (f *fuzzyIndex) remove(norm string) {
	e, ok := f.entries[norm]
	if !ok {
		return
	}
	delete(f.entries, norm)
	for g := range e.grams {
		names := f.postings[g]
		delete(names, norm)
		if len(names) == 0 {
			delete(f.postings, g)
		}
	}
}

// lookup returns the closest remembered classification, with its confidence
// discounted by the distance to the query. ok is false when nothing clears
// the similarity floor.
func (f *fuzzyIndex) lookup(norm string) (model.Classification, string, float64, bool) {
	grams := normalize.Trigrams(norm)
	if len(grams) == 0 {
		return model.Classification{}, "", 0, false
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	shared := make(map[string]int)
	for g := range grams {
		for name := range f.postings[g] {
			shared[name]++
		}
	}

	var best *fuzzyEntry
	bestSim := 0.0
	for name, n := range shared {
		e := f.entries[name]
		sim := float64(n) / float64(len(grams)+len(e.grams)-n)
		if sim > bestSim || (sim == bestSim && best != nil && e.name < best.name) {
			best, bestSim = e, sim
		}
	}
	if best == nil || bestSim < fuzzyMinSimilarity {
		return model.Classification{}, "", 0, false
	}

	c := best.class
	c.Confidence = clamp01(c.Confidence - (1-bestSim)/4)
	return c, best.name, bestSim, true
}

func (f *fuzzyIndex) len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
