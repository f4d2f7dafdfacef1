package classify

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/payee-cli/internal/model"
	"github.com/sells-group/payee-cli/internal/normalize"
)

func TestFuzzyIndex_FindsMatchAmongManyEntries(t *testing.T) {
	f := newFuzzyIndex(0)
	for i := 0; i < 2000; i++ {
		f.add(fmt.Sprintf("supplier %04d", i), model.Classification{Category: model.CategoryIndividual, Confidence: 0.9})
	}
	f.add("northwind traders", model.Classification{Category: model.CategoryBusiness, Confidence: 0.97})

	c, name, sim, ok := f.lookup("northwind trader")
	require.True(t, ok)
	assert.Equal(t, "northwind traders", name)
	assert.Equal(t, model.CategoryBusiness, c.Category)
	assert.Equal(t, normalize.Similarity("northwind trader", "northwind traders"), sim)
}

func TestFuzzyIndex_NoSharedGrams(t *testing.T) {
	f := newFuzzyIndex(10)
	f.add("northwind traders", model.Classification{Category: model.CategoryBusiness, Confidence: 0.97})

	_, _, _, ok := f.lookup("qqq zzz")
	assert.False(t, ok)
	_, _, _, ok = f.lookup("")
	assert.False(t, ok)
}

func TestFuzzyIndex_EvictionDropsPostings(t *testing.T) {
	f := newFuzzyIndex(2)
	f.add("alpha", model.Classification{Category: model.CategoryBusiness, Confidence: 0.95})
	f.add("bravo", model.Classification{Category: model.CategoryBusiness, Confidence: 0.95})
	f.add("charlie", model.Classification{Category: model.CategoryBusiness, Confidence: 0.95})

	assert.Equal(t, 2, f.len())
	_, _, _, ok := f.lookup("alpha")
	assert.False(t, ok)
	_, hasGram := f.postings["alp"]
	assert.False(t, hasGram)
	for g, names := range f.postings {
		assert.NotContains(t, names, "alpha", "gram %q still references evicted entry", g)
	}

	_, name, _, ok := f.lookup("charlie")
	require.True(t, ok)
	assert.Equal(t, "charlie", name)
}

func TestFuzzyIndex_UpdateKeepsSinglePosting(t *testing.T) {
	f := newFuzzyIndex(2)
	f.add("acme supply", model.Classification{Category: model.CategoryBusiness, Confidence: 0.92})
	f.add("acme supply", model.Classification{Category: model.CategoryBusiness, Confidence: 0.99})

	assert.Equal(t, 1, f.len())
	assert.Len(t, f.postings["acm"], 1)
	c, _, sim, ok := f.lookup("acme supply")
	require.True(t, ok)
	assert.Equal(t, 1.0, sim)
	assert.Equal(t, 0.99, c.Confidence)
}
