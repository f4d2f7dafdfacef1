package model

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowSetExtra(t *testing.T) {
	t.Parallel()

	t.Run("blank key dropped", func(t *testing.T) {
		var r Row
		assert.False(t, r.SetExtra("  ", "x"))
		assert.Nil(t, r.Extra)
	})

	t.Run("value truncated", func(t *testing.T) {
		var r Row
		require.True(t, r.SetExtra(" memo ", strings.Repeat("a", MaxExtraValueLen+10)))
		assert.Len(t, r.Extra["memo"], MaxExtraValueLen)
	})

	t.Run("field count bounded", func(t *testing.T) {
		var r Row
		for i := 0; i < MaxExtraFields; i++ {
			require.True(t, r.SetExtra(fmt.Sprintf("k%d", i), "v"))
		}
		assert.False(t, r.SetExtra("overflow", "v"))
		assert.True(t, r.SetExtra("k0", "replaced"))
		assert.Len(t, r.Extra, MaxExtraFields)
		assert.Equal(t, "replaced", r.Extra["k0"])
	})
}

func TestParseCategory(t *testing.T) {
	t.Parallel()

	c, ok := ParseCategory(" business ")
	assert.True(t, ok)
	assert.Equal(t, CategoryBusiness, c)

	c, ok = ParseCategory("internal transfer")
	assert.True(t, ok)
	assert.Equal(t, CategoryInternalTransfer, c)

	c, ok = ParseCategory("alien")
	assert.False(t, ok)
	assert.Equal(t, CategoryUnknown, c)
}
