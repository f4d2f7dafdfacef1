package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectColumns_ExactBeatsSubstring(t *testing.T) {
	cols, err := DetectColumns([]string{"Vendor ID", "Vendor"}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, cols.Name)
}

func TestDetectColumns_Substring(t *testing.T) {
	cols, err := DetectColumns([]string{"id", "Payee_Full_Name", "Mailing Address", "Billing City"}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, cols.Name)
	assert.Equal(t, 2, cols.Address)
	assert.Equal(t, 3, cols.City)
}

func TestDetectColumns_FallbackFirstColumn(t *testing.T) {
	cols, err := DetectColumns([]string{"foo", "bar"}, "")
	require.NoError(t, err)
	assert.Equal(t, 0, cols.Name)
	assert.Equal(t, -1, cols.City)
}

func TestDetectColumns_NoDoubleAssignment(t *testing.T) {
	cols, err := DetectColumns([]string{"Street Address", "Name"}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, cols.Name)
	assert.Equal(t, 0, cols.Address)
}

func TestDetectColumns_DeclaredCaseInsensitive(t *testing.T) {
	cols, err := DetectColumns([]string{"ID", "Payee Name"}, "payee_name")
	require.NoError(t, err)
	assert.Equal(t, 1, cols.Name)
}

func TestDetectColumns_DeclaredMissing(t *testing.T) {
	_, err := DetectColumns([]string{"Name"}, "Vendor")
	assert.ErrorIs(t, err, ErrColumnNotFound)
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatXLSX, DetectFormat("a.XLSX"))
	assert.Equal(t, FormatTSV, DetectFormat("a.tsv"))
	assert.Equal(t, FormatCSV, DetectFormat("a.csv"))
	assert.Equal(t, FormatCSV, DetectFormat("a.txt"))
}
