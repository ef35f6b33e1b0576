package excel

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/dj1530954213/FactoryTesting-sub006/internal/domain"
)

func writeWorkbook(t *testing.T, rows [][]string) string {
	t.Helper()
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	for r, row := range rows {
		for c, val := range row {
			cellName, err := excelize.CoordinatesToCellName(c+1, r+1)
			require.NoError(t, err)
			require.NoError(t, f.SetCellValue(sheet, cellName, val))
		}
	}
	path := filepath.Join(t.TempDir(), "io-list.xlsx")
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())
	return path
}

var header = []string{
	"tag", "description", "type", "power", "data_type",
	"range_low", "range_high", "sh_set_value", "comm_address",
}

func TestImportReadsValidRows(t *testing.T) {
	path := writeWorkbook(t, [][]string{
		header,
		{"TT-1101", "inlet temperature", "AI", "active", "float", "0", "200", "180", "40001"},
		{"XV-2201", "shutoff valve", "DO", "passive", "bool", "", "", "", "00017"},
	})

	imp := NewImporter(zerolog.Nop())
	defs, rowErrors, err := imp.Import(path)
	require.NoError(t, err)
	assert.Empty(t, rowErrors)
	require.Len(t, defs, 2)

	ai := defs[0]
	assert.Equal(t, "TT-1101", ai.Tag)
	assert.Equal(t, domain.ModuleAI, ai.Type)
	assert.Equal(t, domain.PowerActive, ai.Power)
	assert.Equal(t, domain.DataTypeFloat, ai.DataType)
	require.NotNil(t, ai.RangeHigh)
	assert.Equal(t, 200.0, *ai.RangeHigh)
	require.NotNil(t, ai.SHSetValue)
	assert.Equal(t, 180.0, *ai.SHSetValue)
	assert.Nil(t, ai.SLLSetValue)

	do := defs[1]
	assert.Equal(t, domain.ModuleDO, do.Type)
	assert.Equal(t, domain.DataTypeBool, do.DataType)
}

func TestImportReportsRowErrorsWithoutFailing(t *testing.T) {
	path := writeWorkbook(t, [][]string{
		header,
		{"TT-1101", "", "AI", "active", "float", "0", "100", "", "40001"},
		{"TT-1102", "missing power", "AI", "", "float", "0", "100", "", "40003"},
		{"TT-1103", "missing range", "AI", "active", "float", "", "", "", "40005"},
		{"TT-1104", "bad number", "AI", "active", "float", "zero", "100", "", "40007"},
	})

	imp := NewImporter(zerolog.Nop())
	defs, rowErrors, err := imp.Import(path)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	require.Len(t, rowErrors, 3)

	assert.Equal(t, "TT-1102", rowErrors[0].Tag)
	assert.Contains(t, rowErrors[0].Reason, "row 3")
	assert.Equal(t, "TT-1103", rowErrors[1].Tag)
	assert.Equal(t, "TT-1104", rowErrors[2].Tag)
}

func TestImportRejectsMissingColumns(t *testing.T) {
	path := writeWorkbook(t, [][]string{
		{"tag", "type", "power"},
		{"TT-1101", "AI", "active"},
	})

	imp := NewImporter(zerolog.Nop())
	_, _, err := imp.Import(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "comm_address")
}

func TestImportSkipsBlankRows(t *testing.T) {
	path := writeWorkbook(t, [][]string{
		header,
		{"TT-1101", "", "AI", "active", "float", "0", "100", "", "40001"},
		{"", "", "", "", "", "", "", "", ""},
		{"TT-1102", "", "AI", "active", "float", "0", "100", "", "40003"},
	})

	imp := NewImporter(zerolog.Nop())
	defs, rowErrors, err := imp.Import(path)
	require.NoError(t, err)
	assert.Empty(t, rowErrors)
	assert.Len(t, defs, 2)
}
