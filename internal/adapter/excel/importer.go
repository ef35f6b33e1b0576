// Package excel imports channel definitions from an I/O list workbook.
// The first sheet is read; the header row names the columns and the
// rest are one point per row.
package excel

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"github.com/dj1530954213/FactoryTesting-sub006/internal/domain"
)

// Importer reads channel definitions from xlsx files. Rows that fail
// validation are reported individually; the remaining rows still load.
type Importer struct {
	logger zerolog.Logger
}

// NewImporter creates an I/O list importer.
func NewImporter(logger zerolog.Logger) *Importer {
	return &Importer{logger: logger.With().Str("component", "excel-importer").Logger()}
}

// Recognized header names, lower-cased. The column order in the sheet
// does not matter.
const (
	colTag          = "tag"
	colVariableName = "variable_name"
	colDescription  = "description"
	colStation      = "station"
	colModule       = "module"
	colType         = "type"
	colPower        = "power"
	colDataType     = "data_type"
	colRangeLow     = "range_low"
	colRangeHigh    = "range_high"
	colSLLSet       = "sll_set_value"
	colSLSet        = "sl_set_value"
	colSHSet        = "sh_set_value"
	colSHHSet       = "shh_set_value"
	colSLLAddr      = "sll_address"
	colSLAddr       = "sl_address"
	colSHAddr       = "sh_address"
	colSHHAddr      = "shh_address"
	colMaintValue   = "maintenance_value_address"
	colMaintEnable  = "maintenance_enable_address"
	colCommAddr     = "comm_address"
)

// Import reads the workbook at path. It returns the valid definitions,
// one error record per rejected row, and a terminal error only when
// the file itself cannot be read.
func (i *Importer) Import(path string) ([]domain.ChannelDefinition, []domain.AllocationError, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open workbook: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			i.logger.Warn().Err(cerr).Msg("error closing workbook")
		}
	}()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, fmt.Errorf("workbook %s has no sheets", path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	if len(rows) < 2 {
		return nil, nil, fmt.Errorf("sheet %s has no data rows", sheets[0])
	}

	header := make(map[string]int, len(rows[0]))
	for idx, name := range rows[0] {
		header[strings.ToLower(strings.TrimSpace(name))] = idx
	}
	for _, required := range []string{colTag, colType, colPower, colCommAddr} {
		if _, ok := header[required]; !ok {
			return nil, nil, fmt.Errorf("sheet %s is missing the %q column", sheets[0], required)
		}
	}

	var (
		defs      []domain.ChannelDefinition
		rowErrors []domain.AllocationError
	)
	for n, row := range rows[1:] {
		if isBlankRow(row) {
			continue
		}
		def, err := i.parseRow(header, row)
		if err != nil {
			rowErrors = append(rowErrors, domain.AllocationError{
				Tag:    cell(header, row, colTag),
				Reason: fmt.Sprintf("row %d: %v", n+2, err),
			})
			continue
		}
		defs = append(defs, def)
	}

	i.logger.Info().Str("source", path).
		Int("definitions", len(defs)).Int("rejected", len(rowErrors)).
		Msg("io list imported")
	return defs, rowErrors, nil
}

func (i *Importer) parseRow(header map[string]int, row []string) (domain.ChannelDefinition, error) {
	moduleType, err := domain.ParseModuleType(strings.ToUpper(cell(header, row, colType)))
	if err != nil {
		return domain.ChannelDefinition{}, err
	}
	power, err := domain.ParsePowerSupplyType(strings.ToLower(cell(header, row, colPower)))
	if err != nil {
		return domain.ChannelDefinition{}, err
	}

	def := domain.ChannelDefinition{
		ID:           uuid.NewString(),
		Tag:          cell(header, row, colTag),
		VariableName: cell(header, row, colVariableName),
		Description:  cell(header, row, colDescription),
		Station:      cell(header, row, colStation),
		Module:       cell(header, row, colModule),
		Type:         moduleType,
		Power:        power,
		CommAddress:  cell(header, row, colCommAddr),

		SLLAddress: cell(header, row, colSLLAddr),
		SLAddress:  cell(header, row, colSLAddr),
		SHAddress:  cell(header, row, colSHAddr),
		SHHAddress: cell(header, row, colSHHAddr),

		MaintenanceValueAddress:  cell(header, row, colMaintValue),
		MaintenanceEnableAddress: cell(header, row, colMaintEnable),
	}

	switch strings.ToLower(cell(header, row, colDataType)) {
	case "bool":
		def.DataType = domain.DataTypeBool
	case "int":
		def.DataType = domain.DataTypeInt
	case "string":
		def.DataType = domain.DataTypeString
	case "float", "real", "":
		if moduleType.IsAnalog() {
			def.DataType = domain.DataTypeFloat
		} else {
			def.DataType = domain.DataTypeBool
		}
	default:
		return domain.ChannelDefinition{}, fmt.Errorf("%w: %q", domain.ErrInvalidDataType, cell(header, row, colDataType))
	}

	for _, field := range []struct {
		col  string
		dest **float64
	}{
		{colRangeLow, &def.RangeLow},
		{colRangeHigh, &def.RangeHigh},
		{colSLLSet, &def.SLLSetValue},
		{colSLSet, &def.SLSetValue},
		{colSHSet, &def.SHSetValue},
		{colSHHSet, &def.SHHSetValue},
	} {
		raw := cell(header, row, field.col)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return domain.ChannelDefinition{}, fmt.Errorf("column %s: %q is not a number", field.col, raw)
		}
		*field.dest = &v
	}

	if err := def.Validate(); err != nil {
		return domain.ChannelDefinition{}, err
	}
	return def, nil
}

func cell(header map[string]int, row []string, name string) string {
	idx, ok := header[name]
	if !ok || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func isBlankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
