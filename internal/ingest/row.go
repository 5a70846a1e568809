package ingest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/rayjennings3rd/paige-ai/internal/anonymizer"
	"github.com/rayjennings3rd/paige-ai/internal/validator"
)

// Cell 一个测量单元（宽表中的一列，或长表中的一行）
type Cell struct {
	Draw  int
	Value string
	Unit  string
}

// Row 解析后的原始行，包含 PHI，只能在摄入边界内使用
type Row struct {
	Line       int
	Identifier anonymizer.RawIdentifier
	Cells      []Cell
}

// 宽表列名：glucose_mgdl_t1 / glucose_mmol_t2 / glucose_t3
var wideValueColumn = regexp.MustCompile(`^glucose_(?:(mgdl|mmol)_)?t([1-3])$`)

// notDelivered 宽表中表示“尚未送达”的占位值
var notDelivered = map[string]bool{
	"":     true,
	"n/a":  true,
	"na":   true,
	"nan":  true,
	"null": true,
	"-":    true,
}

type valueColumn struct {
	index   int
	draw    int
	unit    string
	unitIdx int // 每列单位（unit_t1），-1 表示无
}

// rowParser 根据表头把记录转换为 Row
type rowParser struct {
	patientID int
	firstName int
	lastName  int
	email     int
	unit      int
	draw      int
	long      int // 长表的数值列
	wide      []valueColumn
}

func newRowParser(header []string) (*rowParser, error) {
	p := &rowParser{patientID: -1, firstName: -1, lastName: -1, email: -1, unit: -1, draw: -1, long: -1}
	perDrawUnit := make(map[int]int)

	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		name := ToSnakeCase(h)
		switch name {
		case "patient_id", "mrn", "patient_mrn":
			p.patientID = i
		case "first_name":
			p.firstName = i
		case "last_name":
			p.lastName = i
		case "email":
			p.email = i
		case "unit", "units":
			p.unit = i
		case "draw", "draw_index", "draw_number":
			p.draw = i
		case "glucose", "glucose_value", "value":
			p.long = i
		default:
			if m := wideValueColumn.FindStringSubmatch(name); m != nil {
				draw, _ := strconv.Atoi(m[2])
				unit := ""
				switch m[1] {
				case "mgdl":
					unit = validator.UnitMgdl
				case "mmol":
					unit = validator.UnitMmol
				}
				p.wide = append(p.wide, valueColumn{index: i, draw: draw, unit: unit, unitIdx: -1})
			} else if strings.HasPrefix(name, "unit_t") {
				if draw, err := strconv.Atoi(strings.TrimPrefix(name, "unit_t")); err == nil {
					perDrawUnit[draw] = i
				}
			}
		}
	}

	if p.patientID < 0 {
		return nil, fmt.Errorf("missing required column: patient_id")
	}
	if len(p.wide) == 0 && p.long < 0 {
		return nil, fmt.Errorf("missing glucose value columns")
	}
	for i := range p.wide {
		if idx, ok := perDrawUnit[p.wide[i].draw]; ok {
			p.wide[i].unitIdx = idx
		}
	}
	return p, nil
}

func field(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

// parse 转换一条记录；宽表中的空占位不会产生测量单元
func (p *rowParser) parse(line int, record []string) Row {
	row := Row{
		Line: line,
		Identifier: anonymizer.RawIdentifier{
			PatientID: field(record, p.patientID),
			FirstName: field(record, p.firstName),
			LastName:  field(record, p.lastName),
			Email:     field(record, p.email),
		},
	}
	rowUnit := field(record, p.unit)

	for _, col := range p.wide {
		value := field(record, col.index)
		if notDelivered[strings.ToLower(value)] {
			continue
		}
		unit := col.unit
		if unit == "" {
			unit = rowUnit
		}
		if col.unitIdx >= 0 {
			if u := field(record, col.unitIdx); u != "" {
				unit = u
			}
		}
		row.Cells = append(row.Cells, Cell{Draw: col.draw, Value: value, Unit: unit})
	}

	if p.long >= 0 {
		draw := 0
		if d := field(record, p.draw); d != "" {
			n, err := strconv.Atoi(strings.TrimPrefix(strings.ToLower(d), "t"))
			if err != nil {
				n = -1
			}
			draw = n
		}
		row.Cells = append(row.Cells, Cell{Draw: draw, Value: field(record, p.long), Unit: rowUnit})
	}

	return row
}

// ToSnakeCase 表头规范化：patientId → patient_id，"Glucose mg/dl t1" → glucose_mgdl_t1
func ToSnakeCase(s string) string {
	var b strings.Builder
	runes := []rune(strings.TrimSpace(s))
	lastUnderscore := true
	for i, r := range runes {
		switch {
		case unicode.IsUpper(r):
			if i > 0 && !lastUnderscore && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			lastUnderscore = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastUnderscore = false
		case r == ' ' || r == '_' || r == '-' || r == '.':
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
