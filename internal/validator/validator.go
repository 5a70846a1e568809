package validator

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rayjennings3rd/paige-ai/internal/models"
)

// MmolToMgdl mmol/L → mg/dL 换算系数
const MmolToMgdl = 18.0

// 单位
const (
	UnitMgdl = "mg/dL"
	UnitMmol = "mmol/L"
)

// Reason 拒收原因（日志与指标中只出现原因与行号，不含 PHI）
type Reason string

const (
	ReasonMissingIdentifier Reason = "missing_identifier"
	ReasonMissingValue      Reason = "missing_value"
	ReasonNonNumeric        Reason = "non_numeric"
	ReasonZero              Reason = "zero_value"
	ReasonOutOfRange        Reason = "out_of_range"
	ReasonUnknownUnit       Reason = "unknown_unit"
	ReasonInvalidDraw       Reason = "invalid_draw"
)

// Candidate 匿名化之后、校验之前的单个测量单元
type Candidate struct {
	PatientKey string // 为空表示原始行缺少可用标识
	Draw       int
	Value      string
	Unit       string
	Line       int
}

// Rejection 被拒收的测量
type Rejection struct {
	Line   int
	Draw   int
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%v: line %d draw %d: %s %s", models.ErrInvalidRow, r.Line, r.Draw, r.Reason, r.Detail)
}

// Unwrap 支持 errors.Is(err, models.ErrInvalidRow)
func (r *Rejection) Unwrap() error {
	return models.ErrInvalidRow
}

// Validator 单行校验器
type Validator struct {
	minMgdl float64
	maxMgdl float64
}

// New 创建校验器（闭区间 [minMgdl, maxMgdl]）
func New(minMgdl, maxMgdl float64) (*Validator, error) {
	if minMgdl <= 0 || maxMgdl <= minMgdl {
		return nil, fmt.Errorf("invalid glucose range [%v, %v]", minMgdl, maxMgdl)
	}
	return &Validator{minMgdl: minMgdl, maxMgdl: maxMgdl}, nil
}

// Validate 校验并标准化一个测量单元，返回读数或拒收原因（二者只有一个非空）
func (v *Validator) Validate(c Candidate, sourceDate time.Time) (*models.Reading, *Rejection) {
	reject := func(reason Reason, detail string) (*models.Reading, *Rejection) {
		return nil, &Rejection{Line: c.Line, Draw: c.Draw, Reason: reason, Detail: detail}
	}

	if c.PatientKey == "" {
		return reject(ReasonMissingIdentifier, "")
	}
	if c.Draw < 0 || c.Draw > models.MaxReadingsPerPatient {
		return reject(ReasonInvalidDraw, strconv.Itoa(c.Draw))
	}

	raw := strings.TrimSpace(c.Value)
	if raw == "" {
		return reject(ReasonMissingValue, "")
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return reject(ReasonNonNumeric, "")
	}

	factor, ok := unitFactor(c.Unit)
	if !ok {
		return reject(ReasonUnknownUnit, c.Unit)
	}

	// 非有限值（inf/NaN）直接拒收，不做截断
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return reject(ReasonOutOfRange, raw)
	}
	if value == 0 {
		return reject(ReasonZero, "")
	}

	mgdl := math.Round(value*factor*100) / 100
	if mgdl < v.minMgdl || mgdl > v.maxMgdl {
		return reject(ReasonOutOfRange, strconv.FormatFloat(mgdl, 'f', -1, 64))
	}

	return &models.Reading{
		PatientKey: c.PatientKey,
		ValueMgdl:  mgdl,
		Draw:       c.Draw,
		SourceDate: models.DateOf(sourceDate),
	}, nil
}

// unitFactor 返回换算到 mg/dL 的系数；空单位按 mg/dL 处理
func unitFactor(unit string) (float64, bool) {
	u := strings.ToLower(strings.TrimSpace(unit))
	u = strings.ReplaceAll(u, " ", "")
	switch u {
	case "", "mg/dl", "mgdl", "mg":
		return 1, true
	case "mmol/l", "mmol", "mmoll":
		return MmolToMgdl, true
	}
	return 0, false
}
