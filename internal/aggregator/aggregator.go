package aggregator

import (
	"math"
	"time"

	"github.com/rayjennings3rd/paige-ai/internal/models"
)

// 分级阈值（mg/dL）
const (
	PrediabetesThreshold = 140.0
	DiabetesThreshold    = 200.0
)

// Average 计算均值；没有读数时返回 ok=false
func Average(values []float64) (avg float64, ok bool) {
	if len(values) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values)), true
}

// Classify 按均值分级
//   - average < 140          → NORMAL
//   - 140 <= average < 200   → PREDIABETES
//   - average >= 200         → DIABETES
func Classify(average float64) models.Classification {
	switch {
	case average < PrediabetesThreshold:
		return models.ClassNormal
	case average < DiabetesThreshold:
		return models.ClassPrediabetes
	default:
		return models.ClassDiabetes
	}
}

// BuildResult 由对账记录生成输出行
// partial=true 表示迟到窗口超时的提前定稿
func BuildResult(set *models.PatientReadingSet, finalizedOn time.Time, partial bool) *models.ClassificationResult {
	result := &models.ClassificationResult{
		PatientKey:     set.PatientKey,
		Classification: models.ClassUndetermined,
		ReadingCount:   len(set.Readings),
		FinalizedOn:    models.DateOf(finalizedOn),
		IsPartial:      partial,
	}

	avg, ok := Average(set.Values())
	if !ok {
		return result
	}

	// 分级使用未取整的均值，输出保留两位小数
	result.Classification = Classify(avg)
	rounded := math.Round(avg*100) / 100
	result.AverageMgdl = &rounded
	return result
}
