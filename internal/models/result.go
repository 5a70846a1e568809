package models

import "time"

// Classification 临床分级
type Classification string

const (
	ClassNormal       Classification = "NORMAL"
	ClassPrediabetes  Classification = "PREDIABETES"
	ClassDiabetes     Classification = "DIABETES"
	ClassUndetermined Classification = "UNDETERMINED"
)

// Code 紧凑整数编码（0 正常，1 糖尿病前期，2 糖尿病，-1 无法判定）
func (c Classification) Code() int {
	switch c {
	case ClassNormal:
		return 0
	case ClassPrediabetes:
		return 1
	case ClassDiabetes:
		return 2
	default:
		return -1
	}
}

// ClassificationResult 输出行
type ClassificationResult struct {
	PatientKey     string         `json:"patient_key"`
	AverageMgdl    *float64       `json:"average_mgdl,omitempty"`
	Classification Classification `json:"classification"`
	ReadingCount   int            `json:"reading_count"`
	FinalizedOn    time.Time      `json:"finalized_on"`
	IsPartial      bool           `json:"is_partial"`
}
