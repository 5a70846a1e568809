package models

import (
	"errors"
	"time"
)

// AnomalyKind 异常类型
type AnomalyKind string

const (
	AnomalyLateAfterFinalization AnomalyKind = "LATE_AFTER_FINALIZATION"
	AnomalyDrawConflict          AnomalyKind = "DRAW_CONFLICT"
	AnomalySetFull               AnomalyKind = "SET_FULL"
)

// Anomaly 需人工复核的读数（已丢弃，不改变已输出结果）
type Anomaly struct {
	ID         string      `json:"id"`
	RunID      string      `json:"run_id"`
	Kind       AnomalyKind `json:"kind"`
	Reading    Reading     `json:"reading"`
	DetectedOn time.Time   `json:"detected_on"`
}

// AnomalyKindOf 将领域错误映射为异常类型
func AnomalyKindOf(err error) (AnomalyKind, bool) {
	switch {
	case errors.Is(err, ErrLateAfterFinalization):
		return AnomalyLateAfterFinalization, true
	case errors.Is(err, ErrDrawConflict):
		return AnomalyDrawConflict, true
	case errors.Is(err, ErrReadingSetFull):
		return AnomalySetFull, true
	}
	return "", false
}
