package models

import "errors"

// 领域错误：本地可恢复，不触发重试
var (
	ErrInvalidRow            = errors.New("invalid row")
	ErrDuplicateReading      = errors.New("duplicate reading")
	ErrLateAfterFinalization = errors.New("reading arrived after finalization")
	ErrDrawConflict          = errors.New("draw slot already holds a different value")
	ErrReadingSetFull        = errors.New("reading set already holds the maximum number of readings")
	ErrVersionConflict       = errors.New("reading set version conflict")
)
