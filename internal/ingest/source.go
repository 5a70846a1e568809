package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rayjennings3rd/paige-ai/internal/models"
)

// ErrSourceNotFound 当日文件不存在
var ErrSourceNotFound = errors.New("source file not found")

// DefaultFilePattern 每日文件名模板，%s 为 YYYY-MM-DD
const DefaultFilePattern = "%s_patient_data.csv"

// File 一个待解析的每日文件
type File struct {
	Name string
	Body io.ReadCloser
}

// Source 每日文件来源
type Source interface {
	Fetch(ctx context.Context, date time.Time) (*File, error)
}

// FileName 根据模板生成指定日期的文件名
func FileName(pattern string, date time.Time) string {
	if pattern == "" {
		pattern = DefaultFilePattern
	}
	return fmt.Sprintf(pattern, date.Format(models.DateLayout))
}
