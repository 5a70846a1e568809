package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// DirSource 从本地（或挂载的）投递目录读取每日文件
type DirSource struct {
	dir     string
	pattern string
}

// NewDirSource 创建目录来源
func NewDirSource(dir, pattern string) *DirSource {
	return &DirSource{dir: dir, pattern: pattern}
}

// Fetch 打开指定日期的文件
func (s *DirSource) Fetch(ctx context.Context, date time.Time) (*File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := FileName(s.pattern, date)
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, name)
		}
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	return &File{Name: name, Body: f}, nil
}
