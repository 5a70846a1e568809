package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
)

// 支持的文件编码
const (
	EncodingUTF8   = "utf-8"
	EncodingLatin1 = "iso-8859-1"
)

// RowHandler 逐行回调；返回错误会中止解析
type RowHandler func(Row) error

// Stats 解析统计
type Stats struct {
	Rows      int // 交给回调的数据行
	Malformed int // 无法解析而跳过的记录
}

// Decode 按文件扩展名选择 CSV 或 XLSX 解析
func Decode(f *File, encoding string, fn RowHandler) (Stats, error) {
	defer f.Body.Close()

	switch strings.ToLower(filepath.Ext(f.Name)) {
	case ".xlsx":
		return decodeXLSX(f.Body, fn)
	default:
		r, err := decodeCharset(f.Body, encoding)
		if err != nil {
			return Stats{}, err
		}
		return decodeCSV(r, fn)
	}
}

// decodeCharset 把非 UTF-8 编码的输入转换为 UTF-8
func decodeCharset(r io.Reader, encoding string) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", EncodingUTF8, "utf8":
		return r, nil
	case EncodingLatin1, "latin1", "latin-1":
		return charmap.ISO8859_1.NewDecoder().Reader(r), nil
	}
	return nil, fmt.Errorf("unsupported source encoding: %s", encoding)
}

func decodeCSV(r io.Reader, fn RowHandler) (Stats, error) {
	var stats Stats
	reader := csv.NewReader(r)
	// 允许变长字段，缺少非必填列的行不报错
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return stats, nil
		}
		return stats, fmt.Errorf("failed to read csv header: %w", err)
	}

	parser, err := newRowParser(header)
	if err != nil {
		return stats, err
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				stats.Malformed++
				continue
			}
			return stats, fmt.Errorf("failed to read csv: %w", err)
		}
		if isBlank(record) {
			continue
		}
		line, _ := reader.FieldPos(0)
		stats.Rows++
		if err := fn(parser.parse(line, record)); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// decodeXLSX 读取工作簿的第一个工作表
func decodeXLSX(r io.Reader, fn RowHandler) (Stats, error) {
	var stats Stats
	wb, err := excelize.OpenReader(r)
	if err != nil {
		return stats, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer wb.Close()

	sheets := wb.GetSheetList()
	if len(sheets) == 0 {
		return stats, nil
	}

	rows, err := wb.GetRows(sheets[0])
	if err != nil {
		return stats, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return stats, nil
	}

	parser, err := newRowParser(rows[0])
	if err != nil {
		return stats, err
	}

	for i, record := range rows[1:] {
		if isBlank(record) {
			continue
		}
		stats.Rows++
		if err := fn(parser.parse(i+2, record)); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func isBlank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
