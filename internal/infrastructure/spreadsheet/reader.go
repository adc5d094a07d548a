package spreadsheet

import (
	"bufio"
	"customer-import/internal/domain/customer"
	"customer-import/internal/pkg/apperrors"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

const (
	ColumnName             = "Customer name"
	ColumnEmail            = "Customer email"
	ColumnPhone            = "Customer phone number"
	DefaultTimestampColumn = "Pick-up time (local)"
)

const utf8BOM = "\ufeff"

type Options struct {
	// TimestampColumn names the optional grouping column. Empty means DefaultTimestampColumn.
	TimestampColumn string
}

func (o Options) timestampColumn() string {
	if strings.TrimSpace(o.TimestampColumn) == "" {
		return DefaultTimestampColumn
	}
	return strings.TrimSpace(o.TimestampColumn)
}

// Supported reports whether path has an extension Open understands.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".xlsx", ".xlsm", ".xls":
		return true
	}
	return false
}

type rowSource interface {
	next() ([]string, error)
	close() error
}

type columns struct {
	name, email, phone, timestamp int
}

func (c columns) cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// Reader yields data rows of one spreadsheet in file order. It is not
// restartable; open the file again to read it twice.
type Reader struct {
	path   string
	source rowSource
	cols   columns
	header []string
	line   int
	excel  bool
}

// Open validates the header of the file at path and positions the reader on
// the first data row.
func Open(path string, opts Options) (*Reader, error) {
	var (
		source rowSource
		err    error
	)
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".csv":
		source, err = openCSV(path)
	case ".xlsx", ".xlsm", ".xls":
		source, err = openExcel(path)
	default:
		return nil, apperrors.NewFileFormatError(path, fmt.Errorf("unsupported extension %q", ext))
	}
	if err != nil {
		return nil, err
	}

	header, err := source.next()
	if err != nil {
		_ = source.close()
		if errors.Is(err, io.EOF) {
			return nil, apperrors.NewFileFormatError(path, errors.New("file has no header row"))
		}
		return nil, apperrors.NewFileFormatError(path, err)
	}

	cols, err := mapHeader(header, opts.timestampColumn())
	if err != nil {
		_ = source.close()
		return nil, err
	}

	return &Reader{
		path:   path,
		source: source,
		cols:   cols,
		header: header,
		excel:  ext != ".csv",
	}, nil
}

func mapHeader(header []string, timestampColumn string) (columns, error) {
	index := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, utf8BOM)))
		if _, dup := index[key]; !dup {
			index[key] = i
		}
	}
	lookup := func(name string) int {
		if i, ok := index[strings.ToLower(name)]; ok {
			return i
		}
		return -1
	}

	cols := columns{
		name:      lookup(ColumnName),
		email:     lookup(ColumnEmail),
		phone:     lookup(ColumnPhone),
		timestamp: lookup(timestampColumn),
	}

	var missing []string
	if cols.name < 0 {
		missing = append(missing, ColumnName)
	}
	if cols.email < 0 {
		missing = append(missing, ColumnEmail)
	}
	if len(missing) > 0 {
		return columns{}, &apperrors.MissingColumnError{Columns: missing}
	}
	return cols, nil
}

// Header returns the header cells as they appear in the file.
func (r *Reader) Header() []string {
	return append([]string(nil), r.header...)
}

// Next returns the next non-blank data row, or io.EOF when the file is exhausted.
func (r *Reader) Next() (customer.RawRow, error) {
	for {
		cells, err := r.source.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return customer.RawRow{}, io.EOF
			}
			return customer.RawRow{}, apperrors.NewFileFormatError(r.path, err)
		}
		r.line++

		row := customer.RawRow{
			Line:      r.line,
			Name:      r.cols.cell(cells, r.cols.name),
			Email:     r.cols.cell(cells, r.cols.email),
			Phone:     r.cols.cell(cells, r.cols.phone),
			Timestamp: r.cols.cell(cells, r.cols.timestamp),
		}
		if row.IsBlank() {
			continue
		}
		if r.excel {
			row.Timestamp = excelTimestamp(row.Timestamp)
		}
		return row, nil
	}
}

func (r *Reader) Close() error {
	return r.source.close()
}

// Scan reads the whole file once and returns the number of non-blank data
// rows. A file without data rows is a format error.
func Scan(path string, opts Options) (int, error) {
	r, err := Open(path, opts)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	count := 0
	for {
		_, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		count++
	}
	if count == 0 {
		return 0, apperrors.NewFileFormatError(path, errors.New("file has no data rows"))
	}
	return count, nil
}

// excelTimestamp converts a serial date cell read as a raw value into the
// text layout used by CSV exports.
func excelTimestamp(value string) string {
	serial, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return value
	}
	t, err := excelize.ExcelDateToTime(serial, false)
	if err != nil {
		return value
	}
	return t.Format(customer.TimestampLayout)
}

type csvSource struct {
	file   *os.File
	reader *csv.Reader
}

func openCSV(path string) (*csvSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.NewFileFormatError(path, err)
	}
	br := bufio.NewReader(f)
	if bom, err := br.Peek(len(utf8BOM)); err == nil && string(bom) == utf8BOM {
		_, _ = br.Discard(len(utf8BOM))
	}
	reader := csv.NewReader(br)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	return &csvSource{file: f, reader: reader}, nil
}

func (s *csvSource) next() ([]string, error) {
	return s.reader.Read()
}

func (s *csvSource) close() error {
	return s.file.Close()
}

type excelSource struct {
	file *excelize.File
	rows *excelize.Rows
}

func openExcel(path string) (*excelSource, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, apperrors.NewFileFormatError(path, err)
	}
	sheet := f.GetSheetName(0)
	if sheet == "" {
		_ = f.Close()
		return nil, apperrors.NewFileFormatError(path, errors.New("workbook has no sheets"))
	}
	rows, err := f.Rows(sheet)
	if err != nil {
		_ = f.Close()
		return nil, apperrors.NewFileFormatError(path, err)
	}
	return &excelSource{file: f, rows: rows}, nil
}

func (s *excelSource) next() ([]string, error) {
	if !s.rows.Next() {
		if err := s.rows.Error(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return s.rows.Columns(excelize.Options{RawCellValue: true})
}

func (s *excelSource) close() error {
	rowsErr := s.rows.Close()
	if err := s.file.Close(); err != nil {
		return err
	}
	return rowsErr
}
