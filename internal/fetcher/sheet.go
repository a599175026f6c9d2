package fetcher

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const sheetExportTemplate = "https://docs.google.com/spreadsheets/d/%s/export"

// SheetOptions parameterise the spreadsheet CSV export fetcher.
type SheetOptions struct {
	// ExportURL overrides the URL derived from SheetKey and GID.
	ExportURL string
	SheetKey  string
	GID       string
	Timeout   time.Duration
}

// Sheet downloads the order sheet as CSV.
type Sheet struct {
	opts   SheetOptions
	logger zerolog.Logger
	client *http.Client
}

// NewSheet constructs a spreadsheet order source.
func NewSheet(opts SheetOptions, logger zerolog.Logger) *Sheet {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Sheet{
		opts:   opts,
		logger: logger.With().Str("component", "sheet_source").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

func (s *Sheet) exportURL() (string, error) {
	if s.opts.ExportURL != "" {
		return s.opts.ExportURL, nil
	}
	if s.opts.SheetKey == "" {
		return "", fmt.Errorf("sheet key not configured")
	}
	query := url.Values{}
	query.Set("format", "csv")
	gid := s.opts.GID
	if gid == "" {
		gid = "0"
	}
	query.Set("gid", gid)
	return fmt.Sprintf(sheetExportTemplate, url.PathEscape(s.opts.SheetKey)) + "?" + query.Encode(), nil
}

// FetchRows downloads and splits the sheet into rows.
func (s *Sheet) FetchRows(ctx context.Context) ([][]string, error) {
	endpoint, err := s.exportURL()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/csv")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download sheet: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("sheet export error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	rows, err := readCSV(resp.Body)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Int("rows", len(rows)).Msg("sheet downloaded")
	return rows, nil
}

// File reads orders from a local CSV file.
type File struct {
	path string
}

// NewFile constructs a local CSV order source.
func NewFile(path string) *File {
	return &File{path: path}
}

// FetchRows reads the whole file on every call.
func (f *File) FetchRows(ctx context.Context) ([][]string, error) {
	if f.path == "" {
		return nil, fmt.Errorf("source file path not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	return rows, nil
}

var (
	_ OrderSource = (*Sheet)(nil)
	_ OrderSource = (*File)(nil)
)
