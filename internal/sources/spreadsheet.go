package sources

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var spreadsheetColumns = []string{"id", "subject_id", "occurred_at", "category", "updated_at"}

// Spreadsheet polls a published CSV export. The export is always complete,
// so records are filtered against the cursor locally.
type Spreadsheet struct {
	cfg    Config
	client *http.Client
}

func NewSpreadsheet(cfg Config, client *http.Client) *Spreadsheet {
	return &Spreadsheet{cfg: cfg, client: client}
}

func (s *Spreadsheet) Name() string {
	return s.cfg.Name
}

func (s *Spreadsheet) Fetch(ctx context.Context, since Cursor) (Batch, error) {
	resp, err := get(ctx, s.client, s.cfg.URL, s.cfg.Token, "text/csv")
	if err != nil {
		return Batch{}, err
	}
	defer resp.Body.Close()

	data, err := readLimited(resp.Body, s.cfg.MaxBytes)
	if err != nil {
		return Batch{}, err
	}

	rows, err := s.parse(data)
	if err != nil {
		return Batch{}, err
	}

	var kept []Record
	for _, rec := range rows {
		cur, err := rec.Cursor(s.cfg.Location)
		if err == nil && !since.IsZero() && !cur.After(since) {
			continue
		}
		// rows without a position are kept so the job reports them
		kept = append(kept, rec)
	}

	return Batch{
		Records:  sortByCursor(kept, s.cfg.Location),
		Location: s.cfg.Location,
	}, nil
}

// Ack is a no-op; a published export has no acknowledgement channel.
func (s *Spreadsheet) Ack(ctx context.Context, c Cursor) error {
	return nil
}

func (s *Spreadsheet) parse(data []byte) ([]Record, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrSchema, err)
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, col := range spreadsheetColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrSchema, col)
		}
	}

	field := func(row []string, col string) string {
		i, ok := index[col]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	var records []Record
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSchema, err)
		}
		if len(row) == 1 && strings.TrimSpace(row[0]) == "" {
			continue
		}

		records = append(records, Record{
			NativeID:   field(row, "id"),
			SubjectID:  field(row, "subject_id"),
			OccurredAt: field(row, "occurred_at"),
			Category:   field(row, "category"),
			Note:       field(row, "note"),
			UpdatedAt:  field(row, "updated_at"),
		})
	}
	return records, nil
}
