// Package importer loads calls from CSV exports into the store.
package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"call_audit/internal/config"
	"call_audit/internal/store"
	"github.com/rs/zerolog/log"
)

// Column names. Matching is case-insensitive and ignores surrounding space.
const (
	ColAgentEmail    = "agent_email"
	ColTranscript    = "transcript"
	ColCallDate      = "call_date"
	ColDuration      = "call_duration_seconds"
	ColCallType      = "call_type"
	ColCampaign      = "campaign"
	ColCustomerPhone = "customer_phone"
	ColCustomerName  = "customer_name"
	ColDisposition   = "disposition"
	ColRecordingURL  = "recording_url"
)

var requiredColumns = []string{ColAgentEmail, ColDuration}

var dateLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

// ErrMissingColumns is returned when the header lacks a required column.
var ErrMissingColumns = errors.New("csv header is missing required columns")

// RowError describes one rejected row. Row is the 1-based line in the file,
// so the first data row is 2.
type RowError struct {
	Row   int    `json:"row"`
	Email string `json:"email,omitempty"`
	Error string `json:"error"`
}

// Report summarises an import.
type Report struct {
	Total    int        `json:"total"`
	Imported int        `json:"imported"`
	Failed   int        `json:"failed"`
	Failures []RowError `json:"failures"`
	CallIDs  []string   `json:"call_ids"`
}

// Importer creates calls from CSV rows.
type Importer struct {
	store *store.Store
	now   func() time.Time
}

func New(st *store.Store) *Importer {
	return &Importer{store: st, now: config.Now}
}

// ImportFile imports the CSV at path.
func (im *Importer) ImportFile(ctx context.Context, path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("import: open %s: %w", path, err)
	}
	defer f.Close()
	return im.Import(ctx, f)
}

// Import reads a CSV stream. Header problems fail the whole import; row
// problems are collected in the report and the remaining rows still load.
func (im *Importer) Import(ctx context.Context, r io.Reader) (*Report, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("import: csv is empty (no header row)")
	}
	if err != nil {
		return nil, fmt.Errorf("import: read header: %w", err)
	}
	index := indexHeader(header)
	var missing []string
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("import: %w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	rep := &Report{Failures: []RowError{}, CallIDs: []string{}}
	users := map[string]string{}
	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if !errors.As(err, &perr) {
				return rep, fmt.Errorf("import: read: %w", err)
			}
			// A malformed record does not poison the rest.
			rep.Total++
			rep.fail(perr.StartLine, "", fmt.Sprintf("malformed csv: %v", perr.Err))
			continue
		}
		line, _ := reader.FieldPos(0)
		if blank(record) {
			continue
		}
		rep.Total++
		row := rowValues(index, record)
		id, err := im.importRow(ctx, row, users)
		if err != nil {
			rep.fail(line, row[ColAgentEmail], err.Error())
			continue
		}
		rep.Imported++
		rep.CallIDs = append(rep.CallIDs, id)
	}
	log.Info().Int("total", rep.Total).Int("imported", rep.Imported).Int("failed", rep.Failed).Msg("csv import finished")
	return rep, nil
}

func (rep *Report) fail(line int, email, msg string) {
	rep.Failed++
	rep.Failures = append(rep.Failures, RowError{Row: line, Email: email, Error: msg})
}

func (im *Importer) importRow(ctx context.Context, row map[string]string, users map[string]string) (string, error) {
	email := strings.ToLower(row[ColAgentEmail])
	if email == "" {
		return "", errors.New("agent_email is empty")
	}
	agentID, ok := users[email]
	if !ok {
		u, err := im.store.UserByEmail(ctx, email)
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("unknown agent %s", email)
		}
		if err != nil {
			return "", err
		}
		agentID = u.ID
		users[email] = agentID
	}

	duration, err := strconv.Atoi(row[ColDuration])
	if err != nil || duration < 0 {
		return "", fmt.Errorf("invalid call_duration_seconds %q", row[ColDuration])
	}
	call := &store.Call{
		AgentID:         agentID,
		TranscriptText:  row[ColTranscript],
		RecordingURL:    row[ColRecordingURL],
		DurationSeconds: duration,
		CallType:        row[ColCallType],
		Campaign:        row[ColCampaign],
		CustomerPhone:   row[ColCustomerPhone],
		CustomerName:    row[ColCustomerName],
		Disposition:     row[ColDisposition],
	}
	if raw := row[ColCallDate]; raw != "" {
		date, err := parseDate(raw)
		if err != nil {
			return "", err
		}
		call.CallDate = &date
	}
	if err := im.store.CreateCall(ctx, call, im.now()); err != nil {
		return "", err
	}
	return call.ID, nil
}

func parseDate(raw string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid call_date %q", raw)
}

func indexHeader(header []string) map[string]int {
	index := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := index[name]; !dup && name != "" {
			index[name] = i
		}
	}
	return index
}

func rowValues(index map[string]int, record []string) map[string]string {
	row := make(map[string]string, len(index))
	for name, i := range index {
		if i < len(record) {
			row[name] = strings.TrimSpace(record[i])
		}
	}
	return row
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
