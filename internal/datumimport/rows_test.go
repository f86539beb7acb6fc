package datumimport

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/voltstream/telemetry-core/internal/bulkload"
)

func TestParseConfig(t *testing.T) {
	t.Parallel()

	cfg, err := ParseConfig(json.RawMessage(`{"inputKey":" imports/1/a.csv "}`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Mode != bulkload.SingleTransaction || cfg.BatchSize != defaultBatchSize || cfg.Format != FormatCSV || cfg.InputKey != "imports/1/a.csv" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}

	cfg, err = ParseConfig(json.RawMessage(`{"mode":"checkpoint","batchSize":25,"inputKey":"k","format":"JSONL"}`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Mode != bulkload.TransactionCheckpoints || cfg.BatchSize != 25 || cfg.Format != FormatJSONL {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	for _, raw := range []string{
		``,
		`{"mode":"fast","inputKey":"k"}`,
		`{"inputKey":""}`,
		`{"inputKey":"k","batchSize":-1}`,
		`{"inputKey":"k","format":"xml"}`,
	} {
		if _, err := ParseConfig(json.RawMessage(raw)); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("ParseConfig(%s): expected ErrInvalidConfig, got %v", raw, err)
		}
	}
}

func TestCSVRows(t *testing.T) {
	t.Parallel()

	in := "objectId, sourceId, timestamp, watts, volts\n" +
		"7, meter/main, 2026-07-14T09:05:00Z, 10.5, 230\n" +
		"7, meter/main, 1784019600000, , 231\n"
	r, err := newRowReader(FormatCSV, strings.NewReader(in))
	if err != nil {
		t.Fatalf("newRowReader: %v", err)
	}

	first, err := r.next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if first.num != 1 || first.objectID != 7 || first.sourceID != "meter/main" ||
		!first.ts.Equal(time.Date(2026, 7, 14, 9, 5, 0, 0, time.UTC)) ||
		first.samples["watts"] != 10.5 || first.samples["volts"] != 230 {
		t.Fatalf("first row: %+v", first)
	}

	second, err := r.next()
	if err != nil {
		t.Fatalf("next #2: %v", err)
	}
	if _, ok := second.samples["watts"]; ok || second.samples["volts"] != 231 {
		t.Fatalf("blank cells must be skipped: %+v", second.samples)
	}
	if !second.ts.Equal(time.UnixMilli(1784019600000).UTC()) {
		t.Fatalf("epoch timestamp: %v", second.ts)
	}
	if r.offset() != int64(len(in)) {
		t.Fatalf("offset: got %d want %d", r.offset(), len(in))
	}
	if _, err := r.next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestCSVRowsErrors(t *testing.T) {
	t.Parallel()

	if _, err := newRowReader(FormatCSV, strings.NewReader("")); !errors.Is(err, ErrInvalidRow) {
		t.Fatalf("empty input: %v", err)
	}
	if _, err := newRowReader(FormatCSV, strings.NewReader("objectId,watts\n")); !errors.Is(err, ErrInvalidRow) {
		t.Fatalf("missing columns: %v", err)
	}

	r, err := newRowReader(FormatCSV, strings.NewReader("objectId,sourceId,timestamp,watts\n1,a,2026-01-01T00:00:00Z,1\n1,a,2026-01-01T01:00:00Z,lots\n"))
	if err != nil {
		t.Fatalf("newRowReader: %v", err)
	}
	if _, err := r.next(); err != nil {
		t.Fatalf("next: %v", err)
	}
	_, err = r.next()
	if !errors.Is(err, ErrInvalidRow) || !strings.Contains(err.Error(), "row 2") {
		t.Fatalf("expected row 2 error, got %v", err)
	}

	r, err = newRowReader(FormatCSV, strings.NewReader("objectId,sourceId,timestamp\n1,a\n"))
	if err != nil {
		t.Fatalf("newRowReader: %v", err)
	}
	if _, err := r.next(); !errors.Is(err, ErrInvalidRow) {
		t.Fatalf("short row: %v", err)
	}
}

func TestJSONRows(t *testing.T) {
	t.Parallel()

	in := `{"objectId":7,"sourceId":"meter/main","timestamp":"2026-07-14T09:05:00Z","samples":{"watts":10}}
{"objectId":7,"sourceId":"meter/main","timestamp":1784019600000,"samples":{"watts":20}}
`
	r, err := newRowReader(FormatJSONL, strings.NewReader(in))
	if err != nil {
		t.Fatalf("newRowReader: %v", err)
	}
	a, err := r.next()
	if err != nil || a.samples["watts"] != 10 || a.ts.Hour() != 9 {
		t.Fatalf("first: %+v err=%v", a, err)
	}
	b, err := r.next()
	if err != nil || b.num != 2 || !b.ts.Equal(time.UnixMilli(1784019600000).UTC()) {
		t.Fatalf("second: %+v err=%v", b, err)
	}
	if _, err := r.next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}

	r, err = newRowReader(FormatJSONL, strings.NewReader(`{"objectId":1,"sourceId":"a","timestamp":"yesterday"}`))
	if err != nil {
		t.Fatalf("newRowReader: %v", err)
	}
	if _, err := r.next(); !errors.Is(err, ErrInvalidRow) {
		t.Fatalf("bad timestamp: %v", err)
	}
}
