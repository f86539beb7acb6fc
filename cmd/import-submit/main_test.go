package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/voltstream/telemetry-core/internal/blobstore"
	"github.com/voltstream/telemetry-core/internal/bulkload"
	"github.com/voltstream/telemetry-core/internal/datumimport"
)

const sampleCSV = "objectId,sourceId,timestamp,watts\n7,meter/main,2026-07-14T09:05:00Z,10\n"

func memoryBlobs(t *testing.T) (blobstore.Store, blobFactory) {
	t.Helper()
	store, err := blobstore.New(blobstore.Config{Driver: blobstore.DriverMemory})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	return store, func(context.Context, blobstore.Config) (blobstore.Store, error) { return store, nil }
}

func TestRunMain_UploadsAndPublishes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "readings.csv")
	if err := os.WriteFile(path, []byte(sampleCSV), 0o600); err != nil {
		t.Fatalf("write input: %v", err)
	}
	store, factory := memoryBlobs(t)

	var out bytes.Buffer
	err := runMain(context.Background(), []string{
		"--user-id", "7",
		"--id", "6f1c7a8e-3d7b-4e0c-9d37-2a7f6c1e9b10",
		"--input", path,
		"--mode", "checkpoint",
		"--batch-size", "50",
		"--queue-driver", "stdio",
		"--topic", "datum.import.v1",
	}, nil, &out, factory)
	if err != nil {
		t.Fatalf("runMain: %v", err)
	}

	req, err := datumimport.DecodeRequest(bytes.TrimSpace(out.Bytes()))
	if err != nil {
		t.Fatalf("DecodeRequest(%q): %v", out.String(), err)
	}
	wantKey := "imports/7/6f1c7a8e-3d7b-4e0c-9d37-2a7f6c1e9b10/readings.csv"
	if req.UserID != 7 || req.Config.InputKey != wantKey || req.Config.Mode != bulkload.TransactionCheckpoints ||
		req.Config.BatchSize != 50 || req.Config.Format != datumimport.FormatCSV {
		t.Fatalf("unexpected request: %+v", req)
	}

	rc, info, err := store.Open(context.Background(), wantKey)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != sampleCSV || info.ContentType != "text/csv" {
		t.Fatalf("stored input: %q content-type=%q", body, info.ContentType)
	}
}

func TestRunMain_StdinJSONL(t *testing.T) {
	t.Parallel()

	_, factory := memoryBlobs(t)
	var out bytes.Buffer
	err := runMain(context.Background(), []string{
		"--user-id", "3",
		"--format", "jsonl",
		"--queue-driver", "stdio",
		"--topic", "datum.import.v1",
	}, strings.NewReader(`{"objectId":1,"sourceId":"a","timestamp":0,"samples":{"w":1}}`+"\n"), &out, factory)
	if err != nil {
		t.Fatalf("runMain: %v", err)
	}
	var req datumimport.Request
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &req); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if req.Config.Format != datumimport.FormatJSONL || !strings.HasSuffix(req.Config.InputKey, "/input") {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestRunMain_Errors(t *testing.T) {
	t.Parallel()

	_, factory := memoryBlobs(t)
	cases := []struct {
		args  []string
		stdin string
		want  string
	}{
		{args: []string{"--topic", "t"}, want: "--user-id"},
		{args: []string{"--user-id", "1"}, want: "--topic"},
		{args: []string{"--user-id", "1", "--topic", "t", "--id", "nope"}, want: "--id"},
		{args: []string{"--user-id", "1", "--topic", "t", "--mode", "fast"}, want: "--mode"},
		{args: []string{"--user-id", "1", "--topic", "t", "--queue-driver", "stdio"}, stdin: "", want: "empty"},
		{args: []string{"--user-id", "1", "--topic", "t", "--queue-driver", "stdio", "--format", "xml"}, stdin: sampleCSV, want: "format"},
	}
	for _, tc := range cases {
		var out bytes.Buffer
		err := runMain(context.Background(), tc.args, strings.NewReader(tc.stdin), &out, factory)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("runMain(%v): expected error containing %q, got %v", tc.args, tc.want, err)
		}
		if out.Len() != 0 {
			t.Fatalf("runMain(%v): nothing may be published on error, got %q", tc.args, out.String())
		}
	}
}

func TestInputFormat(t *testing.T) {
	t.Parallel()

	if got := inputFormat("", "readings.NDJSON"); got != datumimport.FormatJSONL {
		t.Fatalf("ndjson: %q", got)
	}
	if got := inputFormat("", "readings.txt"); got != datumimport.FormatCSV {
		t.Fatalf("default: %q", got)
	}
	if got := inputFormat(" JSONL ", "readings.csv"); got != datumimport.FormatJSONL {
		t.Fatalf("flag override: %q", got)
	}
}
