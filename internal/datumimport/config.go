// Package datumimport runs datum import jobs: it reads an uploaded input
// from the blob store, bulk loads the readings into raw datum storage and
// reports progress on the job as it goes. It also turns queued import
// requests into jobs.
package datumimport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/voltstream/telemetry-core/internal/bulkload"
)

// Kind is the job kind import jobs are submitted under.
const Kind = "datum-import"

const (
	FormatCSV   = "csv"
	FormatJSONL = "jsonl"

	defaultBatchSize = 100
)

var ErrInvalidConfig = errors.New("datumimport: invalid config")

// Config is the job configuration of one import.
type Config struct {
	Mode bulkload.Mode `json:"mode"`
	// BatchSize is the commit interval in batch mode, the checkpoint
	// interval in checkpoint mode and the progress interval in every mode.
	BatchSize int    `json:"batchSize"`
	InputKey  string `json:"inputKey"`
	Format    string `json:"format"`
}

// Normalize applies defaults and validates.
func (c Config) Normalize() (Config, error) {
	if c.Mode == 0 {
		c.Mode = bulkload.SingleTransaction
	}
	if !c.Mode.Valid() {
		return Config{}, fmt.Errorf("%w: unsupported mode %d", ErrInvalidConfig, int(c.Mode))
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BatchSize < 0 {
		return Config{}, fmt.Errorf("%w: batch size must be > 0", ErrInvalidConfig)
	}
	c.InputKey = strings.TrimSpace(c.InputKey)
	if c.InputKey == "" {
		return Config{}, fmt.Errorf("%w: input key is required", ErrInvalidConfig)
	}
	c.Format = strings.ToLower(strings.TrimSpace(c.Format))
	switch c.Format {
	case "":
		c.Format = FormatCSV
	case FormatCSV, FormatJSONL:
	default:
		return Config{}, fmt.Errorf("%w: unsupported format %q", ErrInvalidConfig, c.Format)
	}
	return c, nil
}

// ParseConfig decodes and normalizes a job's stored configuration.
func ParseConfig(raw json.RawMessage) (Config, error) {
	var c Config
	if len(raw) == 0 {
		return Config{}, fmt.Errorf("%w: missing job config", ErrInvalidConfig)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return Config{}, fmt.Errorf("%w: decode job config: %v", ErrInvalidConfig, err)
	}
	return c.Normalize()
}
