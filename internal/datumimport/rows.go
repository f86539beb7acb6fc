package datumimport

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidRow = errors.New("datumimport: invalid row")

// row is one parsed input reading, not yet bound to a stream.
type row struct {
	// num is the 1-based data row number, excluding any header.
	num      int64
	objectID int64
	sourceID string
	ts       time.Time
	samples  map[string]float64
}

type rowReader interface {
	// next returns io.EOF after the last row.
	next() (row, error)
	// offset is how many input bytes have been consumed.
	offset() int64
}

func newRowReader(format string, r io.Reader) (rowReader, error) {
	switch format {
	case FormatCSV:
		return newCSVRows(r)
	case FormatJSONL:
		return &jsonRows{dec: json.NewDecoder(r)}, nil
	}
	return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalidConfig, format)
}

func rowErr(num int64, format string, args ...any) error {
	return fmt.Errorf("%w: row %d: %s", ErrInvalidRow, num, fmt.Sprintf(format, args...))
}

// parseTimestamp accepts RFC 3339 or epoch milliseconds.
func parseTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return ts.UTC(), nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q is neither RFC 3339 nor epoch milliseconds", v)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// csvRows reads a header row naming objectId, sourceId and timestamp; every
// other column is a sample property.
type csvRows struct {
	r        *csv.Reader
	num      int64
	objectIx int
	sourceIx int
	tsIx     int
	props    map[int]string
}

func newCSVRows(r io.Reader) (*csvRows, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidRow)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrInvalidRow, err)
	}
	cr.ReuseRecord = true

	c := &csvRows{r: cr, objectIx: -1, sourceIx: -1, tsIx: -1, props: make(map[int]string)}
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		switch strings.ToLower(name) {
		case "objectid":
			c.objectIx = i
		case "sourceid":
			c.sourceIx = i
		case "timestamp", "ts":
			c.tsIx = i
		default:
			if name == "" {
				return nil, fmt.Errorf("%w: header column %d is blank", ErrInvalidRow, i+1)
			}
			c.props[i] = name
		}
	}
	if c.objectIx < 0 || c.sourceIx < 0 || c.tsIx < 0 {
		return nil, fmt.Errorf("%w: header must name objectId, sourceId and timestamp", ErrInvalidRow)
	}
	return c, nil
}

func (c *csvRows) next() (row, error) {
	rec, err := c.r.Read()
	if errors.Is(err, io.EOF) {
		return row{}, io.EOF
	}
	c.num++
	if err != nil {
		return row{}, rowErr(c.num, "%v", err)
	}

	out := row{num: c.num, sourceID: strings.TrimSpace(rec[c.sourceIx]), samples: make(map[string]float64, len(c.props))}
	if out.objectID, err = strconv.ParseInt(strings.TrimSpace(rec[c.objectIx]), 10, 64); err != nil {
		return row{}, rowErr(c.num, "objectId %q is not an integer", rec[c.objectIx])
	}
	if out.ts, err = parseTimestamp(rec[c.tsIx]); err != nil {
		return row{}, rowErr(c.num, "%v", err)
	}
	for i, name := range c.props {
		v := strings.TrimSpace(rec[i])
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return row{}, rowErr(c.num, "%s value %q is not a number", name, v)
		}
		out.samples[name] = f
	}
	return out, nil
}

func (c *csvRows) offset() int64 {
	return c.r.InputOffset()
}

// jsonRows reads a stream of JSON objects, usually one per line.
type jsonRows struct {
	dec *json.Decoder
	num int64
}

type jsonRow struct {
	ObjectID  int64              `json:"objectId"`
	SourceID  string             `json:"sourceId"`
	Timestamp json.RawMessage    `json:"timestamp"`
	Samples   map[string]float64 `json:"samples"`
}

func (j *jsonRows) next() (row, error) {
	var in jsonRow
	err := j.dec.Decode(&in)
	if errors.Is(err, io.EOF) {
		return row{}, io.EOF
	}
	j.num++
	if err != nil {
		return row{}, rowErr(j.num, "%v", err)
	}
	ts, err := parseTimestamp(string(bytes.Trim(in.Timestamp, `"`)))
	if err != nil {
		return row{}, rowErr(j.num, "%v", err)
	}
	return row{
		num:      j.num,
		objectID: in.ObjectID,
		sourceID: strings.TrimSpace(in.SourceID),
		ts:       ts,
		samples:  in.Samples,
	}, nil
}

func (j *jsonRows) offset() int64 {
	return j.dec.InputOffset()
}
