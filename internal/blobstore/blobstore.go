// Package blobstore holds uploaded import inputs until the import job that
// reads them has run. Inputs can be large, so reads stream.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	defaultMaxObjectSize int64 = 256 << 20
)

var (
	ErrInvalidConfig = errors.New("blobstore: invalid config")
	ErrInvalidKey    = errors.New("blobstore: invalid key")
	ErrNotFound      = errors.New("blobstore: not found")
	ErrTooLarge      = errors.New("blobstore: object too large")
)

type Store interface {
	// Put stores body under key, replacing any previous object.
	Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (Info, error)
	// Open streams an object. Reading past the size limit fails with
	// ErrTooLarge.
	Open(ctx context.Context, key string) (io.ReadCloser, Info, error)
	Stat(ctx context.Context, key string) (Info, error)
	// Delete removes an object. Missing objects are not an error.
	Delete(ctx context.Context, key string) error
}

type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

type Info struct {
	Key          string
	Size         int64
	ContentType  string
	Metadata     map[string]string
	ETag         string
	LastModified time.Time
}

type Config struct {
	Driver string
	Prefix string

	// MaxObjectSize bounds Put and Open. Defaults to 256 MiB when <= 0.
	MaxObjectSize int64

	// S3 fields.
	Bucket   string
	S3Client S3Client
}

func New(cfg Config) (Store, error) {
	maxSize := cfg.MaxObjectSize
	if maxSize <= 0 {
		maxSize = defaultMaxObjectSize
	}
	switch normalizeDriver(cfg.Driver) {
	case DriverMemory:
		return newMemoryStore(cfg.Prefix, maxSize), nil
	case DriverS3:
		return newS3Store(cfg, maxSize)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// InputKey is where the input of import job id, owned by userID, is kept.
func InputKey(userID int64, id uuid.UUID, name string) string {
	name = strings.Trim(strings.TrimSpace(name), "/")
	if name == "" {
		name = "input"
	}
	return "imports/" + strconv.FormatInt(userID, 10) + "/" + id.String() + "/" + name
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverS3
	}
	return v
}

func normalizeLogicalKey(key string) (string, error) {
	if key != strings.TrimSpace(key) {
		return "", fmt.Errorf("%w: key has leading or trailing whitespace", ErrInvalidKey)
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: key contains control characters", ErrInvalidKey)
		}
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: key contains a parent segment", ErrInvalidKey)
		}
	}
	return key, nil
}

func joinPrefix(prefix, key string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

func cloneMetadata(v map[string]string) map[string]string {
	if len(v) == 0 {
		return nil
	}
	out := make(map[string]string, len(v))
	for k, val := range v {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(val)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// readAllLimited reads body fully, failing once more than max bytes arrive.
func readAllLimited(body io.Reader, max int64, key string) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(body, max+1))
	if err != nil {
		return nil, fmt.Errorf("blobstore: read %q: %w", key, err)
	}
	if n > max {
		return nil, fmt.Errorf("%w: key %q exceeds max %d bytes", ErrTooLarge, key, max)
	}
	return buf.Bytes(), nil
}

// limitedReadCloser fails with ErrTooLarge instead of silently truncating.
type limitedReadCloser struct {
	rc   io.ReadCloser
	left int64
	key  string
	max  int64
}

func newLimitedReadCloser(rc io.ReadCloser, max int64, key string) io.ReadCloser {
	return &limitedReadCloser{rc: rc, left: max, key: key, max: max}
}

func (l *limitedReadCloser) Read(p []byte) (int, error) {
	if l.left < 0 {
		return 0, fmt.Errorf("%w: key %q exceeds max %d bytes", ErrTooLarge, l.key, l.max)
	}
	// Allow one byte past the limit so an oversize body is detected rather
	// than ending cleanly at the limit.
	if int64(len(p)) > l.left+1 {
		p = p[:l.left+1]
	}
	n, err := l.rc.Read(p)
	l.left -= int64(n)
	if l.left < 0 {
		return n + int(l.left), fmt.Errorf("%w: key %q exceeds max %d bytes", ErrTooLarge, l.key, l.max)
	}
	return n, err
}

func (l *limitedReadCloser) Close() error {
	return l.rc.Close()
}
