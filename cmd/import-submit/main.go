package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/voltstream/telemetry-core/internal/blobstore"
	"github.com/voltstream/telemetry-core/internal/bulkload"
	"github.com/voltstream/telemetry-core/internal/datumimport"
	"github.com/voltstream/telemetry-core/internal/queue"
)

func main() {
	if err := runMain(context.Background(), os.Args[1:], os.Stdin, os.Stdout, newBlobStore); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type blobFactory func(ctx context.Context, cfg blobstore.Config) (blobstore.Store, error)

func runMain(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer, newBlobs blobFactory) error {
	fs := flag.NewFlagSet("import-submit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	userID := fs.Int64("user-id", 0, "owning user id (required)")
	jobID := fs.String("id", "", "job id (defaults to a new UUID); resubmitting an id is a no-op")
	input := fs.String("input", "-", "input file path, - for stdin")
	format := fs.String("format", "", "input format: csv|jsonl (defaults from the file extension)")
	mode := fs.String("mode", "single", "transaction mode: none|single|batch|checkpoint")
	batchSize := fs.Int("batch-size", 0, "batch, checkpoint and progress interval in rows (0 uses the worker default)")
	groupKey := fs.String("group-key", "", "job group (defaults to one group per user)")

	blobDriver := fs.String("blob-driver", blobstore.DriverS3, "blobstore driver: s3|memory")
	blobBucket := fs.String("blob-bucket", "", "S3 bucket for import inputs (required for s3)")
	blobPrefix := fs.String("blob-prefix", "", "import input key prefix")

	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	topic := fs.String("topic", "", "import request topic (required)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID <= 0 {
		return errors.New("--user-id is required")
	}
	if strings.TrimSpace(*topic) == "" {
		return errors.New("--topic is required")
	}
	id := uuid.New()
	if v := strings.TrimSpace(*jobID); v != "" {
		parsed, err := uuid.Parse(v)
		if err != nil {
			return fmt.Errorf("--id: %w", err)
		}
		id = parsed
	}
	txMode, err := bulkload.ParseMode(*mode)
	if err != nil {
		return fmt.Errorf("--mode: %w", err)
	}

	name, body, err := openInput(*input, stdin)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	blobs, err := newBlobs(ctx, blobstore.Config{
		Driver: *blobDriver,
		Bucket: strings.TrimSpace(*blobBucket),
		Prefix: strings.TrimSpace(*blobPrefix),
	})
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}
	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		Writer:  stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	req := datumimport.Request{
		UserID:   *userID,
		ID:       id,
		GroupKey: strings.TrimSpace(*groupKey),
		Config: datumimport.Config{
			Mode:      txMode,
			BatchSize: *batchSize,
			Format:    inputFormat(*format, name),
		},
	}
	return submit(ctx, blobs, producer, strings.TrimSpace(*topic), req, name, body)
}

// submit uploads the input and publishes the request that points at it.
func submit(ctx context.Context, blobs blobstore.Store, producer queue.Producer, topic string, req datumimport.Request, name string, body io.Reader) error {
	req.Config.InputKey = blobstore.InputKey(req.UserID, req.ID, name)
	rec, err := req.Record()
	if err != nil {
		return err
	}

	contentType := "text/csv"
	if req.Config.Format == datumimport.FormatJSONL {
		contentType = "application/x-ndjson"
	}
	info, err := blobs.Put(ctx, req.Config.InputKey, body, blobstore.PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"user-id": strconv.FormatInt(req.UserID, 10), "job-id": req.ID.String()},
	})
	if err != nil {
		return fmt.Errorf("upload input: %w", err)
	}
	if info.Size == 0 {
		_ = blobs.Delete(ctx, req.Config.InputKey)
		return errors.New("input is empty")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := producer.Publish(ctx, topic, []byte(rec.GroupKey), payload); err != nil {
		return fmt.Errorf("publish request: %w", err)
	}
	return nil
}

func openInput(path string, stdin io.Reader) (string, io.ReadCloser, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == "-" {
		if stdin == nil {
			return "", nil, errors.New("input is required via --input or stdin")
		}
		return "input", io.NopCloser(stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", nil, fmt.Errorf("open input %q: %w", path, err)
	}
	return filepath.Base(path), f, nil
}

func inputFormat(flagValue, name string) string {
	if v := strings.ToLower(strings.TrimSpace(flagValue)); v != "" {
		return v
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jsonl", ".ndjson":
		return datumimport.FormatJSONL
	}
	return datumimport.FormatCSV
}

func newBlobStore(ctx context.Context, cfg blobstore.Config) (blobstore.Store, error) {
	if d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d == "" || d == blobstore.DriverS3 {
		if cfg.Bucket == "" {
			return nil, errors.New("--blob-bucket is required when --blob-driver=s3")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		cfg.S3Client = awss3.NewFromConfig(awsCfg)
	}
	return blobstore.New(cfg)
}
