// Package processor implements the data transformation stage: it lists a
// client's usage report objects with the execution's vended credentials,
// decompresses and parses them, applies the configured transformation,
// and uploads the recompressed output to the destination bucket under the
// pipeline's own identity.
package processor

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	curaws "github.com/ffgarciam/cloud-usage-report/pkg/aws"
	"github.com/ffgarciam/cloud-usage-report/pkg/cur"
)

const (
	// DefaultMaxConcurrent caps simultaneous transformation invocations
	// pipeline-wide. Excess invocations queue rather than fail.
	DefaultMaxConcurrent = 4

	destinationTimeFormat = "20060102T150405Z"
)

var (
	recordsProcessedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cur_processor_records_processed_total",
		Help: "Total number of usage report records parsed and transformed.",
	})
	processingDurationHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cur_processor_processing_duration_seconds",
		Help:    "Duration of usage report transformation invocations.",
		Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
	})
)

func init() {
	prometheus.MustRegister(recordsProcessedCounter)
	prometheus.MustRegister(processingDurationHistogram)
}

type Config struct {
	Region            string
	DestinationBucket string
	EncryptionKeyID   string
	MaxConcurrent     int
}

// SourceClientFunc builds an S3 client from the credentials vended to one
// execution. Injected so tests can supply a mock store.
type SourceClientFunc func(region string, creds *cur.Credentials) s3iface.S3API

type Stage struct {
	logger         logrus.FieldLogger
	cfg            Config
	destClient     *curaws.ReportClient
	sourceClientFn SourceClientFunc
	transformer    Transformer

	// semaphore bounds concurrent invocations; acquisition queues
	semaphore chan struct{}
	nowFn     func() time.Time
}

func New(logger logrus.FieldLogger, cfg Config, destS3 s3iface.S3API, sourceClientFn SourceClientFunc, transformer Transformer) *Stage {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if transformer == nil {
		transformer = RowCountTransformer{}
	}
	return &Stage{
		logger:         logger.WithField("component", "processor"),
		cfg:            cfg,
		destClient:     curaws.NewReportClient(destS3),
		sourceClientFn: sourceClientFn,
		transformer:    transformer,
		semaphore:      make(chan struct{}, cfg.MaxConcurrent),
		nowFn:          time.Now,
	}
}

// Process transforms all of one client's usage report objects. The source
// bucket is read with the vended credentials only; the destination is written
// with the pipeline's own identity and encrypted with the configured key.
// A failure on any single object aborts the invocation without committing
// partial results.
func (s *Stage) Process(ctx context.Context, cfg cur.ClientConfig, credentials *cur.Credentials) (*cur.ProcessingResult, error) {
	select {
	case s.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, cur.WrapError(cur.ErrClassTimeout, ctx.Err())
	}
	defer func() {
		<-s.semaphore
	}()

	logger := s.logger.WithField("clientId", cfg.ClientID)
	start := s.nowFn()

	sourceClient := curaws.NewReportClient(s.sourceClientFn(s.cfg.Region, credentials))
	keys, err := sourceClient.ListReportObjects(ctx, cfg.CURBucketName, cfg.CURPrefix)
	if err != nil {
		return nil, cur.WrapError(cur.ErrClassServiceException, err)
	}
	if len(keys) == 0 {
		return nil, cur.NewError(cur.ErrClassNoSourceData, "no usage report objects found in bucket '%s' with prefix '%s'", cfg.CURBucketName, cfg.CURPrefix)
	}
	logger.Infof("processing %d usage report objects from bucket %s", len(keys), cfg.CURBucketName)

	// transform everything before uploading anything, so a parse failure on
	// a later file never commits partial results
	outputs := make([][]byte, 0, len(keys))
	var totalRecords int64
	for _, key := range keys {
		data, rows, err := s.transformObject(ctx, sourceClient, cfg.CURBucketName, key)
		if err != nil {
			return nil, cur.WrapError(cur.ErrClassParseError, fmt.Errorf("processing object '%s': %v", key, err))
		}
		outputs = append(outputs, data)
		totalRecords += rows
	}

	destPrefix := cfg.ClientID + "/" + start.UTC().Format(destinationTimeFormat)
	for i, key := range keys {
		destKey := destPrefix + "/" + outputName(key)
		if err := s.destClient.PutEncryptedObject(ctx, s.cfg.DestinationBucket, destKey, s.cfg.EncryptionKeyID, outputs[i]); err != nil {
			return nil, classifyUploadError(err)
		}
	}

	elapsed := s.nowFn().Sub(start)
	recordsProcessedCounter.Add(float64(totalRecords))
	processingDurationHistogram.Observe(elapsed.Seconds())
	logger.Infof("processed %d records across %d files in %s", totalRecords, len(keys), elapsed)

	return &cur.ProcessingResult{
		ClientID:        cfg.ClientID,
		ProcessedFiles:  keys,
		TotalRecords:    totalRecords,
		ProcessingTime:  elapsed.Milliseconds(),
		DestinationPath: fmt.Sprintf("s3://%s/%s/", s.cfg.DestinationBucket, destPrefix),
	}, nil
}

// transformObject retrieves one report object, decompresses it when needed,
// parses it as CSV, applies the transformation, and returns the recompressed
// output with the number of data rows it contained.
func (s *Stage) transformObject(ctx context.Context, source *curaws.ReportClient, bucket, key string) ([]byte, int64, error) {
	body, err := source.GetReportObject(ctx, bucket, key)
	if err != nil {
		return nil, 0, err
	}
	defer body.Close()

	var reader io.Reader = body
	if strings.HasSuffix(key, ".gz") {
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, 0, fmt.Errorf("decompressing: %v", err)
		}
		defer gz.Close()
		reader = gz
	}

	records, err := csv.NewReader(reader).ReadAll()
	if err != nil {
		return nil, 0, fmt.Errorf("parsing CSV: %v", err)
	}
	if len(records) == 0 {
		return nil, 0, errors.New("report file contains no header row")
	}

	header, rows, err := s.transformer.Transform(records[0], records[1:])
	if err != nil {
		return nil, 0, fmt.Errorf("transforming: %v", err)
	}

	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	cw := csv.NewWriter(gzw)
	if err := cw.Write(header); err != nil {
		return nil, 0, err
	}
	if err := cw.WriteAll(rows); err != nil {
		return nil, 0, err
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, 0, err
	}
	if err := gzw.Close(); err != nil {
		return nil, 0, err
	}

	return buf.Bytes(), int64(len(rows)), nil
}

// outputName keeps the source file's base name; uncompressed sources gain a
// .gz extension because output is always compressed.
func outputName(key string) string {
	name := path.Base(key)
	if !strings.HasSuffix(name, ".gz") {
		name += ".gz"
	}
	return name
}

func classifyUploadError(err error) *cur.Error {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case "SlowDown", "RequestLimitExceeded", "ProvisionedThroughputExceededException":
			return cur.WrapError(cur.ErrClassQuotaExceeded, err)
		}
	}
	return cur.WrapError(cur.ErrClassUploadError, err)
}
