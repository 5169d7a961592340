// Package trigger launches workflow executions from the client configuration
// change feed. Only insertions trigger processing; malformed records are
// skipped without aborting their batch, and batches failing to start an
// execution are bisected and retried to isolate poison records.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/ffgarciam/cloud-usage-report/pkg/cur"
	"github.com/ffgarciam/cloud-usage-report/pkg/workflow"
)

// Change feed event names.
const (
	EventInsert = "INSERT"
	EventModify = "MODIFY"
	EventRemove = "REMOVE"

	// DefaultNamePrefix prefixes every execution name this launcher starts.
	DefaultNamePrefix = "cur-processing"

	// DefaultMaxBatchAttempts bounds how deep a failing batch is bisected
	// and retried before the failure is surfaced to the feed.
	DefaultMaxBatchAttempts = 3
)

var (
	recordsSkippedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cur_processor_trigger_records_skipped_total",
		Help: "Total number of malformed change records skipped.",
	})
	executionsLaunchedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cur_processor_trigger_executions_launched_total",
		Help: "Total number of executions launched from the change feed.",
	})
)

func init() {
	prometheus.MustRegister(recordsSkippedCounter)
	prometheus.MustRegister(executionsLaunchedCounter)
}

// ChangeRecord is one entry of the configuration store's change feed.
type ChangeRecord struct {
	EventName      string
	SequenceNumber string
	NewImage       map[string]*dynamodb.AttributeValue
}

// ExecutionStarter starts one workflow execution and returns its identifier.
type ExecutionStarter interface {
	StartExecution(name string, input cur.ClientConfig) (string, error)
}

type Config struct {
	NamePrefix       string
	MaxBatchAttempts int
}

// Launcher consumes change-feed batches and starts one execution per valid
// insertion.
type Launcher struct {
	logger  logrus.FieldLogger
	starter ExecutionStarter
	cfg     Config
	nowFn   func() time.Time
}

func NewLauncher(logger logrus.FieldLogger, starter ExecutionStarter, cfg Config) *Launcher {
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = DefaultNamePrefix
	}
	if cfg.MaxBatchAttempts <= 0 {
		cfg.MaxBatchAttempts = DefaultMaxBatchAttempts
	}
	return &Launcher{
		logger:  logger.WithField("component", "changeTrigger"),
		starter: starter,
		cfg:     cfg,
		nowFn:   time.Now,
	}
}

// HandleBatch processes one ordered batch of change records. Start failures
// bisect the batch and retry each half, isolating poison records so the
// healthy half still launches.
func (l *Launcher) HandleBatch(ctx context.Context, records []ChangeRecord) error {
	return l.handle(ctx, records, l.cfg.MaxBatchAttempts)
}

func (l *Launcher) handle(ctx context.Context, records []ChangeRecord, attemptsLeft int) error {
	if len(records) == 0 {
		return nil
	}

	err := l.processRecords(ctx, records)
	if err == nil {
		return nil
	}
	if len(records) == 1 || attemptsLeft <= 1 {
		return err
	}

	l.logger.WithError(err).Warnf("batch of %d records failed, bisecting", len(records))
	mid := len(records) / 2
	leftErr := l.handle(ctx, records[:mid], attemptsLeft-1)
	rightErr := l.handle(ctx, records[mid:], attemptsLeft-1)
	if leftErr != nil {
		return leftErr
	}
	return rightErr
}

// processRecords walks the batch in order. Insertions with malformed
// configuration are logged and skipped; a failure to start an execution
// aborts this pass and is raised to the bisecting retry.
func (l *Launcher) processRecords(ctx context.Context, records []ChangeRecord) error {
	for _, record := range records {
		if record.EventName != EventInsert {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.processInsert(record); err != nil {
			return err
		}
	}
	return nil
}

func (l *Launcher) processInsert(record ChangeRecord) error {
	cfg, err := extractClientConfig(record)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		// continue-on-error per record: a malformed insert never aborts
		// its siblings
		recordsSkippedCounter.Inc()
		l.logger.WithError(err).Errorf("skipping malformed change record (sequence %s)", record.SequenceNumber)
		return nil
	}

	name := l.executionName(cfg.ClientID, record.SequenceNumber)
	logger := l.logger.WithFields(logrus.Fields{
		"clientId":  cfg.ClientID,
		"execution": name,
	})

	executionID, err := l.starter.StartExecution(name, *cfg)
	if err != nil {
		if errors.Is(err, workflow.ErrExecutionExists) {
			// redelivery of a record we already launched for; the
			// sequence-derived name makes this collide instead of
			// double-triggering
			logger.Info("execution already started for this change record, skipping")
			return nil
		}
		return fmt.Errorf("starting execution %s: %w", name, err)
	}

	executionsLaunchedCounter.Inc()
	logger.Infof("started execution %s", executionID)
	return nil
}

// executionName derives a deterministic name from the client id and the
// change record's sequence number, so a redelivered record maps to the same
// execution. Records without a sequence number fall back to a
// high-resolution timestamp, which bounds but does not eliminate duplicate
// starts.
func (l *Launcher) executionName(clientID, sequenceNumber string) string {
	suffix := sequenceNumber
	if suffix == "" {
		suffix = strconv.FormatInt(l.nowFn().UnixNano(), 10)
	}
	return fmt.Sprintf("%s-%s-%s", l.cfg.NamePrefix, clientID, suffix)
}

func extractClientConfig(record ChangeRecord) (*cur.ClientConfig, error) {
	if record.NewImage == nil {
		return nil, errors.New("no new image found in record")
	}
	var cfg cur.ClientConfig
	if err := dynamodbattribute.UnmarshalMap(record.NewImage, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling client config: %w", err)
	}
	return &cfg, nil
}
