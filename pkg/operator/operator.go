// Package operator assembles and runs the CUR processing pipeline: the
// configuration change feed, the workflow orchestrator and its stages, the
// HTTP API and the Prometheus metrics endpoint.
package operator

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sts"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	curaws "github.com/ffgarciam/cloud-usage-report/pkg/aws"
	"github.com/ffgarciam/cloud-usage-report/pkg/configstore"
	"github.com/ffgarciam/cloud-usage-report/pkg/creds"
	"github.com/ffgarciam/cloud-usage-report/pkg/cur"
	"github.com/ffgarciam/cloud-usage-report/pkg/notify"
	"github.com/ffgarciam/cloud-usage-report/pkg/processor"
	"github.com/ffgarciam/cloud-usage-report/pkg/trigger"
	"github.com/ffgarciam/cloud-usage-report/pkg/workflow"
)

const (
	DefaultAPIListen     = "0.0.0.0:8080"
	DefaultMetricsListen = "0.0.0.0:8082"
	DefaultPollInterval  = 5 * time.Second
)

type Config struct {
	Hostname string

	Region            string
	ClientConfigTable string
	StreamARN         string
	PollInterval      time.Duration

	DestinationBucket string
	EncryptionKeyID   string

	TargetLambdaARN      string
	NotificationTopicARN string

	APIListen     string
	MetricsListen string

	ProcessMaxConcurrent int
	ExecutionTimeout     time.Duration
	ProcessTimeout       time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.APIListen == "" {
		cfg.APIListen = DefaultAPIListen
	}
	if cfg.MetricsListen == "" {
		cfg.MetricsListen = DefaultMetricsListen
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
}

func (cfg Config) validate() error {
	required := map[string]string{
		"region":                 cfg.Region,
		"client-config-table":    cfg.ClientConfigTable,
		"client-config-stream":   cfg.StreamARN,
		"destination-bucket":     cfg.DestinationBucket,
		"encryption-key-id":      cfg.EncryptionKeyID,
		"target-lambda-arn":      cfg.TargetLambdaARN,
		"notification-topic-arn": cfg.NotificationTopicARN,
	}
	for flag, value := range required {
		if value == "" {
			return fmt.Errorf("missing required option %s", flag)
		}
	}
	return nil
}

type Operator struct {
	logger logrus.FieldLogger
	cfg    Config
	rand   *rand.Rand

	store        *configstore.Store
	orchestrator *workflow.Orchestrator
	launcher     *trigger.Launcher

	initializedMu sync.Mutex
	initialized   bool
}

func New(logger logrus.FieldLogger, cfg Config) (*Operator, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.Region)})
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}

	store := configstore.New(logger, dynamodb.New(sess), dynamodbstreams.New(sess), cfg.ClientConfigTable)
	vendor := creds.NewSTSVendor(logger, sts.New(sess))

	stage := processor.New(logger, processor.Config{
		Region:            cfg.Region,
		DestinationBucket: cfg.DestinationBucket,
		EncryptionKeyID:   cfg.EncryptionKeyID,
		MaxConcurrent:     cfg.ProcessMaxConcurrent,
	}, curaws.NewS3Client(cfg.Region), curaws.NewS3ClientWithCredentials, processor.RowCountTransformer{})

	notifier := notify.NewFanout(logger, lambda.New(sess), sns.New(sess), notify.Config{
		TargetLambdaARN: cfg.TargetLambdaARN,
		TopicARN:        cfg.NotificationTopicARN,
	})

	orchestrator := workflow.NewOrchestrator(logger, workflow.Config{
		ExecutionTimeout: cfg.ExecutionTimeout,
		ProcessTimeout:   cfg.ProcessTimeout,
	}, vendor, stage, notifier)

	launcher := trigger.NewLauncher(logger, &orchestratorStarter{orchestrator}, trigger.Config{})

	return &Operator{
		logger:       logger.WithField("component", "operator"),
		cfg:          cfg,
		rand:         rand.New(rand.NewSource(time.Now().UnixNano())),
		store:        store,
		orchestrator: orchestrator,
		launcher:     launcher,
	}, nil
}

// Run starts the metrics and API servers and follows the configuration
// change feed until ctx is canceled or a server fails.
func (op *Operator) Run(ctx context.Context) error {
	wg := &sync.WaitGroup{}
	srvErrChan := make(chan error, 3)

	promServer := &http.Server{
		Addr:    op.cfg.MetricsListen,
		Handler: promhttp.Handler(),
	}

	apiRouter := newRouter(op.logger, op.rand, op.orchestrator, op.isInitialized)
	apiServer := &http.Server{
		Addr:    op.cfg.APIListen,
		Handler: apiRouter,
	}

	op.logger.Info("starting Prometheus metrics & HTTP API servers")
	wg.Add(2)
	go func() {
		defer wg.Done()
		op.logger.Infof("Prometheus metrics server listening on %s", op.cfg.MetricsListen)
		srvErr := promServer.ListenAndServe()
		op.logger.WithError(srvErr).Info("Prometheus metrics server exited")
		srvErrChan <- fmt.Errorf("Prometheus metrics server error: %v", srvErr)
	}()
	go func() {
		defer wg.Done()
		op.logger.Infof("HTTP API server listening on %s", op.cfg.APIListen)
		srvErr := apiServer.ListenAndServe()
		op.logger.WithError(srvErr).Info("HTTP API server exited")
		srvErrChan <- fmt.Errorf("HTTP API server error: %v", srvErr)
	}()

	feedCtx, cancelFeed := context.WithCancel(ctx)
	defer cancelFeed()

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := op.store.FollowChanges(feedCtx, op.cfg.StreamARN, op.cfg.PollInterval, op.launcher.HandleBatch)
		if err != nil && feedCtx.Err() == nil {
			srvErrChan <- fmt.Errorf("change feed error: %v", err)
		}
	}()

	op.logger.Info("basic initialization completed")
	op.setInitialized()

	var runErr error
	select {
	case <-ctx.Done():
		op.logger.Info("got stop signal, shutting down CUR processor")
	case err := <-srvErrChan:
		op.logger.WithError(err).Error("server process failed, shutting down CUR processor")
		runErr = err
	}

	cancelFeed()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	op.logger.Info("stopping HTTP servers")
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		op.logger.WithError(err).Warn("got an error shutting down HTTP API server")
	}
	if err := promServer.Shutdown(shutdownCtx); err != nil {
		op.logger.WithError(err).Warn("got an error shutting down Prometheus metrics server")
	}

	op.logger.Info("waiting for in-flight executions to finish")
	op.orchestrator.Shutdown()

	wg.Wait()
	op.logger.Info("CUR processor has stopped")
	return runErr
}

func (op *Operator) setInitialized() {
	op.initializedMu.Lock()
	op.initialized = true
	op.initializedMu.Unlock()
}

func (op *Operator) isInitialized() bool {
	op.initializedMu.Lock()
	defer op.initializedMu.Unlock()
	return op.initialized
}

// orchestratorStarter adapts the orchestrator to the launcher's narrower
// starter interface.
type orchestratorStarter struct {
	orchestrator *workflow.Orchestrator
}

func (s *orchestratorStarter) StartExecution(name string, input cur.ClientConfig) (string, error) {
	exec, err := s.orchestrator.StartExecution(name, input)
	if err != nil {
		return "", err
	}
	return exec.Name(), nil
}
