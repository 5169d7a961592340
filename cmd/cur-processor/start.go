package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ffgarciam/cloud-usage-report/pkg/operator"
)

var (
	defaultRegion       = "us-east-1"
	defaultPollInterval = operator.DefaultPollInterval

	// cfg is the config for our operator
	cfg operator.Config

	logLevelStr         string
	logFullTimestamp    bool
	logDisableTimestamp bool
)

var rootCmd = &cobra.Command{
	Use:   "cur-processor",
	Short: "",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "starts the CUR processing operator",
	Run:   startProcessor,
}

func AddCommands() {
	rootCmd.AddCommand(startCmd)
}

func init() {
	// globally set time to UTC
	time.Local = time.UTC

	startCmd.Flags().StringVar(&logLevelStr, "log-level", log.DebugLevel.String(), "log level")
	startCmd.Flags().BoolVar(&logFullTimestamp, "log-timestamp", true, "log full timestamp if true, otherwise log time since startup")
	startCmd.Flags().BoolVar(&logDisableTimestamp, "disable-timestamp", false, "disable timestamp logging")

	startCmd.Flags().StringVar(&cfg.Region, "region", defaultRegion, "the AWS region the processor and its destination bucket live in")
	startCmd.Flags().StringVar(&cfg.ClientConfigTable, "client-config-table", "", "name of the table holding client configurations")
	startCmd.Flags().StringVar(&cfg.StreamARN, "client-config-stream", "", "ARN of the client configuration table's change stream")
	startCmd.Flags().DurationVar(&cfg.PollInterval, "poll-interval", defaultPollInterval, "controls how often the change stream is polled for new records")

	startCmd.Flags().StringVar(&cfg.DestinationBucket, "destination-bucket", "", "bucket processed reports are written to")
	startCmd.Flags().StringVar(&cfg.EncryptionKeyID, "encryption-key-id", "", "KMS key used to encrypt processed reports at rest")

	startCmd.Flags().StringVar(&cfg.TargetLambdaARN, "target-lambda-arn", "", "ARN of the function invoked with each processing result")
	startCmd.Flags().StringVar(&cfg.NotificationTopicARN, "notification-topic-arn", "", "ARN of the topic completion summaries are published to")

	startCmd.Flags().StringVar(&cfg.APIListen, "api-listen", operator.DefaultAPIListen, "listen address for the HTTP API")
	startCmd.Flags().StringVar(&cfg.MetricsListen, "metrics-listen", operator.DefaultMetricsListen, "listen address for the Prometheus metrics endpoint")

	startCmd.Flags().IntVar(&cfg.ProcessMaxConcurrent, "process-max-concurrent", 0, "maximum number of clients processed concurrently, 0 uses the default")
	startCmd.Flags().DurationVar(&cfg.ExecutionTimeout, "execution-timeout", 0, "bounds one whole workflow execution, 0 uses the default")
	startCmd.Flags().DurationVar(&cfg.ProcessTimeout, "process-timeout", 0, "bounds the data processing stage of one execution, 0 uses the default")
}

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:    logFullTimestamp,
		DisableTimestamp: logDisableTimestamp,
	})

	AddCommands()

	rootCmd.ParseFlags(os.Args[1:])

	if err := SetFlagsFromEnv(startCmd.Flags(), "CUR_PROCESSOR"); err != nil {
		log.WithError(err).Fatalf("error setting flags from environment variables: %v", err)
	}

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatalf("error executing command: %v", err)
	}
}

func startProcessor(cmd *cobra.Command, args []string) {
	logger := newLogger()

	var err error
	cfg.Hostname, err = os.Hostname()
	if err != nil {
		logger.Fatalf("unable to get hostname, err: %s", err)
	}

	signalStopCtx := setupSignals()
	runProcessor(logger, cfg, signalStopCtx)
}

func runProcessor(logger log.FieldLogger, cfg operator.Config, ctx context.Context) {
	op, err := operator.New(logger, cfg)
	if err != nil {
		logger.WithError(err).Fatal("unable to setup cur-processor")
	}
	if err = op.Run(ctx); err != nil {
		logger.WithError(err).Fatal("error occurred while the cur-processor was running")
	}
	logger.Infof("cur-processor has stopped")
}

// SetFlagsFromEnv parses all registered flags in the given flagset,
// and if they are not already set it attempts to set their values from
// environment variables. Environment variables take the name of the flag but
// are UPPERCASE, and any dashes are replaced by underscores. Environment
// variables additionally are prefixed by the given string followed by
// and underscore. For example, if prefix=PREFIX: some-flag => PREFIX_SOME_FLAG
func SetFlagsFromEnv(fs *pflag.FlagSet, prefix string) (err error) {
	alreadySet := make(map[string]bool)
	fs.Visit(func(f *pflag.Flag) {
		alreadySet[f.Name] = true
	})
	fs.VisitAll(func(f *pflag.Flag) {
		if !alreadySet[f.Name] {
			key := prefix + "_" + strings.ToUpper(strings.Replace(f.Name, "-", "_", -1))
			val := os.Getenv(key)
			if val != "" {
				if serr := fs.Set(f.Name, val); serr != nil {
					err = fmt.Errorf("invalid value %q for %s: %v", val, key, serr)
				}
			}
		}
	})
	return err
}

func setupSignals() context.Context {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := <-sigs
		log.Infof("got signal %s, performing shutdown", sig)
		cancel()
	}()
	return ctx
}

func newLogger() log.FieldLogger {
	logger := log.WithFields(log.Fields{
		"app": "cur-processor",
	})
	logLevel, err := log.ParseLevel(logLevelStr)
	if err != nil {
		logger.WithError(err).Fatalf("invalid log level: %s", logLevelStr)
	}
	logger.Infof("setting log level to %s", logLevel.String())
	logger.Logger.Level = logLevel
	return logger
}
