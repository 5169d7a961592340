// Package notify delivers a processing result to downstream consumers over
// two independent channels: an asynchronous invocation of a downstream
// compute target, and a human-readable publish to a notification topic.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ffgarciam/cloud-usage-report/pkg/cur"
)

const (
	// envelopeSource identifies this pipeline in the invocation envelope.
	envelopeSource = "cur-processor"

	// subjectPrefix prefixes the published message subject.
	subjectPrefix = "CUR Processing Complete"
)

type Config struct {
	TargetLambdaARN string
	TopicARN        string
}

// Fanout delivers one ProcessingResult on both channels concurrently. Both
// branches must succeed for the fan-out to succeed; a failing branch never
// cancels the other.
type Fanout struct {
	logger    logrus.FieldLogger
	lambdaAPI lambdaiface.LambdaAPI
	snsAPI    snsiface.SNSAPI
	cfg       Config
}

func NewFanout(logger logrus.FieldLogger, lambdaAPI lambdaiface.LambdaAPI, snsAPI snsiface.SNSAPI, cfg Config) *Fanout {
	return &Fanout{
		logger:    logger.WithField("component", "notificationFanout"),
		lambdaAPI: lambdaAPI,
		snsAPI:    snsAPI,
		cfg:       cfg,
	}
}

// invokeEnvelope is the JSON payload handed to the downstream compute target.
type invokeEnvelope struct {
	Source   string                `json:"source"`
	ClientID string                `json:"clientId"`
	Data     *cur.ProcessingResult `json:"data"`
}

// Notify runs both delivery branches concurrently and waits for both. The
// plain errgroup carries no cancellation, so one branch failing leaves the
// other running to completion.
func (f *Fanout) Notify(ctx context.Context, result *cur.ProcessingResult) error {
	logger := f.logger.WithField("clientId", result.ClientID)
	logger.Info("sending notifications")

	var g errgroup.Group
	g.Go(func() error {
		return f.invokeTarget(ctx, logger, result)
	})
	g.Go(func() error {
		return f.publishSummary(ctx, logger, result)
	})
	return g.Wait()
}

// invokeTarget forwards the full result payload to the downstream target as
// an asynchronous (Event) invocation: the branch succeeds once the invocation
// is accepted, not once the target finishes.
func (f *Fanout) invokeTarget(ctx context.Context, logger logrus.FieldLogger, result *cur.ProcessingResult) error {
	payload, err := json.Marshal(invokeEnvelope{
		Source:   envelopeSource,
		ClientID: result.ClientID,
		Data:     result,
	})
	if err != nil {
		return fmt.Errorf("marshaling invocation payload: %w", err)
	}

	_, err = f.lambdaAPI.InvokeWithContext(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(f.cfg.TargetLambdaARN),
		InvocationType: aws.String(lambda.InvocationTypeEvent),
		Payload:        payload,
	})
	if err != nil {
		logger.WithError(err).Error("failed invoking downstream target")
		return fmt.Errorf("invoking downstream target: %w", err)
	}
	logger.Info("successfully invoked downstream target")
	return nil
}

// publishSummary publishes the human-readable summary with structured
// attributes for subscriber filtering.
func (f *Fanout) publishSummary(ctx context.Context, logger logrus.FieldLogger, result *cur.ProcessingResult) error {
	_, err := f.snsAPI.PublishWithContext(ctx, &sns.PublishInput{
		TopicArn: aws.String(f.cfg.TopicARN),
		Subject:  aws.String(Subject(result)),
		Message:  aws.String(FormatSummary(result)),
		MessageAttributes: map[string]*sns.MessageAttributeValue{
			"clientId": {
				DataType:    aws.String("String"),
				StringValue: aws.String(result.ClientID),
			},
			"processingStatus": {
				DataType:    aws.String("String"),
				StringValue: aws.String("SUCCESS"),
			},
		},
	})
	if err != nil {
		logger.WithError(err).Error("failed publishing notification")
		return fmt.Errorf("publishing notification: %w", err)
	}
	logger.Info("successfully published notification")
	return nil
}

// Subject renders the published message subject.
func Subject(result *cur.ProcessingResult) string {
	return subjectPrefix + " - " + result.ClientID
}

// FormatSummary renders the human-readable message body: client id, file
// count, grouped record count, processing duration in seconds, destination
// path and the enumerated file list in processing order.
func FormatSummary(result *cur.ProcessingResult) string {
	var files strings.Builder
	for i, file := range result.ProcessedFiles {
		if i > 0 {
			files.WriteByte('\n')
		}
		files.WriteString("- ")
		files.WriteString(file)
	}

	return fmt.Sprintf(`CUR Processing Completed

Client ID: %s
Files Processed: %d
Total Records: %s
Processing Time: %.2f seconds
Destination: %s

Processed Files:
%s`,
		result.ClientID,
		len(result.ProcessedFiles),
		groupDigits(result.TotalRecords),
		float64(result.ProcessingTime)/1000.0,
		result.DestinationPath,
		files.String(),
	)
}

// groupDigits formats n with comma thousands separators.
func groupDigits(n int64) string {
	s := fmt.Sprintf("%d", n)
	if n < 0 {
		return "-" + groupDigits(-n)
	}
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
