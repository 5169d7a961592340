// Package configstore reads client configurations from the durable key-value
// store and tails its change feed. The store is read-only to the pipeline;
// records are written by the operator onboarding workflow.
package configstore

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams/dynamodbstreamsiface"
	"github.com/sirupsen/logrus"

	"github.com/ffgarciam/cloud-usage-report/pkg/cur"
	"github.com/ffgarciam/cloud-usage-report/pkg/trigger"
)

const (
	// clientIDAttribute is the table's partition key.
	clientIDAttribute = "clientId"

	// maxRecordsPerPoll bounds one GetRecords call.
	maxRecordsPerPoll = 100
)

// BatchHandler receives one ordered batch of change records.
type BatchHandler func(ctx context.Context, records []trigger.ChangeRecord) error

type Store struct {
	logger     logrus.FieldLogger
	dynamoAPI  dynamodbiface.DynamoDBAPI
	streamsAPI dynamodbstreamsiface.DynamoDBStreamsAPI
	tableName  string
}

func New(logger logrus.FieldLogger, dynamoAPI dynamodbiface.DynamoDBAPI, streamsAPI dynamodbstreamsiface.DynamoDBStreamsAPI, tableName string) *Store {
	return &Store{
		logger:     logger.WithField("component", "configStore"),
		dynamoAPI:  dynamoAPI,
		streamsAPI: streamsAPI,
		tableName:  tableName,
	}
}

// GetClientConfig reads one client's configuration record.
func (s *Store) GetClientConfig(ctx context.Context, clientID string) (*cur.ClientConfig, error) {
	out, err := s.dynamoAPI.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]*dynamodb.AttributeValue{
			clientIDAttribute: {S: aws.String(clientID)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting config for client '%s': %w", clientID, err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("no configuration found for client '%s'", clientID)
	}

	var cfg cur.ClientConfig
	if err := dynamodbattribute.UnmarshalMap(out.Item, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config for client '%s': %w", clientID, err)
	}
	return &cfg, nil
}

// FollowChanges tails the table's change stream until ctx is done, handing
// each non-empty batch of records to handler in shard order. Handler
// failures are logged and the feed moves on; redelivery on restart gives
// at-least-once semantics, the launcher's sequence-derived execution names
// keep redeliveries from double-triggering.
func (s *Store) FollowChanges(ctx context.Context, streamArn string, pollInterval time.Duration, handler BatchHandler) error {
	logger := s.logger.WithField("streamArn", streamArn)
	logger.Info("following configuration change feed")

	iterators := map[string]*string{}
	for {
		if err := s.refreshShardIterators(ctx, streamArn, iterators); err != nil {
			logger.WithError(err).Error("failed refreshing shard iterators")
		}

		for shardID, iterator := range iterators {
			if iterator == nil {
				delete(iterators, shardID)
				continue
			}
			out, err := s.streamsAPI.GetRecordsWithContext(ctx, &dynamodbstreams.GetRecordsInput{
				ShardIterator: iterator,
				Limit:         aws.Int64(maxRecordsPerPoll),
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.WithError(err).Errorf("failed reading records from shard %s", shardID)
				continue
			}
			iterators[shardID] = out.NextShardIterator

			if batch := convertRecords(out.Records); len(batch) > 0 {
				if err := handler(ctx, batch); err != nil {
					logger.WithError(err).Errorf("change batch of %d records failed", len(batch))
				}
			}
		}

		select {
		case <-ctx.Done():
			logger.Info("stopping change feed")
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// refreshShardIterators discovers new shards and opens them at LATEST.
func (s *Store) refreshShardIterators(ctx context.Context, streamArn string, iterators map[string]*string) error {
	desc, err := s.streamsAPI.DescribeStreamWithContext(ctx, &dynamodbstreams.DescribeStreamInput{
		StreamArn: aws.String(streamArn),
	})
	if err != nil {
		return fmt.Errorf("describing stream: %w", err)
	}
	if desc.StreamDescription == nil {
		return fmt.Errorf("stream '%s' has no description", streamArn)
	}

	for _, shard := range desc.StreamDescription.Shards {
		shardID := aws.StringValue(shard.ShardId)
		if _, ok := iterators[shardID]; ok {
			continue
		}
		out, err := s.streamsAPI.GetShardIteratorWithContext(ctx, &dynamodbstreams.GetShardIteratorInput{
			StreamArn:         aws.String(streamArn),
			ShardId:           shard.ShardId,
			ShardIteratorType: aws.String(dynamodbstreams.ShardIteratorTypeLatest),
		})
		if err != nil {
			return fmt.Errorf("opening iterator for shard %s: %w", shardID, err)
		}
		iterators[shardID] = out.ShardIterator
	}
	return nil
}

func convertRecords(records []*dynamodbstreams.Record) []trigger.ChangeRecord {
	var batch []trigger.ChangeRecord
	for _, record := range records {
		change := trigger.ChangeRecord{
			EventName: aws.StringValue(record.EventName),
		}
		if record.Dynamodb != nil {
			change.SequenceNumber = aws.StringValue(record.Dynamodb.SequenceNumber)
			change.NewImage = record.Dynamodb.NewImage
		}
		batch = append(batch, change)
	}
	return batch
}
