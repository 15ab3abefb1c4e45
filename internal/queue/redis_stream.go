package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-investigator/configs"
)

// StreamMessage is one investigation-queue entry. EventData is the raw
// transaction JSON; decoding (and malformed-event handling) belongs to the
// worker.
type StreamMessage struct {
	ID        string
	CaseID    string
	EventData string
}

// StreamInfo contains stream statistics for the ops endpoint.
type StreamInfo struct {
	Length       int64
	PendingCount int64
	Groups       int
}

// RedisStreamClient handles the investigation queue: a Redis stream consumed
// through a consumer group, with a dead-letter stream for poisoned entries.
type RedisStreamClient struct {
	client           *redis.Client
	streamName       string
	consumerGroup    string
	deadLetterStream string
	maxRetries       int
}

// NewRedisStreamClient connects to Redis and ensures the consumer group
// exists.
func NewRedisStreamClient(cfg configs.RedisConfig) (*RedisStreamClient, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	rsc := &RedisStreamClient{
		client:           client,
		streamName:       cfg.StreamName,
		consumerGroup:    cfg.ConsumerGroup,
		deadLetterStream: cfg.DeadLetterStream,
		maxRetries:       cfg.MaxRetries,
	}

	if err := rsc.createConsumerGroup(ctx); err != nil {
		log.Warn().Err(err).Msg("Consumer group may already exist")
	}

	log.Info().Str("stream", cfg.StreamName).Str("group", cfg.ConsumerGroup).
		Msg("Redis Stream client initialized")
	return rsc, nil
}

func (r *RedisStreamClient) createConsumerGroup(ctx context.Context) error {
	// MKSTREAM creates the stream if it doesn't exist
	err := r.client.XGroupCreateMkStream(ctx, r.streamName, r.consumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return err
	}
	return nil
}

// Publish adds a transaction event to the investigation queue. Used by the
// Kafka bridge; a missing case id gets a fresh one.
func (r *RedisStreamClient) Publish(ctx context.Context, caseID, eventData string) (string, error) {
	if caseID == "" {
		caseID = uuid.NewString()
	}

	msgID, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.streamName,
		Values: map[string]interface{}{
			"case_id":    caseID,
			"event_data": eventData,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish event: %w", err)
	}

	log.Debug().Str("message_id", msgID).Str("case_id", caseID).Msg("Event published to stream")
	return msgID, nil
}

// Consume reads entries for this consumer, claiming abandoned pending
// entries first so at-least-once delivery survives worker crashes.
func (r *RedisStreamClient) Consume(ctx context.Context, consumerName string, count int64, blockDuration time.Duration) ([]StreamMessage, error) {
	pendingMessages, err := r.claimPendingMessages(ctx, consumerName, count)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to claim pending messages")
	}
	if len(pendingMessages) > 0 {
		return pendingMessages, nil
	}

	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.consumerGroup,
		Consumer: consumerName,
		Streams:  []string{r.streamName, ">"},
		Count:    count,
		Block:    blockDuration,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // no messages available
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var messages []StreamMessage
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			messages = append(messages, parseMessage(msg))
		}
	}
	return messages, nil
}

// claimPendingMessages takes over entries another consumer left pending for
// more than 30 seconds. Entries already redelivered more than maxRetries
// times are treated as poisoned: parked on the dead-letter stream and acked
// instead of being retried again.
func (r *RedisStreamClient) claimPendingMessages(ctx context.Context, consumerName string, count int64) ([]StreamMessage, error) {
	minIdleTime := 30 * time.Second

	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: r.streamName,
		Group:  r.consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	var messageIDs []string
	retries := make(map[string]int64, len(pending))
	for _, p := range pending {
		if p.Idle >= minIdleTime {
			messageIDs = append(messageIDs, p.ID)
			retries[p.ID] = p.RetryCount
		}
	}
	if len(messageIDs) == 0 {
		return nil, nil
	}

	claimed, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   r.streamName,
		Group:    r.consumerGroup,
		Consumer: consumerName,
		MinIdle:  minIdleTime,
		Messages: messageIDs,
	}).Result()
	if err != nil {
		return nil, err
	}

	var messages []StreamMessage
	for _, msg := range claimed {
		m := parseMessage(msg)
		if retries[msg.ID] > int64(r.maxRetries) {
			cause := fmt.Errorf("exceeded %d delivery attempts", r.maxRetries)
			if err := r.SendToDeadLetter(ctx, m, cause); err != nil {
				log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to dead-letter poisoned message")
			}
			if err := r.Acknowledge(ctx, msg.ID); err != nil {
				log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to ack poisoned message")
			}
			continue
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// parseMessage lifts the stream fields out without decoding the transaction
// JSON. Entries missing event_data surface with an empty EventData so the
// worker can log them as malformed and still ack.
func parseMessage(msg redis.XMessage) StreamMessage {
	m := StreamMessage{ID: msg.ID}
	if caseID, ok := msg.Values["case_id"].(string); ok {
		m.CaseID = caseID
	}
	if data, ok := msg.Values["event_data"].(string); ok {
		m.EventData = data
	}
	return m
}

// Acknowledge marks an entry as processed.
func (r *RedisStreamClient) Acknowledge(ctx context.Context, messageID string) error {
	if _, err := r.client.XAck(ctx, r.streamName, r.consumerGroup, messageID).Result(); err != nil {
		return fmt.Errorf("failed to acknowledge message: %w", err)
	}
	log.Debug().Str("message_id", messageID).Msg("Message acknowledged")
	return nil
}

// SendToDeadLetter parks a poisoned entry on the dead-letter stream along
// with the failure reason.
func (r *RedisStreamClient) SendToDeadLetter(ctx context.Context, msg StreamMessage, cause error) error {
	_, dlqErr := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.deadLetterStream,
		Values: map[string]interface{}{
			"case_id":    msg.CaseID,
			"event_data": msg.EventData,
			"error":      cause.Error(),
		},
	}).Result()
	if dlqErr != nil {
		return fmt.Errorf("failed to send to dead letter: %w", dlqErr)
	}

	log.Warn().Str("case_id", msg.CaseID).Err(cause).Msg("Message sent to dead letter queue")
	return nil
}

// GetStreamInfo returns stream statistics.
func (r *RedisStreamClient) GetStreamInfo(ctx context.Context) (*StreamInfo, error) {
	info, err := r.client.XInfoStream(ctx, r.streamName).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get stream info: %w", err)
	}

	groups, err := r.client.XInfoGroups(ctx, r.streamName).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get groups info: %w", err)
	}

	var pendingCount int64
	for _, g := range groups {
		if g.Name == r.consumerGroup {
			pendingCount = g.Pending
			break
		}
	}

	return &StreamInfo{
		Length:       info.Length,
		PendingCount: pendingCount,
		Groups:       len(groups),
	}, nil
}

// HealthCheck pings Redis.
func (r *RedisStreamClient) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (r *RedisStreamClient) Close() error {
	return r.client.Close()
}
