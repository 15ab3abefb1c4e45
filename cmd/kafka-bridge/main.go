package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-investigator/configs"
	"github.com/enterprise/fraud-investigator/internal/queue"
)

// The bridge consumes transaction events from upstream Kafka topics and
// republishes them onto the Redis investigation stream. It does NOT score
// anything itself; the investigator workers own the scoring path.

// upstreamEvent is the envelope produced by the transaction services. Only
// case_id and the raw transaction payload matter here; everything else is
// passed through untouched.
type upstreamEvent struct {
	CaseID      string          `json:"case_id"`
	EventType   string          `json:"event_type"`
	Transaction json.RawMessage `json:"transaction"`
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("ENVIRONMENT") == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Info().Msg("Starting Kafka bridge")

	cfg := configs.Load()

	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers == "" {
		kafkaBrokers = "localhost:9092"
	}
	brokers := strings.Split(kafkaBrokers, ",")

	kafkaGroupID := os.Getenv("KAFKA_GROUP_ID")
	if kafkaGroupID == "" {
		kafkaGroupID = "fraud-investigation-bridge"
	}

	kafkaTopics := os.Getenv("KAFKA_TOPICS")
	if kafkaTopics == "" {
		kafkaTopics = "transactions.events"
	}
	topics := strings.Split(kafkaTopics, ",")

	streamClient, err := queue.NewRedisStreamClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Stream")
	}
	defer streamClient.Close()

	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true
	config.Version = sarama.V3_0_0_0

	// Kafka may come up after us; retry before giving up
	var consumerGroup sarama.ConsumerGroup
	for i := 0; i < 30; i++ {
		consumerGroup, err = sarama.NewConsumerGroup(brokers, kafkaGroupID, config)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("Failed to connect to Kafka, retrying...")
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka consumer group after retries")
	}
	defer consumerGroup.Close()

	handler := &bridgeHandler{stream: streamClient}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go handler.reportThroughput(ctx)

	log.Info().
		Strs("brokers", brokers).
		Strs("topics", topics).
		Str("group_id", kafkaGroupID).
		Str("stream", cfg.Redis.StreamName).
		Msg("Kafka bridge started")

	for {
		if err := consumerGroup.Consume(ctx, topics, handler); err != nil {
			log.Error().Err(err).Msg("Error from consumer")
		}
		if ctx.Err() != nil {
			log.Info().Msg("Kafka bridge stopped")
			return
		}
	}
}

type bridgeHandler struct {
	stream  *queue.RedisStreamClient
	bridged atomic.Int64
	dropped atomic.Int64
}

func (h *bridgeHandler) Setup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Bridge session started")
	return nil
}

func (h *bridgeHandler) Cleanup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Bridge session ended")
	return nil
}

func (h *bridgeHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.bridgeMessage(session.Context(), message)
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *bridgeHandler) bridgeMessage(ctx context.Context, message *sarama.ConsumerMessage) {
	var event upstreamEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		h.dropped.Add(1)
		log.Error().Err(err).Str("topic", message.Topic).Int64("offset", message.Offset).
			Msg("Unparseable upstream event, dropping")
		return
	}
	if len(event.Transaction) == 0 {
		h.dropped.Add(1)
		log.Warn().Str("topic", message.Topic).Int64("offset", message.Offset).
			Msg("Upstream event without transaction payload, dropping")
		return
	}

	caseID := event.CaseID
	if caseID == "" {
		if key := string(message.Key); key != "" {
			caseID = key
		} else {
			caseID = uuid.New().String()
		}
	}

	if _, err := h.stream.Publish(ctx, caseID, string(event.Transaction)); err != nil {
		h.dropped.Add(1)
		log.Error().Err(err).Str("caseId", caseID).Msg("Failed to publish to investigation stream")
		return
	}
	h.bridged.Add(1)
}

func (h *bridgeHandler) reportThroughput(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	var lastBridged int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bridged := h.bridged.Load()
			log.Info().
				Int64("bridged_total", bridged).
				Int64("dropped_total", h.dropped.Load()).
				Float64("events_per_second", float64(bridged-lastBridged)/30).
				Msg("Bridge throughput")
			lastBridged = bridged
		}
	}
}
