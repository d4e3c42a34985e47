package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig configures the Kafka backend.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	Readers int
}

// KafkaBackend publishes tasks to a topic and consumes them through a
// consumer group. Offsets are committed only after the task was handled.
type KafkaBackend struct {
	cfg    KafkaConfig
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaBackend creates the writer; readers are created by Consume.
func NewKafkaBackend(cfg KafkaConfig, logger *zap.Logger) *KafkaBackend {
	if cfg.Readers < 1 {
		cfg.Readers = 1
	}
	return &KafkaBackend{
		cfg: cfg,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			BatchSize:              1,
			BatchTimeout:           5 * time.Millisecond,
			WriteTimeout:           5 * time.Second,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		logger: logger.Named("kafka"),
	}
}

// Publish writes the task keyed by project, so one project's tasks share a
// partition.
func (b *KafkaBackend) Publish(ctx context.Context, task Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(err, "encoding task")
	}
	err = b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(task.Tenant.ProjectID), 10)),
		Value: body,
		Time:  task.EnqueuedAt,
	})
	if err != nil {
		return errors.Wrapf(ErrBackendUnavailable, "kafka publish: %v", err)
	}
	return nil
}

func (b *KafkaBackend) Consume(ctx context.Context, deliver func(context.Context, Task) error) error {
	var wg sync.WaitGroup
	for i := 0; i < b.cfg.Readers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			b.consume(ctx, id, deliver)
		}(i)
	}
	wg.Wait()
	return nil
}

func (b *KafkaBackend) consume(ctx context.Context, id int, deliver func(context.Context, Task) error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        b.cfg.Brokers,
		Topic:          b.cfg.Topic,
		GroupID:        b.cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
	})
	defer reader.Close()

	logger := b.logger.With(zap.Int("reader", id))
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var task Task
		if err := json.Unmarshal(msg.Value, &task); err != nil {
			logger.Error("dropping undecodable task",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		} else if err := deliver(ctx, task); err != nil {
			// Not committed; the group redelivers after rebalance or restart.
			logger.Warn("task not acknowledged", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}

		if err := reader.CommitMessages(context.Background(), msg); err != nil {
			logger.Warn("commit failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (b *KafkaBackend) Close() error {
	return b.writer.Close()
}
