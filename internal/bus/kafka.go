package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/yungbote/posterforge/internal/platform/logger"
)

// kafkaBus is a Kafka/Redpanda-backed Bus. Delivery is at-least-once by design
// (spec.md §1 names exactly-once as a non-goal): no transactional producer, no
// BeginTransaction/EndTransaction dance — a plain ProduceSync per publish, and
// offsets committed only after the handler returns.
type kafkaBus struct {
	log     *logger.Logger
	client  *kgo.Client
	brokers []string
}

// NewKafkaBus constructs a Bus over the given seed brokers, creating the four
// logical topics (with partition counts suited to per-job-key ordering) if absent.
func NewKafkaBus(brokers []string, log *logger.Logger) (Bus, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	busLog := log.With("component", "Bus")

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	ctx := context.Background()
	for topic, partitions := range map[Topic]int32{
		TopicRequests: 8,
		TopicProgress: 8,
		TopicResults:  4,
		TopicErrors:   4,
	} {
		if err := createTopicIfNotExists(ctx, client, string(topic), partitions, 1); err != nil {
			busLog.Warn("topic creation failed, assuming it already exists", "topic", topic, "error", err)
		}
	}

	return &kafkaBus{log: busLog, client: client, brokers: brokers}, nil
}

func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	req := kmsg.NewCreateTopicsRequest()
	t := kmsg.NewCreateTopicsRequestTopic()
	t.Topic = topic
	t.NumPartitions = partitions
	t.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, t)

	resp, err := req.RequestWith(ctx, client)
	if err != nil {
		return err
	}
	for _, topicResp := range resp.Topics {
		if topicResp.ErrorCode != 0 && kerr.ErrorForCode(topicResp.ErrorCode) != kerr.TopicAlreadyExists {
			return fmt.Errorf("create topic %s: %w", topic, kerr.ErrorForCode(topicResp.ErrorCode))
		}
	}
	return nil
}

func (b *kafkaBus) Publish(ctx context.Context, topic Topic, key string, env Envelope) error {
	record := &kgo.Record{
		Topic: string(topic),
		Key:   []byte(key),
		Value: env.Body,
		Headers: []kgo.RecordHeader{
			{Key: "job_id", Value: []byte(env.JobID)},
			{Key: "item_id", Value: []byte(env.ItemID)},
			{Key: "kind", Value: []byte(env.Kind)},
		},
	}
	res := b.client.ProduceSync(ctx, record)
	return res.FirstErr()
}

func (b *kafkaBus) Consume(ctx context.Context, topics []Topic, groupID string, handler Handler) error {
	topicNames := make([]string, 0, len(topics))
	for _, t := range topics {
		topicNames = append(topicNames, string(t))
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(b.brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topicNames...),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return fmt.Errorf("create consumer client: %w", err)
	}
	defer client.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		fetches := client.PollFetches(ctx)
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				if errors.Is(e.Err, context.Canceled) {
					return ctx.Err()
				}
				b.log.Warn("fetch error", "topic", e.Topic, "partition", e.Partition, "error", e.Err)
			}
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			env := envelopeFromRecord(rec)
			if err := handler(ctx, env); err != nil {
				b.log.Warn("handler returned error, offset not committed", "job_id", env.JobID, "error", err)
				return
			}
			if err := client.CommitRecords(ctx, rec); err != nil {
				b.log.Warn("commit failed", "job_id", env.JobID, "error", err)
			}
		})
	}
}

func envelopeFromRecord(rec *kgo.Record) Envelope {
	env := Envelope{Body: rec.Value}
	for _, h := range rec.Headers {
		switch h.Key {
		case "job_id":
			env.JobID = string(h.Value)
		case "item_id":
			env.ItemID = string(h.Value)
		case "kind":
			env.Kind = string(h.Value)
		}
	}
	if env.JobID == "" {
		env.JobID = string(rec.Key)
	}
	return env
}

func (b *kafkaBus) Close() error {
	b.client.Close()
	return nil
}
