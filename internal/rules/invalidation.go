package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/acumenpress/commerce/internal/models"
)

// invalidationMessage is the wire payload on the invalidation topic.
type invalidationMessage struct {
	EntryPoint models.EntryPoint `json:"entry_point"`
	Origin     string            `json:"origin"`
}

// KafkaBroadcaster publishes cache invalidations so process-local rule caches
// in a multi-process deployment do not diverge between TTL expiries.
type KafkaBroadcaster struct {
	writer *kafka.Writer
	origin string
}

// NewKafkaBroadcaster constructs a broadcaster for the given brokers/topic.
func NewKafkaBroadcaster(brokers []string, topic string) (*KafkaBroadcaster, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		Async:        false,
	})
	return &KafkaBroadcaster{writer: w, origin: uuid.NewString()}, nil
}

// Broadcast publishes one invalidation keyed by entry point.
func (b *KafkaBroadcaster) Broadcast(ctx context.Context, ep models.EntryPoint) error {
	payload, err := json.Marshal(invalidationMessage{EntryPoint: ep, Origin: b.origin})
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ep),
		Value: payload,
		Time:  time.Now().UTC(),
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("produce invalidation: %w", err)
	}
	return nil
}

// Origin identifies this process on the topic so its own messages are ignored
// by its listener.
func (b *KafkaBroadcaster) Origin() string { return b.origin }

// Close shuts down the underlying writer.
func (b *KafkaBroadcaster) Close() error {
	if b == nil || b.writer == nil {
		return nil
	}
	return b.writer.Close()
}

// Listener consumes the invalidation topic and drops local cache entries.
// Every process joins with its own consumer group so each one sees every
// message (broadcast, not work-sharing).
type Listener struct {
	reader *kafka.Reader
	repo   *Repository
	origin string
	log    zerolog.Logger
}

// NewListener constructs a listener. origin is the id of this process's
// broadcaster; messages carrying it are skipped.
func NewListener(brokers []string, topic, origin string, repo *Repository, log zerolog.Logger) *Listener {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  "rules-cache-" + uuid.NewString(),
		MinBytes: 1,
		MaxBytes: 1 << 20,
		MaxWait:  time.Second,
	})
	return &Listener{
		reader: reader,
		repo:   repo,
		origin: origin,
		log:    log.With().Str("component", "invalidation").Logger(),
	}
}

// Run consumes invalidations until ctx is cancelled. Safe to run in a
// goroutine; consume errors are logged and retried.
func (l *Listener) Run(ctx context.Context) error {
	defer l.reader.Close()
	for {
		msg, err := l.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Warn().Err(err).Msg("read invalidation failed")
			continue
		}
		var inv invalidationMessage
		if err := json.Unmarshal(msg.Value, &inv); err != nil {
			l.log.Warn().Err(err).Msg("bad invalidation payload")
			continue
		}
		if inv.Origin == l.origin {
			continue
		}
		l.repo.InvalidateLocal(inv.EntryPoint)
		l.log.Debug().Str("entry_point", string(inv.EntryPoint)).Msg("cache invalidated by broadcast")
	}
}
