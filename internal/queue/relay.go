package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rl1809/order-fulfillment/internal/audit"
	"github.com/rl1809/order-fulfillment/internal/metrics"
)

const (
	readCount      = 16
	readBlock      = 2 * time.Second
	publishTimeout = 5 * time.Second
	errorPause     = 300 * time.Millisecond
)

// Relay forwards the audit stream to Kafka through a consumer group. A
// message is acked only after Kafka accepted it, so delivery is at least
// once; consumers dedupe on the message key (the entry ID). Acked messages
// stay in the stream; retention is the sink's MAXLEN setting.
type Relay struct {
	rdb       *rd.Client
	publisher Publisher
	log       zerolog.Logger
	metrics   *metrics.Registry

	stream   string
	group    string
	consumer string
}

func NewRelay(rdb *rd.Client, publisher Publisher, stream, group, consumer string, log zerolog.Logger, m *metrics.Registry) *Relay {
	if m == nil {
		m = metrics.NewRegistry()
	}
	return &Relay{
		rdb:       rdb,
		publisher: publisher,
		log:       log.With().Str("component", "audit_relay").Str("stream", stream).Logger(),
		metrics:   m,
		stream:    stream,
		group:     group,
		consumer:  consumer,
	}
}

// Run blocks until ctx is done. Pending messages of this consumer are
// retried before new ones are read.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.ensureGroup(ctx); err != nil {
		return fmt.Errorf("relay ensure group: %w", err)
	}
	r.log.Info().Str("group", r.group).Str("consumer", r.consumer).Msg("relay started")

	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := r.readGroup(ctx, "0", -1)
		if err == nil && len(msgs) == 0 {
			msgs, err = r.readGroup(ctx, ">", readBlock)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn().Err(err).Msg("relay read failed")
			r.pause(ctx)
			continue
		}

		for _, xm := range msgs {
			if err := r.processOne(ctx, xm); err != nil {
				r.log.Warn().Err(err).Str("message_id", xm.ID).Msg("relay publish failed, will retry")
				r.pause(ctx)
				break
			}
		}
	}
}

func (r *Relay) pause(ctx context.Context) {
	t := time.NewTimer(errorPause)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

// readGroup does not block when block is negative.
func (r *Relay) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	streams, err := r.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, streamID},
		Count:    readCount,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var out []rd.XMessage
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (r *Relay) processOne(ctx context.Context, xm rd.XMessage) error {
	key, payload, err := parseAuditMessage(xm.Values)
	if err != nil {
		// a malformed message would block the group forever
		r.log.Error().Err(err).Str("message_id", xm.ID).Msg("dropping malformed audit message")
		return r.ack(ctx, xm.ID)
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := r.publisher.Publish(pubCtx, key, payload); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	r.metrics.RelayPublished.Inc()
	return r.ack(ctx, xm.ID)
}

func (r *Relay) ack(ctx context.Context, id string) error {
	return r.rdb.XAck(ctx, r.stream, r.group, id).Err()
}

// parseAuditMessage validates a stream message written by the Redis audit
// sink and returns its Kafka key and value.
func parseAuditMessage(values map[string]interface{}) (string, []byte, error) {
	entryID, err := getStreamString(values, "entry_id")
	if err != nil {
		return "", nil, err
	}
	payload, err := getStreamString(values, "payload")
	if err != nil {
		return "", nil, err
	}
	entry, err := audit.Decode([]byte(payload))
	if err != nil {
		return "", nil, err
	}
	if entry.ID != entryID {
		return "", nil, fmt.Errorf("entry_id %q does not match payload id %q", entryID, entry.ID)
	}
	return entryID, []byte(payload), nil
}

func getStreamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
