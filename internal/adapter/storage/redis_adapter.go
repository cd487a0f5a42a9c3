package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/order-fulfillment/internal/audit"
	"github.com/rl1809/order-fulfillment/internal/core/domain"
)

const (
	seenKeyPrefix = "audit:seen:"
	seenKeyTTL    = 24 * time.Hour
)

// appendOnceScript adds an entry to the stream unless its ID was already
// appended within the TTL window. ARGV[2] > 0 trims the stream to about that
// many entries. Returns the stream ID, or nil on a duplicate.
var appendOnceScript = redis.NewScript(`
local seen = KEYS[1]
local stream = KEYS[2]

if not redis.call('SET', seen, 1, 'NX', 'EX', tonumber(ARGV[1])) then
	return false
end

local maxlen = tonumber(ARGV[2])
if maxlen > 0 then
	return redis.call('XADD', stream, 'MAXLEN', '~', maxlen, '*',
		'entry_id', ARGV[3], 'type', ARGV[4], 'payload', ARGV[5])
end
return redis.call('XADD', stream, '*',
	'entry_id', ARGV[3], 'type', ARGV[4], 'payload', ARGV[5])
`)

// RedisStreamSink appends audit entries to a Redis stream. Redelivered
// entries are filtered by a per-ID marker key. The stream is the audit log
// of record: nothing is trimmed unless maxLen is positive.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStreamSink(client *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	if maxLen < 0 {
		maxLen = 0
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (r *RedisStreamSink) Append(ctx context.Context, entry domain.AuditEntry) error {
	payload, err := audit.Encode(entry)
	if err != nil {
		return err
	}

	keys := []string{seenKeyPrefix + entry.ID, r.stream}
	err = appendOnceScript.Run(ctx, r.client, keys,
		int(seenKeyTTL/time.Second), r.maxLen, entry.ID, string(entry.Record.AuditType()), payload,
	).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}

func (r *RedisStreamSink) Stream() string { return r.stream }
