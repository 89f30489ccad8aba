package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"wavelink-backend/internal/database"
	"wavelink-backend/internal/domain"
	"wavelink-backend/pkg/logger"
)

// SignalNotifier publishes new-signal wake events over Redis pub/sub so
// connected recipients refresh their mailbox immediately instead of waiting
// for the next poll. Delivery is best effort: the mailbox in Cassandra is
// the source of truth, the notifier only shortens latency.
type SignalNotifier struct {
	redis *database.RedisClient
}

// NewSignalNotifier creates a new SignalNotifier
func NewSignalNotifier(redis *database.RedisClient) *SignalNotifier {
	return &SignalNotifier{redis: redis}
}

// channelFor returns the pub/sub channel for one recipient of one call.
func channelFor(callID, toUserID string) string {
	return fmt.Sprintf("call:%s:signals:%s", callID, toUserID)
}

// Notify publishes a signal to its recipient's channel. Failures are logged
// and swallowed; a recipient that misses the wake still sees the signal on
// its next mailbox read.
func (n *SignalNotifier) Notify(ctx context.Context, signal *domain.Signal) {
	if n.redis == nil || n.redis.IsDegraded() {
		return
	}

	data, err := json.Marshal(signal)
	if err != nil {
		logger.Error("failed to marshal signal for notify", zap.Error(err))
		return
	}

	channel := channelFor(signal.CallID.String(), signal.ToUserID.String())
	if err := n.redis.Client.Publish(ctx, channel, data).Err(); err != nil {
		logger.Warn("failed to publish signal notification",
			zap.String("channel", channel),
			zap.Error(err))
	}
}

// Subscribe opens a subscription for one recipient of one call. The caller
// owns the returned PubSub and must Close it.
func (n *SignalNotifier) Subscribe(ctx context.Context, callID, toUserID string) (*goredis.PubSub, error) {
	if n.redis == nil || n.redis.IsDegraded() {
		return nil, fmt.Errorf("redis unavailable")
	}
	return n.redis.Client.Subscribe(ctx, channelFor(callID, toUserID)), nil
}
