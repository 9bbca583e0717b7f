package announce

import (
	"context"
	"encoding/json"

	"github.com/yawlengine/yawl/cmd/yawl/eventlog"
	"github.com/yawlengine/yawl/common/logger"
	"github.com/yawlengine/yawl/common/redis"
)

// DefaultChannel is the Redis channel external fan-out daemons listen on.
const DefaultChannel = "yawl:events"

const bridgeQueue = 512

// RedisBridge mirrors the event stream onto a Redis pub/sub channel.
// Offer enqueues without ever blocking the publisher; Run drains the
// queue. Events that do not fit are shed, which keeps the bridge
// strictly best-effort: authority stays with the log.
type RedisBridge struct {
	client  *redis.Client
	channel string
	logg    *logger.Logger
	queue   chan eventlog.Event
}

// NewRedisBridge wires a bridge to a connected client. An empty channel
// name selects DefaultChannel.
func NewRedisBridge(client *redis.Client, channel string, logg *logger.Logger) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBridge{
		client:  client,
		channel: channel,
		logg:    logg,
		queue:   make(chan eventlog.Event, bridgeQueue),
	}
}

// Offer enqueues an event for publication, shedding it when the queue
// is full.
func (b *RedisBridge) Offer(e eventlog.Event) {
	select {
	case b.queue <- e:
	default:
		b.logg.Warn("redis bridge backlogged, event shed", "sequence", e.Sequence, "type", e.Type)
	}
}

// Run publishes queued events until the context ends.
func (b *RedisBridge) Run(ctx context.Context) {
	b.logg.Info("redis bridge started", "channel", b.channel)
	for {
		select {
		case <-ctx.Done():
			b.logg.Info("redis bridge stopping")
			return
		case e := <-b.queue:
			payload, err := json.Marshal(e)
			if err != nil {
				b.logg.Error("event marshal failed", "sequence", e.Sequence, "error", err)
				continue
			}
			if err := b.client.PublishEvent(ctx, b.channel, string(payload)); err != nil {
				// The client already logged the failure; the event is
				// shed and consumers recover from the log.
				continue
			}
		}
	}
}
