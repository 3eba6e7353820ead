package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	redis "github.com/redis/go-redis/v9"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/metrics"
)

// Adapter fans graph events out through redis pub/sub. Every instance
// subscribed to a graph, including the publisher, receives the envelope.
type Adapter struct {
	rdb redis.UniversalClient
	log *slog.Logger
}

func NewAdapter(rdb redis.UniversalClient, log *slog.Logger) *Adapter {
	return &Adapter{rdb: rdb, log: log}
}

func (a *Adapter) Publish(ctx context.Context, graphID string, topic Topic, env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := a.rdb.Publish(ctx, Channel(graphID, topic), b).Err(); err != nil {
		metrics.BroadcastPublished.WithLabelValues(string(topic), "error").Inc()
		return err
	}
	metrics.BroadcastPublished.WithLabelValues(string(topic), "ok").Inc()
	return nil
}

// Subscribe listens on every topic of graphID until ctx is done. The returned
// channel is closed when the subscription ends.
func (a *Adapter) Subscribe(ctx context.Context, graphID string) (<-chan Message, error) {
	ps := a.rdb.PSubscribe(ctx, Channel(graphID, "*"))
	// wait for the subscription to be confirmed
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}

	out := make(chan Message, 256)
	prefix := channelPrefix + graphID + ":"
	go func() {
		defer close(out)
		defer ps.Close()
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					a.log.Warn("drop malformed envelope", "channel", m.Channel, "err", err)
					continue
				}
				msg := Message{GraphID: graphID, Topic: Topic(strings.TrimPrefix(m.Channel, prefix)), Envelope: env}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
