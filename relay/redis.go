package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel used when none is configured.
const DefaultChannel = "pagehook:relay"

// Envelope is a message in transit between processes.
type Envelope struct {
	Origin  string  `json:"origin"`
	Message Message `json:"message"`
}

// Publisher is an Emitter that publishes to a Redis channel, for watcher
// processes that run apart from the coordinator.
type Publisher struct {
	client  *redis.Client
	channel string
	origin  string
}

// NewPublisher returns a Publisher bound to origin.
func NewPublisher(client *redis.Client, channel, origin string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{client: client, channel: channel, origin: origin}
}

// Emit publishes msg. Delivery is at-most-once: with no subscriber the
// message is lost.
func (p *Publisher) Emit(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(Envelope{Origin: p.origin, Message: msg})
	if err != nil {
		return fmt.Errorf("relay: encode envelope: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, raw).Err(); err != nil {
		return fmt.Errorf("relay: publish: %w", err)
	}
	return nil
}

// Subscriber feeds envelopes from a Redis channel into a local relay,
// keeping their origin so per-origin ordering holds across processes.
type Subscriber struct {
	client  *redis.Client
	channel string
	relay   *Relay
	logger  *slog.Logger

	minBackoff, maxBackoff time.Duration
	failures               atomic.Int64
}

// NewSubscriber creates a Subscriber. Call Run to start consuming.
func NewSubscriber(client *redis.Client, channel string, r *Relay, logger *slog.Logger) *Subscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		client:     client,
		channel:    channel,
		relay:      r,
		logger:     logger,
		minBackoff: time.Second,
		maxBackoff: time.Minute,
	}
}

// Run consumes the channel until ctx is cancelled. A failed or dropped
// subscription is retried with exponential backoff; Run only returns once
// ctx is done.
func (s *Subscriber) Run(ctx context.Context) error {
	backoff := s.minBackoff
	for {
		subscribed, err := s.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if subscribed {
			backoff = s.minBackoff
		}
		s.failures.Add(1)
		s.logger.Warn("relay: redis subscription lost", "channel", s.channel, "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, s.maxBackoff)
	}
}

// consume subscribes once and delivers messages until the subscription
// ends. subscribed reports whether the subscription was confirmed.
func (s *Subscriber) consume(ctx context.Context) (subscribed bool, err error) {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return false, fmt.Errorf("relay: subscribe %s: %w", s.channel, err)
	}
	s.logger.Info("relay: subscribed", "channel", s.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case m, ok := <-ch:
			if !ok {
				return true, fmt.Errorf("relay: subscription %s closed", s.channel)
			}
			s.deliver(ctx, m.Payload)
		}
	}
}

func (s *Subscriber) deliver(ctx context.Context, raw string) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		s.logger.Warn("relay: bad envelope", "error", err)
		return
	}
	if env.Origin == "" {
		env.Origin = "redis"
	}
	s.relay.Send(ctx, env.Origin, env.Message)
}
