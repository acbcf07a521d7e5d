// Package eventbus provides the watermill pub/sub transport used to fan
// streaming chat events out from engine runs to websocket connections.
package eventbus

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Bus pairs a publisher and subscriber over the configured transport.
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	client  *redis.Client
	group   string
	closers []func() error
}

// New builds an in-memory bus, or a Redis Streams bus when s.Enabled.
func New(s Settings) (*Bus, error) {
	logger := newWatermillLogger()

	if !s.Enabled {
		ch := gochannel.NewGoChannel(gochannel.Config{}, logger)
		return &Bus{
			Publisher:  ch,
			Subscriber: ch,
			closers:    []func() error{ch.Close},
		}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "create redis publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, errors.Wrap(err, "create redis subscriber")
	}

	return &Bus{
		Publisher:  pub,
		Subscriber: sub,
		client:     client,
		group:      s.Group,
		closers:    []func() error{sub.Close, pub.Close, client.Close},
	}, nil
}

func (b *Bus) Close() error {
	var firstErr error
	for _, c := range b.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($)
// if it doesn't exist, preventing full historical replay on first subscribe.
// It is a no-op on the in-memory transport.
func (b *Bus) EnsureGroupAtTail(ctx context.Context, stream string) error {
	if b.client == nil {
		return nil
	}

	err := b.client.XGroupCreateMkStream(ctx, stream, b.group, "$").Err()
	if err != nil {
		// BUSYGROUP means the group already exists
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrap(err, "create consumer group")
	}
	log.Info().Str("stream", stream).Str("group", b.group).Msg("created redis consumer group at $ (tail)")
	return nil
}

type watermillLogger struct {
	fields watermill.LogFields
}

func newWatermillLogger() watermill.LoggerAdapter {
	return &watermillLogger{}
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.event(log.Error().Err(err), msg, fields)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.event(log.Debug(), msg, fields)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.event(log.Debug(), msg, fields)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.event(log.Trace(), msg, fields)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{fields: l.fields.Add(fields)}
}

func (l *watermillLogger) event(e *zerolog.Event, msg string, fields watermill.LogFields) {
	for k, v := range l.fields.Add(fields) {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}
