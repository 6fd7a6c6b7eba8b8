// Package natsutil carries JSON change events over NATS with the trace
// context in message headers, so a consumer's span joins the commit that
// produced the event.
package natsutil

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// nats.Header and http.Header share a representation, so the stock HTTP
// carrier works on message headers.
func carrier(msg *nats.Msg) propagation.HeaderCarrier {
	if msg.Header == nil {
		msg.Header = nats.Header{}
	}
	return propagation.HeaderCarrier(msg.Header)
}

// Connect dials url and keeps reconnecting forever, logging each state
// change.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	logger = logger.With("nats", url)
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "server", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Warn("nats async error", "subject", subject, "err", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return nc, nil
}

// Publish sends v as JSON on subject.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, carrier(msg))
	return nc.PublishMsg(msg)
}

// Subscribe decodes every message on subject into T and hands it to handler
// with the publisher's trace context. Bodies that do not decode are passed to
// onError, if set, and dropped.
func Subscribe[T any](nc *nats.Conn, subject string, handler func(context.Context, T), onError func(subject string, err error)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			if onError != nil {
				onError(msg.Subject, err)
			}
			return
		}
		handler(otel.GetTextMapPropagator().Extract(context.Background(), carrier(msg)), v)
	})
}
