package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/matheus3301/wpp-relay/internal/bus"
	"github.com/matheus3301/wpp-relay/internal/metrics"
)

// DefaultSubjectPrefix prefixes every subject the relay publishes on.
const DefaultSubjectPrefix = "relay"

// Publisher is the subset of *nats.Conn the forwarder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ConnectNATS dials a NATS server, reconnecting forever.
func ConnectNATS(url string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("wpp-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("nats error", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// Subject returns the subject an event is published on:
// <prefix>.<account>.<kind>, with the kind's ':' replaced by '.'. Events not
// scoped to an account drop the account token.
func Subject(prefix string, evt bus.Event) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	kind := strings.ReplaceAll(evt.Kind, ":", ".")
	if evt.Account == "" {
		return prefix + "." + kind
	}
	return prefix + "." + evt.Account + "." + kind
}

// Forwarder republishes every bus event on NATS.
type Forwarder struct {
	pub    Publisher
	prefix string
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewForwarder creates a forwarder. Call Start to begin forwarding.
func NewForwarder(pub Publisher, prefix string, b *bus.Bus, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{pub: pub, prefix: prefix, bus: b, logger: logger}
}

// Start subscribes to the bus.
func (f *Forwarder) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	ch, unsub := f.bus.Subscribe("", 256)

	go func() {
		defer close(f.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				f.forward(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops forwarding and waits for the loop to exit.
func (f *Forwarder) Stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
}

func (f *Forwarder) forward(evt bus.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		f.logger.Warn("failed to encode event", zap.String("event", evt.Kind), zap.Error(err))
		return
	}
	subject := Subject(f.prefix, evt)
	if err := f.pub.Publish(subject, data); err != nil {
		metrics.EventsDropped.WithLabelValues(evt.Kind).Inc()
		f.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
