// Package relay bridges stored events onto NATS for external consumers
// (dashboards, on-call tooling). The relay consumes its own fanout
// subscription, so a slow or disconnected broker degrades only the
// bridge, never ingestion.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fleetplane/fleetplane/internal/config"
	"github.com/fleetplane/fleetplane/internal/fanout"
	"github.com/fleetplane/fleetplane/internal/models"
	"github.com/fleetplane/fleetplane/internal/utils"
)

// Relay publishes stored events to `<prefix>.<event_type>` subjects.
type Relay struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
	wg     sync.WaitGroup
}

// New connects to the configured NATS server. Reconnects are handled by
// the client; publish failures while disconnected are logged and dropped.
func New(cfg config.RelayConfig, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("fleetplane-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("relay disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("relay reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, &utils.AppError{Op: "relay.connect", Msg: "connect to nats", Err: err}
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "fleetplane.events"
	}
	return &Relay{conn: conn, prefix: prefix, logger: logger}, nil
}

// Run forwards the subscription until it closes or ctx is cancelled.
func (r *Relay) Run(ctx context.Context, sub *fanout.Subscription) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case stored, ok := <-sub.Events():
				if !ok {
					return
				}
				r.forward(stored)
			}
		}
	}()
}

func (r *Relay) forward(stored models.StoredEvent) {
	data, err := json.Marshal(stored)
	if err != nil {
		r.logger.Error("relay marshal failed", slog.Any("error", err))
		return
	}
	subject := r.prefix + "." + stored.Event.EventType
	if err := r.conn.Publish(subject, data); err != nil {
		r.logger.Warn("relay publish failed",
			slog.String("subject", subject), slog.Any("error", err))
	}
}

// Close drains the consume loop and the connection.
func (r *Relay) Close() {
	r.wg.Wait()
	if err := r.conn.Drain(); err != nil {
		r.logger.Warn("relay drain failed", slog.Any("error", err))
		r.conn.Close()
	}
}
