// Package natsbus optionally mirrors AgentEvents onto NATS so a second
// routad process (or an external dashboard) can observe coordination
// traffic without being wired into the in-process Bus. It is purely
// additive: the in-process Bus remains the source of truth and the only
// thing delegation/wait-group logic reads from.
package natsbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/routa-run/routa/internal/config"
	"github.com/routa-run/routa/internal/events"
	"github.com/routa-run/routa/internal/logger"
	"github.com/routa-run/routa/internal/normalize"
)

const mirrorSubjectPrefix = "routa.events."

// Mirror republishes events onto a NATS subject derived from event type.
type Mirror struct {
	conn *nats.Conn
	log  *logger.Logger
}

// Connect dials NATS with the same reconnection policy the teacher's bus
// uses, and returns a Mirror ready to register against a Bus.
func Connect(cfg config.NATSConfig, log *logger.Logger) (*Mirror, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return &Mirror{conn: conn, log: log.With(zap.String("component", "nats-mirror"))}, nil
}

// Attach registers the mirror as a direct handler on bus under key
// "nats-mirror", so every Emit also gets published to NATS.
func (m *Mirror) Attach(bus *events.Bus, key string) {
	bus.On(key, m.publish)
}

func (m *Mirror) publish(event normalize.AgentEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		m.log.Error("marshal agent event", zap.Error(err))
		return
	}

	subject := mirrorSubjectPrefix + string(event.Type)
	if err := m.conn.Publish(subject, data); err != nil {
		m.log.Warn("publish to nats", zap.String("subject", subject), zap.Error(err))
	}
}

// Close drains and closes the underlying NATS connection.
func (m *Mirror) Close() {
	if m.conn == nil {
		return
	}
	if err := m.conn.Drain(); err != nil {
		m.conn.Close()
	}
}
