// Package eventbus publishes orchestrator events onto an external NATS
// subject tree so out-of-core dashboards can subscribe without coupling to
// orchestrator internals (spec's "Event bus fan-out" supplement). Grounded
// on ODSapper-CLIAIMONITOR's internal/nats client wrapper.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	nc "github.com/nats-io/nats.go"

	"github.com/odgrim/abathur-swarm-sub004/internal/app/events"
	"github.com/odgrim/abathur-swarm-sub004/internal/logging"
)

const subjectPrefix = "abathur.events."

// NATSPublisher publishes events.Event values as JSON onto
// "abathur.events.<kind>".
type NATSPublisher struct {
	conn   *nc.Conn
	logger logging.Logger
}

// NewNATSPublisher connects to url and returns a publisher. Grounded on the
// teacher corpus's reconnect-indefinitely pattern: a transient broker outage
// never permanently disables the event stream.
func NewNATSPublisher(url string, logger logging.Logger) (*NATSPublisher, error) {
	logger = logging.OrNop(logger)
	conn, err := nc.Connect(url,
		nc.ReconnectWait(2*time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(_ *nc.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected: %v", err)
			}
		}),
		nc.ReconnectHandler(func(c *nc.Conn) {
			logger.Info("nats reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return &NATSPublisher{conn: conn, logger: logger}, nil
}

// Publish implements events.Publisher. Marshal/publish failures are logged,
// never propagated: a dashboard-facing publish must never perturb core
// decision logic (spec §4.10 "never mutates task state by itself" spirit).
func (p *NATSPublisher) Publish(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Warn("marshal event %s: %v", e.Kind, err)
		return
	}
	subject := subjectPrefix + string(e.Kind)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("publish event to %s: %v", subject, err)
	}
}

// Close closes the NATS connection; it does not call Drain first.
func (p *NATSPublisher) Close() { p.conn.Close() }

var _ events.Publisher = (*NATSPublisher)(nil)
