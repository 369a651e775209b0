// Package natsbridge publishes the store's change events to NATS
// subjects. The bridge is a node-local event sink: its effects are
// intentionally outside the replicated state, and consumers should
// treat delivery as at-least-once across leader changes.
package natsbridge

import (
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/triptych/khepri/internal/config"
	"github.com/triptych/khepri/log"
	"github.com/triptych/khepri/pkg/khepri/machine"
	"github.com/triptych/khepri/pkg/khepri/path"
)

// Bridge forwards change events to a NATS connection.
type Bridge struct {
	nc     *nats.Conn
	prefix string
}

// New connects to the configured NATS server.
func New(cfg config.BridgeConfig) (*Bridge, error) {
	opts := []nats.Option{
		nats.Name("khepri-bridge"),
		nats.Timeout(cfg.ConnectTimeout.Std()),
	}
	if cfg.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	log.DEBUG("bridge connected to %s, publishing under %s", cfg.URL, cfg.SubjectPrefix)
	return &Bridge{nc: nc, prefix: cfg.SubjectPrefix}, nil
}

// HandleEvent publishes one change event. Publish failures are logged;
// the bridge never interferes with command application.
func (b *Bridge) HandleEvent(ev machine.Event) {
	payload, err := json.Marshal(ev.Map())
	if err != nil {
		log.PrintfStdErr("bridge cannot encode event for %s: %s\n", ev.Path, err)
		return
	}
	subject := b.prefix + "." + SubjectForPath(ev.Path)
	if err := b.nc.Publish(subject, payload); err != nil {
		log.PrintfStdErr("bridge publish to %s failed: %s\n", subject, err)
	}
}

// Close flushes and drops the connection.
func (b *Bridge) Close() {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}

// SubjectForPath renders a tree path as a NATS subject suffix: one
// token per level, with the characters NATS reserves replaced.
func SubjectForPath(p path.Path) string {
	if len(p) == 0 {
		return "root"
	}
	tokens := make([]string, len(p))
	for i, id := range p {
		tokens[i] = sanitizeToken(id.Name)
	}
	return strings.Join(tokens, ".")
}

func sanitizeToken(name string) string {
	if name == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, name)
}
