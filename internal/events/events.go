package events

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	SubjectOrder    = "orders"
	SubjectTick     = "ticks"
	SubjectFailover = "failover"
	SubjectWatchdog = "watchdog"
	SubjectHealth   = "health"
)

type conn interface {
	Publish(subject string, data []byte) error
	Close()
}

// Publisher fans control-plane events out to NATS. A nil Publisher drops events.
type Publisher struct {
	prefix string
	log    *zap.Logger

	mu     sync.Mutex
	conn   conn
	failed int
}

type Envelope struct {
	Kind string    `json:"kind"`
	TS   time.Time `json:"ts"`
	Data any       `json:"data"`
}

func Connect(url, prefix string, log *zap.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("trade-control-plane"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, err
	}
	return newPublisher(nc, prefix, log), nil
}

func newPublisher(c conn, prefix string, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{conn: c, prefix: strings.Trim(prefix, "."), log: log}
}

// Subject joins the configured prefix and kind with dots.
func (p *Publisher) Subject(kind string) string {
	if p == nil || p.prefix == "" {
		return kind
	}
	return p.prefix + "." + kind
}

// Publish is best effort: failures are logged and counted, never returned to the tick path.
func (p *Publisher) Publish(kind string, data any) {
	if p == nil {
		return
	}
	payload, err := json.Marshal(Envelope{Kind: kind, TS: time.Now().UTC(), Data: data})
	if err != nil {
		p.log.Warn("event encode failed", zap.String("kind", kind), zap.Error(err))
		return
	}
	p.mu.Lock()
	c := p.conn
	p.mu.Unlock()
	if c == nil {
		return
	}
	if err := c.Publish(p.Subject(kind), payload); err != nil {
		p.mu.Lock()
		p.failed++
		p.mu.Unlock()
		p.log.Warn("event publish failed", zap.String("subject", p.Subject(kind)), zap.Error(err))
	}
}

func (p *Publisher) Failed() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}

func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	c := p.conn
	p.conn = nil
	p.mu.Unlock()
	if c != nil {
		c.Close()
	}
}
