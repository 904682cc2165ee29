package alerting

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"price-alert-engine/internal/models"
)

// KindLog writes notifications to the process log.
const KindLog = "log"

// LogAdapter is a development channel; it never fails.
type LogAdapter struct {
	logger zerolog.Logger
}

func NewLogAdapter(logger zerolog.Logger) *LogAdapter {
	return &LogAdapter{logger: logger.With().Str("component", "alert_log").Logger()}
}

func (a *LogAdapter) Kind() string { return KindLog }

func (a *LogAdapter) Send(_ context.Context, target models.ChannelTarget, msg Message) error {
	a.logger.Info().
		Str("fire_id", msg.Fire.ID).
		Str("rule_id", msg.Fire.RuleID).
		Str("symbol", msg.Fire.Symbol).
		Str("channel", target.Key()).
		Str("subject", msg.Subject).
		Msg(msg.Text)
	return nil
}

// Delivery is one send observed by a MemoryAdapter.
type Delivery struct {
	Target  models.ChannelTarget
	Message Message
	Err     error
}

// MemoryAdapter records sends and returns scripted outcomes per channel id.
// Once a script is used up, sends succeed.
type MemoryAdapter struct {
	kind string

	mu         sync.Mutex
	scripts    map[string][]error
	deliveries []Delivery
}

func NewMemoryAdapter(kind string) *MemoryAdapter {
	return &MemoryAdapter{kind: kind, scripts: make(map[string][]error)}
}

func (a *MemoryAdapter) Kind() string { return a.kind }

// Script queues outcomes for the channel; nil entries are successes.
func (a *MemoryAdapter) Script(channelID string, outcomes ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts[channelID] = append(a.scripts[channelID], outcomes...)
}

func (a *MemoryAdapter) Send(ctx context.Context, target models.ChannelTarget, msg Message) error {
	if err := ctx.Err(); err != nil {
		return Transient(err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var err error
	key := target.Key()
	if script := a.scripts[key]; len(script) > 0 {
		err = script[0]
		a.scripts[key] = script[1:]
	}
	a.deliveries = append(a.deliveries, Delivery{Target: target, Message: msg, Err: err})
	return err
}

// Deliveries returns a copy of every send, successful or not.
func (a *MemoryAdapter) Deliveries() []Delivery {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Delivery(nil), a.deliveries...)
}

// Sent returns successful sends to the given channel id.
func (a *MemoryAdapter) Sent(channelID string) []Delivery {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Delivery
	for _, d := range a.deliveries {
		if d.Err == nil && d.Target.Key() == channelID {
			out = append(out, d)
		}
	}
	return out
}

var (
	_ Adapter = (*LogAdapter)(nil)
	_ Adapter = (*MemoryAdapter)(nil)
)
