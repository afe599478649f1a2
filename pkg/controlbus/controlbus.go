// Package controlbus implements the Control-Event Bus: a durable,
// bounded-length stream named "scheduler_events" carrying task_changed and
// task_trigger events between control-role scheduler peers and the single
// master-role Scheduler. Grounded on the nats.go usage in the
// SWARM-INTELLIGENCE-NETWORK pack; JetStream gives exactly the "durable
// stream with bounded length and consumer groups" the platform calls for.
package controlbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/taskforge/taskforge/pkg/log"
	"github.com/taskforge/taskforge/pkg/taskerr"
	"github.com/taskforge/taskforge/pkg/types"
)

// StreamName is the durable stream the scheduler peers share.
const StreamName = "scheduler_events"

// Subject is the NATS subject control events publish/subscribe on.
const Subject = "taskforge.scheduler_events"

// Config tunes the bounded stream and consumer group.
type Config struct {
	URL             string
	MaxLen          int64  // SCHEDULER_EVENT_MAXLEN
	ConsumerName    string // durable consumer group name for the active master
	ConnectTimeout  time.Duration
}

// DefaultConfig uses a bounded stream; no specific maxlen is
// mandated, so a generous default is chosen.
var DefaultConfig = Config{
	URL:            nats.DefaultURL,
	MaxLen:         100_000,
	ConsumerName:   "taskforge-master",
	ConnectTimeout: 5 * time.Second,
}

// Bus publishes and consumes ControlEvents. Event loss is tolerated per
// (DB state is authoritative); Bus never blocks a publisher on
// a slow consumer.
type Bus struct {
	cfg Config
	log zerolog.Logger
	nc  *nats.Conn
	js  nats.JetStreamContext
}

// Connect dials NATS and ensures the bounded stream exists.
func Connect(cfg Config) (*Bus, error) {
	if cfg.MaxLen <= 0 {
		cfg = DefaultConfig
	}
	nc, err := nats.Connect(cfg.URL, nats.Timeout(cfg.ConnectTimeout))
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindTransientNetwork, "controlbus: connect", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, taskerr.Wrap(taskerr.KindInternal, "controlbus: jetstream context", err)
	}

	if _, err := js.StreamInfo(StreamName); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     StreamName,
			Subjects: []string{Subject},
			MaxMsgs:  cfg.MaxLen,
			Storage:  nats.FileStorage,
			Discard:  nats.DiscardOld,
		})
		if err != nil {
			nc.Close()
			return nil, taskerr.Wrap(taskerr.KindInternal, "controlbus: add stream", err)
		}
	}

	return &Bus{cfg: cfg, log: log.WithComponent("controlbus"), nc: nc, js: js}, nil
}

// Publish appends ev to the stream. Control peers call this; the master
// role never needs to (it evaluates the DB directly on its own triggers,
// publishing only to notify any sibling control peers' caches).
func (b *Bus) Publish(ev types.ControlEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return taskerr.Wrap(taskerr.KindInternal, "controlbus: marshal event", err)
	}
	if _, err := b.js.Publish(Subject, data); err != nil {
		return taskerr.Wrap(taskerr.KindTransientNetwork, "controlbus: publish", err)
	}
	return nil
}

// PublishTaskChanged is a convenience wrapper for the common case.
func (b *Bus) PublishTaskChanged(taskID string) error {
	return b.Publish(types.ControlEvent{Event: types.EventTaskChanged, TaskID: taskID, Timestamp: time.Now().UTC()})
}

// PublishTaskTrigger is a convenience wrapper for an immediate-fire request.
func (b *Bus) PublishTaskTrigger(taskID string) error {
	return b.Publish(types.ControlEvent{Event: types.EventTaskTrigger, TaskID: taskID, Timestamp: time.Now().UTC()})
}

// Handler is invoked once per delivered ControlEvent, in publish order.
type Handler func(types.ControlEvent)

// Subscribe starts a durable, ordered consumer under the bus's consumer
// group and calls fn for every event, acking only after fn returns so that a
// crash mid-handling redelivers rather than loses the event. Only the
// master-role Scheduler subscribes; stop closes the subscription.
func (b *Bus) Subscribe(fn Handler) (stop func(), err error) {
	sub, err := b.js.Subscribe(Subject, func(m *nats.Msg) {
		var ev types.ControlEvent
		if jerr := json.Unmarshal(m.Data, &ev); jerr != nil {
			b.log.Error().Err(jerr).Msg("dropping malformed control event")
			_ = m.Ack()
			return
		}
		fn(ev)
		_ = m.Ack()
	}, nats.Durable(b.cfg.ConsumerName), nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindInternal, "controlbus: subscribe", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close closes the underlying NATS connection without draining it first.
func (b *Bus) Close() error {
	b.nc.Close()
	return nil
}

// String identifies the bus in logs without leaking the URL's credentials.
func (b *Bus) String() string {
	return fmt.Sprintf("controlbus(stream=%s)", StreamName)
}
