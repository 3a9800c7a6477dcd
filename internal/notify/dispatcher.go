// Package notify delivers escalations and run notifications to webhooks,
// Kafka, and the log.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/playwatch/internal/redact"
)

// Sink is one notification destination.
type Sink interface {
	Name() string
	Accepts(event Event) bool
	Notify(ctx context.Context, event Event) error
}

// Notifier is what the engine calls.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Dispatcher fans out events to every sink that accepts them. The log sink
// always receives events, so a notification is never silently dropped.
type Dispatcher struct {
	sinks []Sink
	log   logrus.FieldLogger
	scrub *redact.Scrubber
}

// NewDispatcher creates a Dispatcher over sinks. Event text is scrubbed
// with the builtin credential patterns.
func NewDispatcher(log logrus.FieldLogger, sinks ...Sink) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{sinks: sinks, log: log}
}

// FromConfig builds webhook and Kafka sinks from cfg. The returned close func
// flushes the Kafka writer.
func FromConfig(cfg Config, log logrus.FieldLogger) (*Dispatcher, func() error, error) {
	scrub, err := redact.New(cfg.Redact)
	if err != nil {
		return nil, nil, fmt.Errorf("notify.redact: %w", err)
	}
	var sinks []Sink
	for _, w := range cfg.Webhooks {
		sinks = append(sinks, &Webhook{Config: w})
	}
	closer := func() error { return nil }
	if len(cfg.Kafka.Brokers) > 0 {
		k, err := NewKafka(cfg.Kafka, log)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, k)
		closer = k.Close
	}
	d := NewDispatcher(log, sinks...)
	d.scrub = scrub
	return d, closer, nil
}

// Notify delivers event to all accepting sinks concurrently and waits for
// them. Failures are logged and joined into the returned error.
func (d *Dispatcher) Notify(ctx context.Context, event Event) error {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if event.Urgency == "" {
		event.Urgency = UrgencyNormal
	}
	event.Reason = d.scrub.Text(event.Reason)
	event.Reasoning = d.scrub.Strings(event.Reasoning)

	entry := d.log.WithFields(logrus.Fields{
		"event":    event.Type,
		"urgency":  event.Urgency,
		"channel":  event.Channel,
		"run_id":   event.RunID,
		"playbook": event.Playbook,
	})
	if event.Urgency == UrgencyCritical {
		entry.Error(event.Reason)
	} else {
		entry.Warn(event.Reason)
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range d.sinks {
		if !s.Accepts(event) {
			continue
		}
		g.Go(func() error {
			if err := s.Notify(gctx, event); err != nil {
				entry.WithError(err).WithField("sink", s.Name()).Error("notification failed")
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// Recorder keeps events in memory. It backs tests and the dry environment.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Accepts(Event) bool { return true }

func (r *Recorder) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns recorded events of the given type, or all when typ is empty.
func (r *Recorder) Events(typ string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if typ == "" || e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
