package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ppiankov/playwatch/internal/redact"
)

func init() {
	retryDelay = func(int) time.Duration { return time.Millisecond }
}

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func counting(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &called
}

func TestDispatchMatchesEventsAndChannels(t *testing.T) {
	esc, escCalls := counting(t, http.StatusOK)
	urgent, urgentCalls := counting(t, http.StatusOK)

	d := NewDispatcher(quietLog(),
		&Webhook{Config: WebhookConfig{URL: esc.URL, Events: []string{EventEscalation}, Channels: []string{"oncall-compute"}}},
		&Webhook{Config: WebhookConfig{URL: urgent.URL, Format: "pagerduty", Channels: []string{DefaultUrgentChannel}}},
	)

	if err := d.Notify(context.Background(), Event{Type: EventEscalation, Channel: "oncall-compute", RunID: "r-1"}); err != nil {
		t.Fatal(err)
	}
	if err := d.Notify(context.Background(), Event{Type: EventEscalation, Channel: "oncall-db", RunID: "r-2"}); err != nil {
		t.Fatal(err)
	}
	if err := d.Notify(context.Background(), Event{Type: EventRollbackFailed, Channel: DefaultUrgentChannel, Urgency: UrgencyCritical}); err != nil {
		t.Fatal(err)
	}

	if escCalls.Load() != 1 {
		t.Errorf("escalation webhook calls = %d, want 1", escCalls.Load())
	}
	if urgentCalls.Load() != 1 {
		t.Errorf("urgent webhook calls = %d, want 1", urgentCalls.Load())
	}
}

func TestDispatchReportsSinkFailure(t *testing.T) {
	bad, _ := counting(t, http.StatusBadRequest)
	rec := &Recorder{}
	d := NewDispatcher(quietLog(), &Webhook{Config: WebhookConfig{URL: bad.URL}}, rec)

	if err := d.Notify(context.Background(), Event{Type: EventEscalation}); err == nil {
		t.Error("expected error from rejecting webhook")
	}
	if got := rec.Events(EventEscalation); len(got) != 1 || got[0].Timestamp == "" || got[0].Urgency != UrgencyNormal {
		t.Errorf("recorded = %+v", got)
	}
}

func TestRetryOnServerError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := Send(context.Background(), WebhookConfig{URL: srv.URL}, Event{Type: EventEscalation}); err != nil {
		t.Errorf("expected success after retries, got: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	srv, attempts := counting(t, http.StatusBadRequest)
	if err := Send(context.Background(), WebhookConfig{URL: srv.URL}, Event{}); err == nil {
		t.Error("expected error on 400, got nil")
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt (no retry on 4xx), got %d", attempts.Load())
	}
}

func TestSendHeaders(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	Send(context.Background(), WebhookConfig{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer x"}}, Event{})
	if auth != "Bearer x" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestFormatGenericJSON(t *testing.T) {
	data, err := FormatPayload("generic", Event{RunID: "r-1", Type: EventEscalation, Reasoning: []string{"a", "b"}})
	if err != nil {
		t.Fatal(err)
	}
	var parsed Event
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("generic format is not valid JSON: %v", err)
	}
	if parsed.RunID != "r-1" || len(parsed.Reasoning) != 2 {
		t.Errorf("parsed = %+v", parsed)
	}
}

func TestFormatSlackBlockKit(t *testing.T) {
	data, err := FormatPayload("slack", Event{Type: EventEscalation, Playbook: "high_cpu", Reasoning: []string{"step 1"}})
	if err != nil {
		t.Fatal(err)
	}
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatal(err)
	}
	blocks, ok := parsed["blocks"].([]any)
	if !ok || len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %v", parsed["blocks"])
	}
}

func TestFormatPagerDutySeverity(t *testing.T) {
	tests := []struct {
		urgency, want string
	}{
		{UrgencyCritical, "critical"},
		{UrgencyHigh, "error"},
		{UrgencyNormal, "warning"},
		{"", "info"},
	}
	for _, tt := range tests {
		data, err := FormatPayload("pagerduty", Event{Urgency: tt.urgency, RunID: "r-9"})
		if err != nil {
			t.Fatal(err)
		}
		var parsed map[string]any
		json.Unmarshal(data, &parsed)
		payload := parsed["payload"].(map[string]any)
		if payload["severity"] != tt.want {
			t.Errorf("urgency %q: severity = %v, want %s", tt.urgency, payload["severity"], tt.want)
		}
		if parsed["dedup_key"] != "r-9" {
			t.Errorf("dedup_key = %v", parsed["dedup_key"])
		}
	}
}

func TestNewKafkaRequiresTopic(t *testing.T) {
	if _, err := NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}}, quietLog()); err == nil {
		t.Error("expected error without topic")
	}
	k, err := NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "playwatch.events"}, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	if k.Name() != "kafka:playwatch.events" {
		t.Errorf("Name = %q", k.Name())
	}
	k.Close()
}

func TestDispatchScrubsCredentials(t *testing.T) {
	rec := &Recorder{}
	d, closer, err := FromConfig(Config{Redact: redact.Config{Literals: []string{"orders-prod"}}}, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	defer closer()
	d.sinks = append(d.sinks, rec)

	d.Notify(context.Background(), Event{
		Type:      EventEscalation,
		Reason:    "restart failed: password=hunter2",
		Reasoning: []string{"connect https://svc:pw@orders-prod/db"},
	})
	got := rec.Events(EventEscalation)
	if len(got) != 1 {
		t.Fatalf("got %d events", len(got))
	}
	if got[0].Reason != "restart failed: password=***" {
		t.Errorf("Reason = %q", got[0].Reason)
	}
	if got[0].Reasoning[0] != "connect https://svc:***@***/db" {
		t.Errorf("Reasoning = %q", got[0].Reasoning[0])
	}
}

func TestFromConfigRejectsBadRedactPattern(t *testing.T) {
	_, _, err := FromConfig(Config{Redact: redact.Config{ExtraPatterns: []redact.PatternDef{{Name: "x", Regex: "("}}}}, quietLog())
	if err == nil {
		t.Error("expected error")
	}
}
