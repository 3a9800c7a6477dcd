package connector_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ppiankov/playwatch/internal/connector"
	_ "github.com/ppiankov/playwatch/internal/connector/httpconn"
	_ "github.com/ppiankov/playwatch/internal/connector/static"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"transient", connector.Transient(errors.New("429")), true},
		{"permanent", connector.Permanent(errors.New("403")), false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"permanent wins", connector.Permanent(connector.Transient(errors.New("x"))), false},
	}
	for _, tt := range tests {
		if got := connector.IsTransient(tt.err); got != tt.want {
			t.Errorf("%s: IsTransient = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestOpenSelectsProvider(t *testing.T) {
	p, err := connector.Open(connector.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "static" {
		t.Errorf("default provider = %s", p.Name())
	}
	if len(p.Actions()) != len(connector.DefaultActions) {
		t.Errorf("actions = %v", p.Actions())
	}

	p, err = connector.Open(connector.Config{Provider: "http", Options: map[string]any{"base_url": "http://gw.local"}})
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "http" {
		t.Errorf("provider = %s", p.Name())
	}

	if _, err := connector.Open(connector.Config{Provider: "http"}); err == nil {
		t.Error("http without base_url should fail")
	}
	if _, err := connector.Open(connector.Config{Provider: "carrier-pigeon"}); err == nil {
		t.Error("unknown provider should fail")
	}
}

func TestActionSet(t *testing.T) {
	has := connector.ActionSet([]string{"scale_out"})
	if !has("scale_out") || has("restart_instance") {
		t.Error("ActionSet membership wrong")
	}
}
