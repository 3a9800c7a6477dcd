package observability

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

func TestConfigureLogger(t *testing.T) {
	tests := []struct {
		name      string
		config    LoggingConfig
		wantLevel logrus.Level
	}{
		{"debug level", LoggingConfig{Level: LogLevelDebug}, logrus.DebugLevel},
		{"warn level json", LoggingConfig{Level: LogLevelWarn, Format: LogFormatJSON}, logrus.WarnLevel},
		{"error level", LoggingConfig{Level: "ERROR"}, logrus.ErrorLevel},
		{"unknown defaults to info", LoggingConfig{Level: "loud"}, logrus.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := ConfigureLogger(tt.config)
			if err != nil {
				t.Fatal(err)
			}
			if logger.GetLevel() != tt.wantLevel {
				t.Errorf("level = %s, want %s", logger.GetLevel(), tt.wantLevel)
			}
		})
	}
}

func TestConfigureLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "playwatch.log")
	logger, err := ConfigureLogger(LoggingConfig{Format: LogFormatJSON, OutputPath: path})
	if err != nil {
		t.Fatal(err)
	}
	logger.WithField("run_id", "r-1").Info("hello")
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), `"run_id":"r-1"`) {
		t.Errorf("log file = %s", data)
	}
}

func TestApplyDefaults(t *testing.T) {
	var c LoggingConfig
	c.ApplyDefaults()
	if c.Level != LogLevelInfo || c.Format != LogFormatText {
		t.Errorf("defaults = %+v", c)
	}
	if !IsValidLogLevel("Warn") || IsValidLogLevel("trace") {
		t.Error("IsValidLogLevel")
	}
}

func TestObserveQuery(t *testing.T) {
	ObserveQuery("metrics_test", time.Millisecond, nil)
	ObserveQuery("metrics_test", time.Millisecond, errors.New("x"))

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	statuses := map[string]bool{}
	for _, mf := range families {
		if mf.GetName() != "playwatch_step_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["query_type"] == "metrics_test" {
				statuses[labels["status"]] = true
			}
		}
	}
	if !statuses["ok"] || !statuses["error"] {
		t.Errorf("statuses = %v", statuses)
	}
}
