package engine

import (
	"fmt"
	"math"

	"github.com/ppiankov/playwatch/internal/condition"
	"github.com/ppiankov/playwatch/internal/playbook"
)

// Conventional alert keys.
const (
	keyEnvironment = "environment"
	keyResourceID  = "resource_id"
	keyConfidence  = "confidence"
	keySeverity    = "severity"
	keyAlertType   = "alert_type"
)

// alert is a normalized trigger context.
type alert struct {
	fields      map[string]any
	environment string
	resourceID  string
	confidence  float64
	severity    string
	alertType   string
}

// normalizeAlert fills alert_type and severity from the trigger when absent,
// applies the default confidence, and checks the alert fires def.
func normalizeAlert(def *playbook.Definition, in map[string]any, defaultConfidence float64) (*alert, error) {
	a := &alert{fields: make(map[string]any, len(in)+5)}
	for k, v := range in {
		a.fields[k] = v
	}

	var err error
	if a.alertType, err = stringKey(a.fields, keyAlertType); err != nil {
		return nil, err
	}
	if a.severity, err = stringKey(a.fields, keySeverity); err != nil {
		return nil, err
	}
	if a.environment, err = stringKey(a.fields, keyEnvironment); err != nil {
		return nil, err
	}
	if a.resourceID, err = stringKey(a.fields, keyResourceID); err != nil {
		return nil, err
	}
	if a.alertType == "" {
		a.alertType = def.Trigger.AlertType
	}
	if a.severity == "" && len(def.Trigger.Severities) > 0 {
		a.severity = def.Trigger.Severities[0]
	}
	if !def.Trigger.Matches(a.alertType, a.severity) {
		return nil, fmt.Errorf("%w: %s wants %s with severity in %v, got %s/%s",
			ErrTriggerMismatch, def.Name, def.Trigger.AlertType, def.Trigger.Severities, a.alertType, a.severity)
	}

	a.confidence = defaultConfidence
	if v, ok := a.fields[keyConfidence]; ok && v != nil {
		f, ok := condition.ToFloat(v)
		if !ok || math.IsNaN(f) {
			return nil, fmt.Errorf("%w: confidence %v is not a number", ErrInvalidAlert, v)
		}
		a.confidence = f
	}

	a.fields[keyAlertType] = a.alertType
	a.fields[keySeverity] = a.severity
	a.fields[keyEnvironment] = a.environment
	a.fields[keyResourceID] = a.resourceID
	a.fields[keyConfidence] = a.confidence
	return a, nil
}

// seed returns the initial run context: every alert field under its own name
// and under alert.<name>.
func (a *alert) seed() map[string]any {
	out := make(map[string]any, 2*len(a.fields))
	for k, v := range a.fields {
		out[k] = v
		out["alert."+k] = v
	}
	return out
}

func stringKey(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", nil
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case fmt.Stringer:
		return s.String(), nil
	}
	if _, ok := condition.ToFloat(v); ok {
		return condition.Stringify(v), nil
	}
	return "", fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidAlert, key, v)
}
