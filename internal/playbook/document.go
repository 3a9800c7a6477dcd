package playbook

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ppiankov/playwatch/internal/model"
)

// document mirrors the on-disk YAML layout.
type document struct {
	Name          string            `yaml:"name" validate:"required,playbook_name"`
	Version       string            `yaml:"version" validate:"required"`
	Description   string            `yaml:"description"`
	Trigger       *triggerDoc       `yaml:"trigger" validate:"required"`
	Investigation *investigationDoc `yaml:"investigation"`
	Remediation   *remediationDoc   `yaml:"remediation" validate:"required"`
	Validation    *validationDoc    `yaml:"validation" validate:"required"`
}

type triggerDoc struct {
	AlertType string   `yaml:"alert_type" validate:"required"`
	Severity  []string `yaml:"severity" validate:"required,min=1,dive,required"`
}

type investigationDoc struct {
	Steps []stepDoc `yaml:"steps" validate:"dive"`
}

type stepDoc struct {
	Name           string   `yaml:"name" validate:"required"`
	Action         string   `yaml:"action" validate:"required,query_action"`
	Query          string   `yaml:"query" validate:"required"`
	Extract        []string `yaml:"extract" validate:"dive,required"`
	Optional       bool     `yaml:"optional"`
	TimeoutSeconds int      `yaml:"timeout_seconds" validate:"omitempty,gt=0"`
}

type remediationDoc struct {
	DecisionTree []ruleDoc `yaml:"decision_tree" validate:"required,dive"`
}

type ruleDoc struct {
	Condition string         `yaml:"condition" validate:"required"`
	Action    string         `yaml:"action" validate:"required,action_name"`
	RiskLevel string         `yaml:"risk_level" validate:"required,oneof=low medium high critical"`
	Params    map[string]any `yaml:"params"`
}

type validationDoc struct {
	Checks    []checkDoc  `yaml:"checks" validate:"required,min=1,dive"`
	OnFailure *failureDoc `yaml:"on_failure" validate:"required"`
}

type checkDoc struct {
	Name           string `yaml:"name" validate:"required"`
	Action         string `yaml:"action" validate:"omitempty,query_action"`
	Query          string `yaml:"query" validate:"required"`
	Expected       any    `yaml:"expected" validate:"required"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"required,gt=0"`
}

type failureDoc struct {
	Action            string `yaml:"action" validate:"required,oneof=rollback_and_escalate rollback escalate"`
	EscalationChannel string `yaml:"escalation_channel" validate:"required"`
}

var (
	namePattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9_.\-]*$`)
	actionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)
)

// newValidator builds the struct validator. Field names in errors are the
// YAML keys so paths read like the document.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("playbook_name", func(fl validator.FieldLevel) bool {
		return namePattern.MatchString(fl.Field().String())
	})
	v.RegisterValidation("action_name", func(fl validator.FieldLevel) bool {
		return actionPattern.MatchString(fl.Field().String())
	})
	v.RegisterValidation("query_action", func(fl validator.FieldLevel) bool {
		_, ok := model.QueryTypeFromAction(fl.Field().String())
		return ok
	})
	return v
}

// fieldErrors converts validator errors into document field paths.
func fieldErrors(err error) []FieldError {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []FieldError{{Message: err.Error()}}
	}
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{Path: docPath(fe.Namespace()), Message: tagMessage(fe)})
	}
	return out
}

// docPath strips the root struct name: "document.trigger.severity" → "trigger.severity".
func docPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must contain at least " + fe.Param() + " item(s)"
	case "gt":
		return "must be greater than " + fe.Param()
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "query_action":
		return "unknown query action; expected query_logs, query_metrics, query_k8s or query_health"
	case "action_name":
		return "must be a lowercase action identifier"
	case "playbook_name":
		return "must be lowercase letters, digits, '_', '-' or '.'"
	}
	return "failed " + fe.Tag() + " validation"
}
