package notify

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event Event) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event Event) ([]byte, error) {
	return json.Marshal(event)
}

func formatSlack(event Event) ([]byte, error) {
	blocks := []any{
		map[string]any{
			"type": "header",
			"text": map[string]any{
				"type": "plain_text",
				"text": fmt.Sprintf("playwatch: %s (%s)", event.Type, event.Playbook),
			},
		},
		map[string]any{
			"type": "section",
			"fields": []any{
				map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Run:* %s", event.RunID)},
				map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Resource:* %s", event.Resource)},
				map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Urgency:* %s", event.Urgency)},
				map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", event.Reason)},
			},
		},
	}
	if len(event.Reasoning) > 0 {
		blocks = append(blocks, map[string]any{
			"type": "section",
			"text": map[string]any{"type": "mrkdwn", "text": "```" + strings.Join(event.Reasoning, "\n") + "```"},
		})
	}
	return json.Marshal(map[string]any{"blocks": blocks})
}

func formatPagerDuty(event Event) ([]byte, error) {
	payload := map[string]any{
		"event_action": "trigger",
		"dedup_key":    event.RunID,
		"payload": map[string]any{
			"summary":  fmt.Sprintf("playwatch %s: %s on %s", event.Type, event.Playbook, event.Resource),
			"severity": severityFor(event.Urgency),
			"source":   "playwatch",
			"custom_details": map[string]any{
				"run_id":    event.RunID,
				"action":    event.Action,
				"state":     event.State,
				"reason":    event.Reason,
				"reasoning": event.Reasoning,
			},
		},
	}
	return json.Marshal(payload)
}

func severityFor(urgency string) string {
	switch urgency {
	case UrgencyCritical:
		return "critical"
	case UrgencyHigh:
		return "error"
	case UrgencyNormal:
		return "warning"
	default:
		return "info"
	}
}
