package model

// RiskLevel classifies the blast potential of a remediation action.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskRank maps risk levels to a comparable integer.
var RiskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// ValidRisk reports whether r is a known risk level.
func ValidRisk(r RiskLevel) bool {
	_, ok := RiskRank[r]
	return ok
}

// QueryType selects which data source a query is routed to.
type QueryType string

const (
	QueryLogs    QueryType = "logs"
	QueryMetrics QueryType = "metrics"
	QueryCluster QueryType = "cluster"
	QueryHealth  QueryType = "health"
)

// QueryTypeFromAction maps the document's step action verb to a QueryType.
// Bare query types are accepted as well.
func QueryTypeFromAction(action string) (QueryType, bool) {
	switch action {
	case "query_logs", "logs":
		return QueryLogs, true
	case "query_metrics", "metrics":
		return QueryMetrics, true
	case "query_k8s", "query_cluster", "cluster":
		return QueryCluster, true
	case "query_health", "health":
		return QueryHealth, true
	}
	return "", false
}

// Decision is the risk gate outcome.
type Decision string

const (
	AutoExecute     Decision = "auto_execute"
	RequireApproval Decision = "require_approval"
	Deny            Decision = "deny"
	Escalate        Decision = "escalate"
)

// GateResult is the output of the risk and policy gate.
type GateResult struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason"`
	PolicyID string   `json:"policy_id,omitempty"`
}

// SelectedRule records the decision rule a run matched and its resolved params.
type SelectedRule struct {
	Index     int            `json:"index"`
	Condition string         `json:"condition"`
	Action    string         `json:"action"`
	RiskLevel RiskLevel      `json:"risk_level"`
	Params    map[string]any `json:"params"`
}

// CheckResult is the outcome of a single validation check.
type CheckResult struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	TimedOut bool   `json:"timed_out,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
	Polls    int    `json:"polls"`
	Observed any    `json:"observed,omitempty"`
	Detail   string `json:"detail,omitempty"`
}
