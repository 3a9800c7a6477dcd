package audit

// Entry kinds.
const (
	KindTrigger    = "trigger"
	KindTransition = "transition"
	KindStep       = "step"
	KindDecision   = "decision"
	KindGate       = "gate"
	KindSnapshot   = "snapshot"
	KindCheck      = "check"
	KindOperator   = "operator"
)

// Entry is one line in the hash-chained JSONL audit log.
// All fields are scalars (no map[string]any) to guarantee deterministic
// json.Marshal field order for reproducible hashing.
type Entry struct {
	Timestamp string `json:"ts"`
	RunID     string `json:"run_id"`
	Seq       int    `json:"seq"` // position within the run, from 1
	Playbook  string `json:"playbook,omitempty"`
	Kind      string `json:"kind"`
	Step      string `json:"step"`
	From      string `json:"from,omitempty"` // set for transitions only
	To        string `json:"to,omitempty"`
	Decision  string `json:"decision"`
	Reasoning string `json:"reasoning"`
	PrevHash  string `json:"prev_hash"`
}

// IsTransition reports whether the entry records a state change.
func (e Entry) IsTransition() bool { return e.Kind == KindTransition }
