// Package enginev1 is the wire contract of the playwatch.v1.Engine gRPC
// service. Every method takes and returns a google.protobuf.Struct whose
// fields are the JSON form of the request and response types below.
package enginev1

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/playwatch/internal/playbook"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "playwatch.v1.Engine"

// Method names.
const (
	MethodValidate      = "Validate"
	MethodDryRun        = "DryRun"
	MethodTrigger       = "Trigger"
	MethodGetRun        = "GetRun"
	MethodListRuns      = "ListRuns"
	MethodListPlaybooks = "ListPlaybooks"
	MethodRollback      = "Rollback"
	MethodApprove       = "Approve"
	MethodDeny          = "Deny"
	MethodListPending   = "ListPending"
	MethodAuthorize     = "Authorize"
)

// FullMethod returns the invoke path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

type ValidateRequest struct {
	Document string `json:"document"`
}

type ValidateResponse struct {
	IsValid  bool                  `json:"is_valid"`
	Errors   []playbook.FieldError `json:"errors"`
	Warnings []playbook.FieldError `json:"warnings"`
}

// DryRunRequest previews a registered playbook, or Document when set.
type DryRunRequest struct {
	Playbook string         `json:"playbook,omitempty"`
	Document string         `json:"document,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

type TriggerRequest struct {
	Playbook string         `json:"playbook"`
	Alert    map[string]any `json:"alert"`
}

type TriggerResponse struct {
	RunID string `json:"run_id"`
}

// RunRequest addresses one run.
type RunRequest struct {
	RunID string `json:"run_id"`
}

type ListRunsRequest struct {
	Playbook string `json:"playbook,omitempty"`
	State    string `json:"state,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// ResolveRequest approves or denies a parked run.
type ResolveRequest struct {
	RunID string `json:"run_id"`
	By    string `json:"by,omitempty"`
	Note  string `json:"note,omitempty"`
}

type ResolveResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

type AuthorizeRequest struct {
	Action      string `json:"action"`
	Environment string `json:"environment"`
	Resource    string `json:"resource"`
}

// Encode converts v to a Struct through its JSON form.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	m := map[string]any{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("encode: %T is not an object: %w", v, err)
	}
	return structpb.NewStruct(m)
}

// Decode fills v from s through its JSON form. A nil s leaves v unchanged.
func Decode(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	data, err := s.MarshalJSON()
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode into %T: %w", v, err)
	}
	return nil
}
