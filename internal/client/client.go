package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	pb "github.com/ppiankov/playwatch/api/enginev1"
	"github.com/ppiankov/playwatch/internal/approval"
	"github.com/ppiankov/playwatch/internal/engine"
	"github.com/ppiankov/playwatch/internal/model"
	"github.com/ppiankov/playwatch/internal/playbook"
	"github.com/ppiankov/playwatch/internal/policy"
)

// Client connects to a playwatch gRPC server.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// New creates a gRPC client for addr. The connection is established lazily.
func New(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to playwatch server: %w", err)
	}
	return &Client{conn: conn, timeout: 5 * time.Second}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req, out any) error {
	in, err := pb.Encode(req)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, pb.FullMethod(method), in, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return pb.Decode(resp, out)
}

// Validate checks a playbook document on the server.
func (c *Client) Validate(ctx context.Context, document []byte) (*pb.ValidateResponse, error) {
	var out pb.ValidateResponse
	if err := c.call(ctx, pb.MethodValidate, pb.ValidateRequest{Document: string(document)}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DryRun previews a registered playbook against sample.
func (c *Client) DryRun(ctx context.Context, name string, sample map[string]any) (*engine.DryRunResult, error) {
	var out engine.DryRunResult
	if err := c.call(ctx, pb.MethodDryRun, pb.DryRunRequest{Playbook: name, Context: sample}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Trigger starts a run and returns its id.
func (c *Client) Trigger(ctx context.Context, name string, alert map[string]any) (string, error) {
	var out pb.TriggerResponse
	if err := c.call(ctx, pb.MethodTrigger, pb.TriggerRequest{Playbook: name, Alert: alert}, &out); err != nil {
		return "", err
	}
	return out.RunID, nil
}

// GetRun returns a run and its audit trail.
func (c *Client) GetRun(ctx context.Context, runID string) (*engine.RunRecord, error) {
	var out engine.RunRecord
	if err := c.call(ctx, pb.MethodGetRun, pb.RunRequest{RunID: runID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRuns returns runs newest first.
func (c *Client) ListRuns(ctx context.Context, req pb.ListRunsRequest) ([]*model.ExecutionRun, error) {
	var out struct {
		Runs []*model.ExecutionRun `json:"runs"`
	}
	if err := c.call(ctx, pb.MethodListRuns, req, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// ListPlaybooks returns the server's registered playbooks.
func (c *Client) ListPlaybooks(ctx context.Context) ([]playbook.Summary, error) {
	var out struct {
		Playbooks []playbook.Summary `json:"playbooks"`
	}
	if err := c.call(ctx, pb.MethodListPlaybooks, struct{}{}, &out); err != nil {
		return nil, err
	}
	return out.Playbooks, nil
}

// Rollback restores a terminal run's snapshot.
func (c *Client) Rollback(ctx context.Context, runID string) (*engine.RollbackResult, error) {
	var out engine.RollbackResult
	if err := c.call(ctx, pb.MethodRollback, pb.RunRequest{RunID: runID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Approve releases a run parked for approval.
func (c *Client) Approve(ctx context.Context, runID, by, note string) error {
	return c.call(ctx, pb.MethodApprove, pb.ResolveRequest{RunID: runID, By: by, Note: note}, nil)
}

// Deny rejects a run parked for approval.
func (c *Client) Deny(ctx context.Context, runID, by, note string) error {
	return c.call(ctx, pb.MethodDeny, pb.ResolveRequest{RunID: runID, By: by, Note: note}, nil)
}

// ListPending returns open approval requests.
func (c *Client) ListPending(ctx context.Context) ([]approval.Approval, error) {
	var out struct {
		Approvals []approval.Approval `json:"approvals"`
	}
	if err := c.call(ctx, pb.MethodListPending, struct{}{}, &out); err != nil {
		return nil, err
	}
	return out.Approvals, nil
}

// Authorize asks the server's policy whether action may run.
// Fail-closed: returns a deny verdict on any RPC error.
func (c *Client) Authorize(ctx context.Context, action, environment, resource string) (policy.Verdict, error) {
	var out policy.Verdict
	err := c.call(ctx, pb.MethodAuthorize, pb.AuthorizeRequest{
		Action:      action,
		Environment: environment,
		Resource:    resource,
	}, &out)
	if err != nil {
		return policy.Verdict{
			Allow:    false,
			Reason:   fmt.Sprintf("policy server unreachable: %v", err),
			PolicyID: "failclosed.unreachable",
		}, nil
	}
	return out, nil
}

var _ policy.Evaluator = (*Client)(nil)
