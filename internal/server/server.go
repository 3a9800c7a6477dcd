package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	pb "github.com/ppiankov/playwatch/api/enginev1"
	"github.com/ppiankov/playwatch/internal/engine"
	"github.com/ppiankov/playwatch/internal/model"
	"github.com/ppiankov/playwatch/internal/playbook"
	"github.com/ppiankov/playwatch/internal/policy"
	"github.com/ppiankov/playwatch/internal/policydiff"
)

// Config holds gRPC server configuration.
type Config struct {
	Addr        string
	PlaybookDir string
	PolicyPath  string
}

// EngineService is the handler set registered for playwatch.v1.Engine.
type EngineService interface {
	Validate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DryRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Trigger(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRuns(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPlaybooks(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Rollback(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Approve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Deny(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPending(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Authorize(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type handlerFunc func(EngineService, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call handlerFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(EngineService)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pb.FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(svc, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes playwatch.v1.Engine for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: pb.ServiceName,
	HandlerType: (*EngineService)(nil),
	Methods: []grpc.MethodDesc{
		unary(pb.MethodValidate, EngineService.Validate),
		unary(pb.MethodDryRun, EngineService.DryRun),
		unary(pb.MethodTrigger, EngineService.Trigger),
		unary(pb.MethodGetRun, EngineService.GetRun),
		unary(pb.MethodListRuns, EngineService.ListRuns),
		unary(pb.MethodListPlaybooks, EngineService.ListPlaybooks),
		unary(pb.MethodRollback, EngineService.Rollback),
		unary(pb.MethodApprove, EngineService.Approve),
		unary(pb.MethodDeny, EngineService.Deny),
		unary(pb.MethodListPending, EngineService.ListPending),
		unary(pb.MethodAuthorize, EngineService.Authorize),
	},
	Metadata: "playwatch/v1/engine",
}

// Server exposes an engine over gRPC.
type Server struct {
	engine *engine.Engine
	policy *policy.Local
	cfg    Config
	log    logrus.FieldLogger

	grpcServer *grpc.Server
}

// New registers eng on a new gRPC server. pol answers Authorize and is
// swapped by Reload; nil serves the default policy.
func New(eng *engine.Engine, pol *policy.Local, cfg Config, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if pol == nil {
		pol = policy.NewLocal(nil, "")
	}
	s := &Server{
		engine: eng,
		policy: pol,
		cfg:    cfg,
		log:    log,
	}
	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(logUnary(log)))
	s.grpcServer.RegisterService(&ServiceDesc, s)
	return s
}

// Serve listens on the configured address. Blocks until stopped.
func (s *Server) Serve() error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.ServeOn(lis)
}

// ServeOn serves on the given listener.
func (s *Server) ServeOn(lis net.Listener) error {
	s.log.WithField("addr", lis.Addr().String()).Info("grpc server listening")
	return s.grpcServer.Serve(lis)
}

// GracefulStop drains in-flight calls and stops the server.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
}

// Reload re-reads the policy file and the playbook directory. A policy that
// fails to parse leaves the previous one active.
func (s *Server) Reload() error {
	var errs []error
	if cfg, hash, err := policy.LoadConfigWithHash(s.cfg.PolicyPath); err != nil {
		errs = append(errs, fmt.Errorf("failed to reload policy: %w", err))
	} else {
		prev, prevHash := s.policy.Config()
		s.policy.Swap(cfg, hash)
		if hash != prevHash {
			diff := policydiff.Diff(prev, cfg)
			s.log.WithFields(logrus.Fields{"policy_hash": hash, "changes": policydiff.Summary(diff)}).Info("policy reloaded")
		}
	}
	if s.cfg.PlaybookDir != "" {
		defs, err := s.engine.Registry().LoadDir(s.cfg.PlaybookDir)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to reload playbooks: %w", err))
		}
		s.log.WithField("loaded", len(defs)).Info("playbooks reloaded")
		s.engine.ListPlaybooks()
	}
	return errors.Join(errs...)
}

func (s *Server) Validate(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req pb.ValidateRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	res := s.engine.Validate([]byte(req.Document))
	return encode(pb.ValidateResponse{IsValid: res.IsValid(), Errors: res.Errors, Warnings: res.Warnings})
}

func (s *Server) DryRun(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req pb.DryRunRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	var (
		out *engine.DryRunResult
		err error
	)
	switch {
	case req.Document != "":
		out, err = s.engine.DryRunDocument([]byte(req.Document), req.Context)
	case req.Playbook != "":
		out, err = s.engine.DryRun(req.Playbook, req.Context)
	default:
		return nil, status.Error(codes.InvalidArgument, "playbook or document is required")
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(out)
}

func (s *Server) Trigger(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req pb.TriggerRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.Playbook == "" {
		return nil, status.Error(codes.InvalidArgument, "playbook is required")
	}
	id, err := s.engine.Trigger(ctx, req.Playbook, req.Alert)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(pb.TriggerResponse{RunID: id})
}

func (s *Server) GetRun(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req pb.RunRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	rec, err := s.engine.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(rec)
}

func (s *Server) ListRuns(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req pb.ListRunsRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	runs, err := s.engine.ListRuns(ctx, engine.RunFilter{
		Playbook: req.Playbook,
		State:    model.State(req.State),
		Limit:    req.Limit,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"runs": runs})
}

func (s *Server) ListPlaybooks(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return encode(map[string]any{"playbooks": s.engine.ListPlaybooks()})
}

func (s *Server) Rollback(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req pb.RunRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	res, err := s.engine.Rollback(ctx, req.RunID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(res)
}

func (s *Server) Approve(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req pb.ResolveRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := s.engine.Approve(req.RunID, req.By, req.Note); err != nil {
		return nil, toStatus(err)
	}
	return encode(pb.ResolveResponse{RunID: req.RunID, Status: "approved"})
}

func (s *Server) Deny(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req pb.ResolveRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := s.engine.Deny(req.RunID, req.By, req.Note); err != nil {
		return nil, toStatus(err)
	}
	return encode(pb.ResolveResponse{RunID: req.RunID, Status: "denied"})
}

func (s *Server) ListPending(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	list, err := s.engine.PendingApprovals()
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"approvals": list})
}

// Authorize answers policy queries from engines configured with a remote
// policy address.
func (s *Server) Authorize(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req pb.AuthorizeRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.Action == "" {
		return encode(policy.Verdict{Allow: false, Reason: "missing action"})
	}
	v, err := s.policy.Authorize(ctx, req.Action, req.Environment, req.Resource)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(v)
}

func decode(in *structpb.Struct, v any) error {
	if err := pb.Decode(in, v); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

func encode(v any) (*structpb.Struct, error) {
	out, err := pb.Encode(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// toStatus maps engine errors onto gRPC codes.
func toStatus(err error) error {
	var ve *playbook.ValidationError
	code := codes.Internal
	switch {
	case errors.Is(err, engine.ErrRunNotFound), errors.Is(err, engine.ErrPlaybookNotFound):
		code = codes.NotFound
	case errors.Is(err, engine.ErrTriggerMismatch), errors.Is(err, engine.ErrInvalidAlert), errors.As(err, &ve):
		code = codes.InvalidArgument
	case errors.Is(err, engine.ErrNotAwaitingApproval), errors.Is(err, engine.ErrRunActive), errors.Is(err, engine.ErrNoSnapshot):
		code = codes.FailedPrecondition
	case errors.Is(err, engine.ErrRateLimited):
		code = codes.ResourceExhausted
	case errors.Is(err, engine.ErrClosed):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}

func logUnary(log logrus.FieldLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		entry := log.WithFields(logrus.Fields{
			"method":   info.FullMethod,
			"code":     status.Code(err).String(),
			"duration": time.Since(start).String(),
		})
		if err != nil {
			entry.WithError(err).Warn("rpc failed")
		} else {
			entry.Debug("rpc")
		}
		return resp, err
	}
}
