package rpc

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"agentbank.org/internal/auth"
	"agentbank.org/internal/ledger"
	"agentbank.org/internal/obs"
	"agentbank.org/internal/processor"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "agentbank.ledger.v1.LedgerService"

	actorKey = "x-agentbank-actor"
	authKey  = "authorization"
)

// LedgerServer is the server API for the ledger service.
type LedgerServer interface {
	ProcessTransaction(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReverseTransaction(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PostJournal(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AdjustFloat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetTrialBalance(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func unaryHandler(call func(LedgerServer, context.Context, *structpb.Struct) (*structpb.Struct, error), method string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LedgerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(LedgerServer), ctx, req.(*structpb.Struct))
		})
	}
}

// ServiceDesc describes LedgerService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ProcessTransaction", Handler: unaryHandler(LedgerServer.ProcessTransaction, "ProcessTransaction")},
		{MethodName: "ReverseTransaction", Handler: unaryHandler(LedgerServer.ReverseTransaction, "ReverseTransaction")},
		{MethodName: "PostJournal", Handler: unaryHandler(LedgerServer.PostJournal, "PostJournal")},
		{MethodName: "AdjustFloat", Handler: unaryHandler(LedgerServer.AdjustFloat, "AdjustFloat")},
		{MethodName: "GetTrialBalance", Handler: unaryHandler(LedgerServer.GetTrialBalance, "GetTrialBalance")},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "agentbank/ledger/v1/ledger.proto",
}

// Deps are the services behind the gRPC surface.
type Deps struct {
	Processor   *processor.Processor
	Coordinator *ledger.Coordinator
	Floats      *ledger.FloatAccounts
	Checker     *ledger.Checker
	// Verifier, when set, requires a bearer token in the authorization metadata.
	Verifier *auth.Verifier
	Ready    func(ctx context.Context) error
	Logger   *zap.Logger
}

// Server implements LedgerServer.
type Server struct {
	d      Deps
	log    *zap.Logger
	health *health.Server
}

func NewServer(d Deps) *Server {
	log := d.Logger
	if log == nil {
		log = obs.Logger()
	}
	return &Server{d: d, log: log, health: health.NewServer()}
}

// GRPCServer builds a grpc.Server with the ledger and health services registered.
func (s *Server) GRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(s.recoverUnary, s.logUnary, s.authenticate)}, opts...)
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&ServiceDesc, s)
	healthpb.RegisterHealthServer(gs, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return gs
}

// CheckReady reflects the readiness check in the health service.
func (s *Server) CheckReady(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if s.d.Ready != nil {
		if err := s.d.Ready(ctx); err != nil {
			s.log.Warn("grpc not ready", zap.Error(err))
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// WatchReady polls readiness until ctx ends.
func (s *Server) WatchReady(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s.CheckReady(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-t.C:
			s.CheckReady(ctx)
		}
	}
}

func (s *Server) recoverUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("grpc panic", zap.String("method", info.FullMethod), zap.Any("panic", rec), zap.Stack("stack"))
			err = status.Error(codes.Internal, "internal error")
		}
	}()
	return next(ctx, req)
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := next(ctx, req)
	s.log.Info("grpc",
		zap.String("method", info.FullMethod),
		zap.String("code", status.Code(err).String()),
		zap.Duration("duration", time.Since(start)),
	)
	return resp, err
}

func (s *Server) authenticate(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	if s.d.Verifier == nil {
		if id := first(md, actorKey); id != "" {
			ctx = auth.ContextWithActor(ctx, auth.Actor{ID: id})
		}
		return next(ctx, req)
	}
	raw := first(md, authKey)
	if len(raw) < 7 || !strings.EqualFold(raw[:7], "bearer ") {
		return nil, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	claims, err := s.d.Verifier.Verify(strings.TrimSpace(raw[7:]))
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	return next(auth.ContextWithActor(ctx, auth.Actor{ID: claims.Subject, Roles: claims.Roles, BranchID: claims.BranchID}), req)
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}

// statusError maps ledger errors onto gRPC codes.
func statusError(err error) error {
	if err == nil {
		return nil
	}
	var verr *ledger.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, ledger.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrAccountInactive),
		errors.Is(err, ledger.ErrAlreadyReversed),
		errors.Is(err, ledger.ErrNonZeroBalance),
		errors.Is(err, ledger.ErrMissingAccountMapping),
		errors.Is(err, ledger.ErrConflict):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ledger.ErrStoreUnavailable):
		return status.Error(codes.Unavailable, "store unavailable")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

func reply(v any, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, statusError(err)
	}
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func decode(in *structpb.Struct, v any) error {
	if err := fromStruct(in, v); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

func (s *Server) ProcessTransaction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var ev ledger.Event
	if err := decode(in, &ev); err != nil {
		return nil, err
	}
	ev.Actor = auth.ActorID(ctx, ev.Actor)
	if ev.BranchID == "" {
		if actor, ok := auth.ActorFromContext(ctx); ok {
			ev.BranchID = actor.BranchID
		}
	}
	return reply(s.d.Processor.Process(ctx, ev))
}

type reverseRequest struct {
	SourceModule        string `json:"source_module"`
	SourceTransactionID string `json:"source_transaction_id"`
	Reason              string `json:"reason"`
	Actor               string `json:"actor,omitempty"`
}

func (s *Server) ReverseTransaction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req reverseRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return reply(s.d.Processor.Reverse(ctx, req.SourceModule, req.SourceTransactionID, auth.ActorID(ctx, req.Actor), req.Reason))
}

func (s *Server) PostJournal(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ledger.PostingRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.SourceModule) == "" {
		req.SourceModule = ledger.ModuleManual
	}
	req.Actor = auth.ActorID(ctx, req.Actor)
	return reply(s.d.Coordinator.PostTransaction(ctx, req))
}

type adjustRequest struct {
	FloatAccountID string `json:"float_account_id"`
	Delta          int64  `json:"delta"`
	CauseReference string `json:"cause_reference"`
}

func (s *Server) AdjustFloat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req adjustRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return reply(s.d.Floats.AdjustBalance(ctx, req.FloatAccountID, req.Delta, req.CauseReference))
}

type trialBalanceRequest struct {
	AsOf time.Time `json:"as_of"`
}

// GetTrialBalance reports an unbalanced ledger in the response, not as an error.
func (s *Server) GetTrialBalance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req trialBalanceRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	tb, err := s.d.Checker.Run(ctx, req.AsOf)
	if errors.Is(err, ledger.ErrIntegrityViolation) {
		err = nil
	}
	return reply(tb, err)
}
