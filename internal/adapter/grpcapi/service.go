package grpcapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/catalog"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/events"
)

const (
	ServiceName = "cyberduel.v1.CyberDuel"

	methodListAttacks = "/" + ServiceName + "/ListAttacks"
	methodGetAttack   = "/" + ServiceName + "/GetAttack"
	methodExecute     = "/" + ServiceName + "/Execute"

	apiKeyMetadata = "x-api-key"
)

// Runner executes one test job while streaming into sink.
type Runner interface {
	Execute(ctx context.Context, job domain.TestJob, sink domain.EventSink) (*domain.TestResult, error)
}

// CyberDuelServer is the service behind ServiceDesc. Messages are
// google.protobuf.Struct documents carrying the same JSON shapes as the
// HTTP API.
type CyberDuelServer interface {
	ListAttacks(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetAttack(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Execute(req *structpb.Struct, stream grpc.ServerStream) error
}

// ServiceDesc describes the CyberDuel service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CyberDuelServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListAttacks", Handler: listAttacksHandler},
		{MethodName: "GetAttack", Handler: getAttackHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Execute", Handler: executeHandler, ServerStreams: true},
	},
	Metadata: "cyberduel/v1/cyberduel.proto",
}

func listAttacksHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CyberDuelServer).ListAttacks(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodListAttacks}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(CyberDuelServer).ListAttacks(ctx, req.(*structpb.Struct))
	})
}

func getAttackHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CyberDuelServer).GetAttack(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetAttack}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(CyberDuelServer).GetAttack(ctx, req.(*structpb.Struct))
	})
}

func executeHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(CyberDuelServer).Execute(in, stream)
}

// Config contains gRPC front door configuration
type Config struct {
	APIKey          string
	TestMaxDuration time.Duration
	Limits          domain.JobLimits
}

// Service implements CyberDuelServer on top of the orchestrator.
type Service struct {
	Log *log.Entry

	cfg     Config
	runner  Runner
	catalog *catalog.Catalog
	mirror  func(testID string) domain.EventSink
}

type Option func(*Service)

func WithLogger(l *log.Entry) Option { return func(s *Service) { s.Log = l } }

// WithMirror adds a per-run sink next to the client stream.
func WithMirror(f func(testID string) domain.EventSink) Option {
	return func(s *Service) { s.mirror = f }
}

func NewService(cfg Config, runner Runner, cat *catalog.Catalog, opts ...Option) *Service {
	s := &Service{
		Log:     log.WithField("component", "grpcapi"),
		cfg:     cfg,
		runner:  runner,
		catalog: cat,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewServer builds a grpc.Server with the CyberDuel and health services.
func NewServer(svc *Service, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(svc.unaryAuth),
		grpc.ChainStreamInterceptor(svc.streamAuth),
	)
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&ServiceDesc, svc)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs
}

func (s *Service) ListAttacks(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	attacks := s.catalog.Query(
		fields["tactic"].GetStringValue(),
		fields["severity"].GetStringValue(),
		fields["q"].GetStringValue(),
	)
	return toStruct(map[string]any{"status": "success", "total": len(attacks), "attacks": attacks})
}

func (s *Service) GetAttack(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := strings.ToUpper(req.GetFields()["ttp_id"].GetStringValue())
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "ttp_id is required")
	}
	tech, ok := s.catalog.Get(id)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "attack %s not found", id)
	}
	return toStruct(map[string]any{"status": "success", "attack": tech})
}

// Execute runs the job and streams every event, then a completion message.
// The run continues when the client goes away.
func (s *Service) Execute(req *structpb.Struct, stream grpc.ServerStream) error {
	raw, err := req.MarshalJSON()
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	job, err := domain.DecodeJob(raw)
	if err == nil {
		err = job.Validate(s.cfg.Limits)
	}
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	logger := s.Log.WithFields(log.Fields{"test_id": job.TestID, "stream_id": uuid.NewString()})
	es := events.NewStream(events.WithMirror(logger))
	var sink domain.EventSink = es
	if s.mirror != nil {
		if m := s.mirror(job.TestID); m != nil {
			sink = events.Tee{m, es}
		}
	}

	runCtx := context.WithoutCancel(stream.Context())
	var cancel context.CancelFunc = func() {}
	if s.cfg.TestMaxDuration > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, s.cfg.TestMaxDuration)
	}
	go func() {
		defer cancel()
		if _, err := s.runner.Execute(runCtx, job, sink); err != nil {
			logger.WithError(err).Warn("test run failed")
		}
	}()

	for {
		ev, err := es.Next(stream.Context())
		if errors.Is(err, events.ErrStreamEnded) {
			done, _ := structpb.NewStruct(map[string]any{"status": events.CompletedStatus})
			return stream.SendMsg(done)
		}
		if err != nil {
			logger.WithError(err).Info("client disconnected, run continues")
			return status.FromContextError(err).Err()
		}
		msg, err := toStruct(ev)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}
}

func (s *Service) authorized(ctx context.Context) error {
	if s.cfg.APIKey == "" {
		return nil
	}
	md, _ := metadata.FromIncomingContext(ctx)
	for _, v := range md.Get(apiKeyMetadata) {
		if subtle.ConstantTimeCompare([]byte(v), []byte(s.cfg.APIKey)) == 1 {
			return nil
		}
	}
	return status.Error(codes.Unauthenticated, "invalid or missing API key")
}

func (s *Service) unaryAuth(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if strings.HasPrefix(info.FullMethod, "/"+ServiceName+"/") {
		if err := s.authorized(ctx); err != nil {
			return nil, err
		}
	}
	return handler(ctx, req)
}

func (s *Service) streamAuth(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if strings.HasPrefix(info.FullMethod, "/"+ServiceName+"/") {
		if err := s.authorized(ss.Context()); err != nil {
			return err
		}
	}
	return handler(srv, ss)
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return structpb.NewStruct(m)
}
