package server

import (
	"MarginLedger/internal/event"
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "margin.v1.MarginService"

// marginServer is the handler type the service descriptor checks against
type marginServer interface {
	Command(ctx context.Context, et event.EventType, body json.RawMessage) (*CommandResponse, error)
}

// unary builds a method descriptor around a typed call.
func unary[Req any, Resp any](name string, call func(*MarginService, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*MarginService)
			handler := func(ctx context.Context, req any) (any, error) {
				resp, err := call(s, ctx, req.(*Req))
				if err != nil {
					return nil, toStatus(err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func commandMethod(c command) grpc.MethodDesc {
	et := c.Type
	return unary(c.Method, func(s *MarginService, ctx context.Context, body *json.RawMessage) (*CommandResponse, error) {
		return s.Command(ctx, et, *body)
	})
}

func serviceDesc() *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*marginServer)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "margin/v1/margin.proto",
	}
	for _, c := range commands {
		desc.Methods = append(desc.Methods, commandMethod(c))
	}
	desc.Methods = append(desc.Methods,
		unary("GetUser", (*MarginService).GetUser),
		unary("GetAccount", (*MarginService).GetAccount),
		unary("GetPosition", (*MarginService).GetPosition),
		unary("ListPositions", (*MarginService).ListPositions),
		unary("GetMarginCall", (*MarginService).GetMarginCall),
		unary("GetAggregates", (*MarginService).GetAggregates),
	)
	return desc
}

// GRPCServer serves MarginService plus health and reflection.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	logger     zerolog.Logger
}

func NewGRPCServer(addr string, svc *MarginService, logger zerolog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	grpcServer.RegisterService(serviceDesc(), svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer: grpcServer,
		health:     healthServer,
		addr:       addr,
		logger:     logger,
	}
}

// SetServing flips the health status reported for the service.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Start serves until ctx is cancelled, then stops gracefully.
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.addr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Debug().Err(err).Str("method", info.FullMethod).Msg("rpc failed")
		}
		return resp, err
	}
}
