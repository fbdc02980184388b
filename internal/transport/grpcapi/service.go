// Package grpcapi exposes the loot engine over gRPC with a JSON codec.
package grpcapi

import (
	"context"

	"google.golang.org/grpc"

	"github.com/xtding233/gacha-economy/internal/economy"
	"github.com/xtding233/gacha-economy/internal/stats"
	"github.com/xtding233/gacha-economy/internal/worker"
)

const ServiceName = "loot.v1.LootService"

// LootServer is the service contract.
type LootServer interface {
	OpenPack(ctx context.Context, req *OpenPackRequest) (*OpenPackResponse, error)
	Credit(ctx context.Context, req *CreditRequest) (*CreditResponse, error)
	PityStatus(ctx context.Context, req *UserRequest) (*PityStatusResponse, error)
	CollectionProgress(ctx context.Context, req *UserRequest) (*CollectionResponse, error)
	Quote(ctx context.Context, req *QuoteRequest) (*QuoteResponse, error)
}

// Service implements LootServer on the coordinator and the stats reporter.
// Writes run on the worker pool.
type Service struct {
	coord *economy.Coordinator
	stats *stats.Reporter
	pool  *worker.Pool
}

var _ LootServer = (*Service)(nil)

func NewService(coord *economy.Coordinator, reporter *stats.Reporter, pool *worker.Pool) *Service {
	return &Service{coord: coord, stats: reporter, pool: pool}
}

func (s *Service) OpenPack(ctx context.Context, req *OpenPackRequest) (*OpenPackResponse, error) {
	var res economy.OpenResult
	err := s.pool.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.coord.OpenPack(ctx, req.UserID, req.PackType, req.Count)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &OpenPackResponse{Pulls: res.Pulls, NewBalance: res.NewBalance}, nil
}

func (s *Service) Credit(ctx context.Context, req *CreditRequest) (*CreditResponse, error) {
	var bal uint64
	err := s.pool.Do(ctx, func(ctx context.Context) error {
		var err error
		bal, err = s.coord.Credit(ctx, req.UserID, req.Amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &CreditResponse{Balance: bal}, nil
}

func (s *Service) PityStatus(ctx context.Context, req *UserRequest) (*PityStatusResponse, error) {
	pools, err := s.stats.PityStatus(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	return &PityStatusResponse{Pools: pools}, nil
}

func (s *Service) CollectionProgress(ctx context.Context, req *UserRequest) (*CollectionResponse, error) {
	c, err := s.stats.CollectionProgress(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	return &CollectionResponse{Collection: c}, nil
}

func (s *Service) Quote(_ context.Context, req *QuoteRequest) (*QuoteResponse, error) {
	plan, err := s.coord.Quote(req.PackType, req.Pulls, req.Budget)
	if err != nil {
		return nil, err
	}
	return &QuoteResponse{Plan: plan}, nil
}

// RegisterLootServer attaches srv to s.
func RegisterLootServer(s grpc.ServiceRegistrar, srv LootServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LootServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "OpenPack", Handler: unary("OpenPack", func(srv LootServer, ctx context.Context, req *OpenPackRequest) (interface{}, error) {
			return srv.OpenPack(ctx, req)
		})},
		{MethodName: "Credit", Handler: unary("Credit", func(srv LootServer, ctx context.Context, req *CreditRequest) (interface{}, error) {
			return srv.Credit(ctx, req)
		})},
		{MethodName: "PityStatus", Handler: unary("PityStatus", func(srv LootServer, ctx context.Context, req *UserRequest) (interface{}, error) {
			return srv.PityStatus(ctx, req)
		})},
		{MethodName: "CollectionProgress", Handler: unary("CollectionProgress", func(srv LootServer, ctx context.Context, req *UserRequest) (interface{}, error) {
			return srv.CollectionProgress(ctx, req)
		})},
		{MethodName: "Quote", Handler: unary("Quote", func(srv LootServer, ctx context.Context, req *QuoteRequest) (interface{}, error) {
			return srv.Quote(ctx, req)
		})},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "loot/v1/loot.json",
}

// unary adapts a typed handler to grpc's method handler signature.
func unary[Req any](method string, call func(LootServer, context.Context, *Req) (interface{}, error)) grpc.MethodHandler {
	full := "/" + ServiceName + "/" + method
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LootServer), ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		return interceptor(ctx, req, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(LootServer), ctx, req.(*Req))
		})
	}
}
