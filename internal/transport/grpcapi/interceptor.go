package grpcapi

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/xtding233/gacha-economy/internal/economy"
	"github.com/xtding233/gacha-economy/internal/gacha"
	"github.com/xtding233/gacha-economy/internal/logger"
	"github.com/xtding233/gacha-economy/internal/worker"
)

// Code maps a domain error to a gRPC status code.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, economy.ErrInsufficientFunds):
		return codes.FailedPrecondition
	case errors.Is(err, economy.ErrAllocationFailed), errors.Is(err, economy.ErrConcurrencyConflict):
		return codes.Aborted
	case errors.Is(err, gacha.ErrSupplyExhausted), errors.Is(err, worker.ErrOverloaded):
		return codes.ResourceExhausted
	case errors.Is(err, gacha.ErrConfig), errors.Is(err, economy.ErrInvalidRequest):
		return codes.InvalidArgument
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// ErrorInterceptor turns domain errors into statuses and logs each call.
func ErrorInterceptor(l logger.Logger) grpc.UnaryServerInterceptor {
	log := l.Named("grpc")
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err == nil {
			log.Debug("rpc ok", "method", info.FullMethod, "elapsed", time.Since(start))
			return resp, nil
		}
		if _, ok := status.FromError(err); ok {
			return nil, err
		}
		code := Code(err)
		if code == codes.Internal {
			log.Error("rpc failed", "method", info.FullMethod, "error", err)
		} else {
			log.Debug("rpc rejected", "method", info.FullMethod, "code", code.String(), "error", err)
		}
		return nil, status.Error(code, err.Error())
	}
}

// RateLimitInterceptor rejects calls beyond rps with ResourceExhausted.
// rps <= 0 disables it.
func RateLimitInterceptor(rps float64, burst int) grpc.UnaryServerInterceptor {
	if rps <= 0 {
		return func(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
			return handler(ctx, req)
		}
	}
	if burst <= 0 {
		burst = max(1, int(rps*2))
	}
	lim := rate.NewLimiter(rate.Limit(rps), burst)
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !lim.Allow() {
			return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded for %s", info.FullMethod)
		}
		return handler(ctx, req)
	}
}
