package main

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"tourflow/internal/observability"
)

type rateLimiter interface {
	Wait(ctx context.Context) error
}

// meteredLimiter records how long callers spent waiting for a token.
type meteredLimiter struct {
	limiter rateLimiter
	metrics *observability.Metrics
	now     func() time.Time
}

func newMeteredLimiter(limiter rateLimiter, metrics *observability.Metrics) *meteredLimiter {
	return &meteredLimiter{limiter: limiter, metrics: metrics, now: time.Now}
}

func (m *meteredLimiter) Wait(ctx context.Context) error {
	start := m.now()
	err := m.limiter.Wait(ctx)
	if waited := m.now().Sub(start); waited > time.Millisecond {
		m.metrics.RateLimited()
		m.metrics.AddRateLimitWait(waited)
	}
	return err
}

type rateLimitedServerStream struct {
	grpc.ServerStream
	limiter rateLimiter
}

func (s *rateLimitedServerStream) RecvMsg(m any) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(s.Context()); err != nil {
			return err
		}
	}
	return s.ServerStream.RecvMsg(m)
}

func rateLimitUnaryInterceptor(limiter rateLimiter, metrics *observability.Metrics, log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		span := &observability.CallSpan{}
		start := time.Now()
		if shouldTrackMethod(info.FullMethod) {
			span = metrics.Start(info.FullMethod)
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				span.End(err)
				return nil, err
			}
		}
		resp, err := handler(ctx, req)
		span.End(err)
		if err != nil && shouldTrackMethod(info.FullMethod) {
			log.Warn().Err(err).Str("method", info.FullMethod).Dur("elapsed", time.Since(start)).Msg("grpc unary call failed")
		}
		return resp, err
	}
}

func rateLimitStreamInterceptor(limiter rateLimiter, metrics *observability.Metrics, log zerolog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		span := &observability.CallSpan{}
		start := time.Now()
		if shouldTrackMethod(info.FullMethod) {
			span = metrics.Start(info.FullMethod)
		}
		if limiter != nil {
			stream = &rateLimitedServerStream{ServerStream: stream, limiter: limiter}
		}
		err := handler(srv, stream)
		span.End(err)
		if err != nil && shouldTrackMethod(info.FullMethod) {
			log.Warn().Err(err).Str("method", info.FullMethod).Dur("elapsed", time.Since(start)).Msg("grpc stream failed")
		}
		return err
	}
}

func shouldTrackMethod(method string) bool {
	return method != "" && !strings.HasPrefix(method, "/grpc.reflection.")
}
