package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/joseph-ayodele/transcript-pipeline/internal/common"
)

// UnaryLogger tags each call with a request id and logs its outcome.
func UnaryLogger(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx = common.WithRequestID(ctx, uuid.NewString())
		start := time.Now()
		resp, err := handler(ctx, req)
		log := common.LoggerFrom(ctx, logger).With("method", info.FullMethod, "elapsed", time.Since(start))
		if err != nil {
			log.Warn("grpc.call.failed", "code", status.Code(err).String(), "error", err)
		} else {
			log.Debug("grpc.call")
		}
		return resp, err
	}
}

type requestStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s requestStream) Context() context.Context { return s.ctx }

// StreamLogger is UnaryLogger for streaming calls.
func StreamLogger(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := common.WithRequestID(ss.Context(), uuid.NewString())
		start := time.Now()
		err := handler(srv, requestStream{ServerStream: ss, ctx: ctx})
		log := common.LoggerFrom(ctx, logger).With("method", info.FullMethod, "elapsed", time.Since(start))
		if err != nil {
			log.Warn("grpc.stream.failed", "code", status.Code(err).String(), "error", err)
		} else {
			log.Debug("grpc.stream.closed")
		}
		return err
	}
}
