// internal/middleware/metrics.go
package middleware

import (
	"context"
	"time"

	"github.com/phuslu/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/SyedDaiam9101/mri-classifier/internal/metrics"
)

// UnaryMetricsInterceptor records the latency of every unary call under its
// method and status code. Calls that fail for a reason other than an unknown
// health service or a client cancel are logged with the request id, so it must
// run after UnaryRequestIDInterceptor.
func UnaryMetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		elapsed := time.Since(start)

		// status.Code maps non-status errors to Unknown.
		code := status.Code(err)
		metrics.RecordGRPCLatency(info.FullMethod, code.String(), elapsed.Seconds())

		switch code {
		case codes.OK, codes.NotFound, codes.Canceled:
		default:
			log.Warn().
				Str("request_id", GetRequestID(ctx)).
				Str("method", info.FullMethod).
				Str("code", code.String()).
				Dur("elapsed", elapsed).
				Err(err).
				Msg("gRPC call failed")
		}
		return resp, err
	}
}
