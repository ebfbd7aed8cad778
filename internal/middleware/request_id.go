// internal/middleware/request_id.go
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

const (
	// RequestIDHeader is the header and metadata key carrying the request ID
	RequestIDHeader = "X-Request-ID"

	// maxRequestIDLen bounds client-supplied IDs before they reach the logs.
	maxRequestIDLen = 128
)

// requestIDKey is the context key for storing the request ID
type requestIDKey struct{}

// WithRequestID returns a copy of ctx carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// RequestID reuses the caller's X-Request-ID or generates a UUID, stores it in
// the request context and echoes it in the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := sanitize(r.Header.Get(RequestIDHeader))
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

// UnaryRequestIDInterceptor is the gRPC counterpart of RequestID. The ID is
// read from incoming metadata and returned as a response header.
func UnaryRequestIDInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		id := sanitize(extractRequestID(ctx))
		if id == "" {
			id = uuid.New().String()
		}
		ctx = WithRequestID(ctx, id)

		// The header may already be sent; the call still proceeds.
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, id))

		return handler(ctx, req)
	}
}

// extractRequestID extracts the request ID from incoming metadata
func extractRequestID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(RequestIDHeader)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// sanitize drops IDs that are too long or contain non-printable bytes.
func sanitize(id string) string {
	if len(id) > maxRequestIDLen {
		return ""
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return ""
		}
	}
	return id
}
