// internal/middleware/middleware_test.go
package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/SyedDaiam9101/mri-classifier/internal/metrics"
)

func TestUnaryRequestIDInterceptor_GeneratesID(t *testing.T) {
	interceptor := UnaryRequestIDInterceptor()

	// Create a mock handler that captures the context
	var capturedCtx context.Context
	mockHandler := func(ctx context.Context, req interface{}) (interface{}, error) {
		capturedCtx = ctx
		return "response", nil
	}

	// Call with empty context (no incoming metadata)
	ctx := context.Background()
	info := &grpc.UnaryServerInfo{FullMethod: "/test.Service/Method"}

	_, err := interceptor(ctx, nil, info, mockHandler)
	if err != nil {
		t.Fatalf("Interceptor failed: %v", err)
	}

	// Verify request ID was generated and added to context
	requestID := GetRequestID(capturedCtx)
	if requestID == "" {
		t.Error("Expected request ID to be generated, got empty string")
	}

	// Verify it looks like a UUID (36 chars with dashes)
	if len(requestID) != 36 {
		t.Errorf("Expected UUID format (36 chars), got %d chars: %s", len(requestID), requestID)
	}
}

func TestUnaryRequestIDInterceptor_PreservesExistingID(t *testing.T) {
	interceptor := UnaryRequestIDInterceptor()

	existingID := "test-request-id-12345"

	var capturedCtx context.Context
	mockHandler := func(ctx context.Context, req interface{}) (interface{}, error) {
		capturedCtx = ctx
		return "response", nil
	}

	// Create context with incoming metadata containing request ID
	md := metadata.Pairs(RequestIDHeader, existingID)
	ctx := metadata.NewIncomingContext(context.Background(), md)
	info := &grpc.UnaryServerInfo{FullMethod: "/test.Service/Method"}

	_, err := interceptor(ctx, nil, info, mockHandler)
	if err != nil {
		t.Fatalf("Interceptor failed: %v", err)
	}

	// Verify the existing request ID was preserved
	requestID := GetRequestID(capturedCtx)
	if requestID != existingID {
		t.Errorf("Expected request ID %s, got %s", existingID, requestID)
	}
}

func TestGetRequestID_EmptyContext(t *testing.T) {
	ctx := context.Background()
	requestID := GetRequestID(ctx)
	if requestID != "" {
		t.Errorf("Expected empty request ID from empty context, got %s", requestID)
	}
}

func TestUnaryRequestIDInterceptor_RejectsOversizedID(t *testing.T) {
	interceptor := UnaryRequestIDInterceptor()

	var captured string
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		captured = GetRequestID(ctx)
		return nil, nil
	}
	md := metadata.Pairs(RequestIDHeader, strings.Repeat("a", 500))
	ctx := metadata.NewIncomingContext(context.Background(), md)

	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/test.Service/Method"}, handler)
	require.NoError(t, err)
	assert.Len(t, captured, 36)
}

func TestUnaryMetricsInterceptor_RecordsCode(t *testing.T) {
	interceptor := UnaryMetricsInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	before := testutil.CollectAndCount(metrics.GRPCServerHandlingSeconds)

	_, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = interceptor(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, errors.New("plain")
	})
	assert.Error(t, err)
	assert.Equal(t, before+2, testutil.CollectAndCount(metrics.GRPCServerHandlingSeconds))
}

func TestUnaryMetricsInterceptor_LogsFailuresWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	saved := log.DefaultLogger
	log.DefaultLogger = log.Logger{Level: log.InfoLevel, Writer: &log.IOWriter{Writer: &buf}}
	defer func() { log.DefaultLogger = saved }()

	interceptor := UnaryMetricsInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	ctx := WithRequestID(context.Background(), "req-42")

	_, _ = interceptor(ctx, nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})
	assert.Empty(t, buf.String())

	_, _ = interceptor(ctx, nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.Internal, "boom")
	})
	assert.Contains(t, buf.String(), `"request_id":"req-42"`)
	assert.Contains(t, buf.String(), `"code":"Internal"`)
	assert.Contains(t, buf.String(), "gRPC call failed")
}

func TestRequestID_HTTP(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, seen, 36)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "has space")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.NotEqual(t, "has space", seen)
}

func TestMetrics_HTTP(t *testing.T) {
	h := Metrics("/test/route", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	count := testutil.CollectAndCount(metrics.HTTPServerHandlingSeconds, "http_server_handling_seconds")
	assert.Positive(t, count)
}

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := CORS([]string{"http://localhost:3000", "https://app.example.com/"})(next)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/model/predict", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.True(t, AllowOrigin([]string{"*"}, "http://anything"))
}
