package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime/debug"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/TFMV/polyroute/pkg/errors"
)

// RecoveryMiddleware provides panic recovery middleware.
type RecoveryMiddleware struct {
	logger zerolog.Logger
	stderr io.Writer
}

// NewRecoveryMiddleware creates a new recovery middleware.
func NewRecoveryMiddleware(logger zerolog.Logger) *RecoveryMiddleware {
	return &RecoveryMiddleware{
		logger: logger,
		stderr: os.Stderr,
	}
}

// Handler turns a panicking handler into a 500 response.
func (m *RecoveryMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			// the server must still abort the connection
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			m.handlePanic(rec, r.Method+" "+r.URL.Path)

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(errors.New(errors.CodeInternal, "internal server error"))
		}()

		next.ServeHTTP(w, r)
	})
}

// UnaryInterceptor returns a unary server interceptor for panic recovery.
func (m *RecoveryMiddleware) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				m.handlePanic(r, info.FullMethod)
				err = status.Errorf(codes.Internal, "internal server error")
			}
		}()

		return handler(ctx, req)
	}
}

// handlePanic logs panic information.
func (m *RecoveryMiddleware) handlePanic(r interface{}, where string) {
	stack := debug.Stack()

	m.logger.Error().
		Str("where", where).
		Interface("panic", r).
		Str("stack", string(stack)).
		Msg("Panic recovered")

	fmt.Fprintf(m.stderr, "PANIC in %s: %v\n%s\n", where, r, stack)
}
