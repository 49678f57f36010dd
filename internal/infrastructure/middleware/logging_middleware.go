package middleware

import (
	"time"

	"camrelay/pkg/logger"
	"camrelay/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

const requestIDHeader = "X-Request-ID"

// RequestLoggerMiddleware tags the request context with a request id (and
// the trace id when a span is recording) and logs one line per request.
// It must run after TracingMiddleware.
func RequestLoggerMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" || len(requestID) > 64 {
			requestID = utils.GenerateRequestID()
		}
		c.Header(requestIDHeader, requestID)

		ctx := logger.WithRequestID(c.Request.Context(), requestID)
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			ctx = logger.WithTraceID(ctx, sc.TraceID().String())
		}
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		if userID, ok := UserID(c); ok {
			ctx = logger.WithUserID(ctx, string(userID))
		}
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		cl.LogRequest(ctx, c.Request.Method, route, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
