// Package middleware provides the gin middleware chain shared by every
// route: request identification and access logging.
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RequestIDHeader is set on each HTTP response. The value is unique per
// request.
const RequestIDHeader = "X-Request-Id"

type requestIDKey struct{}

// InitID returns the ID used to identify the request. If tracing is enabled
// it is the trace ID, otherwise a new ULID.
func InitID(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.TraceID().IsValid() {
		return spanCtx.TraceID().String()
	}
	return ulid.Make().String()
}

// RequestIDFromContext returns the request ID stamped by RequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestID stamps every request with an ID, echoes it in the response
// header, and attaches it to the active span.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := InitID(ctx)

		trace.SpanFromContext(ctx).SetAttributes(attribute.String("request_id", id))
		c.Writer.Header().Set(RequestIDHeader, id)
		c.Request = c.Request.WithContext(context.WithValue(ctx, requestIDKey{}, id))

		c.Next()
	}
}
