/*
Package middleware provides the HTTP middleware shared by every gateway route.

# Request ID (requestid.go)

RequestIDMiddleware assigns each request an id and exposes it through:
  - The request context (accessible via GetRequestID)
  - The X-Request-ID response header

An inbound X-Request-ID is kept when it is short and printable, so ids set by
a fronting load balancer survive into logs and audit records.

# Logging (logging.go)

LoggingMiddleware provides structured request logging using slog:
  - Logs request start (method, path, remote_addr)
  - Logs request completion (status, duration)
  - Supports custom log fields via AddLogField/AddError

# Middleware Chain Order

 1. RequestIDMiddleware
 2. LoggingMiddleware
 3. Recoverer
 4. OTel instrumentation
 5. CORS
 6. the gateway pipeline (authenticated routes only)
*/
package middleware
