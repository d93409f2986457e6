package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/r3e-network/neo-dbft/pkg/utils"
)

type contextKey string

const ctxKeyRequestID contextKey = "request_id"

const maxRequestIDLen = 64

func (s *Server) middlewareRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if !isValidRequestID(requestID) {
			requestID = uuid.NewString()
		}
		ctx := utils.ContextWithComponent(context.WithValue(r.Context(), ctxKeyRequestID, requestID), "api")
		w.Header().Set(HeaderRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) middlewareLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		fields := []zap.Field{
			utils.ZapString("request_id", getRequestID(r.Context())),
			utils.ZapString("method", r.Method),
			utils.ZapString("path", r.URL.Path),
			utils.ZapString("client_ip", getClientIP(r)),
			utils.ZapInt("status", wrapped.statusCode),
			utils.ZapInt64("duration_ms", time.Since(start).Milliseconds()),
		}
		switch {
		case wrapped.statusCode >= 500:
			s.logger.ErrorContext(r.Context(), "request error", fields...)
		case wrapped.statusCode >= 400:
			s.logger.WarnContext(r.Context(), "request client error", fields...)
		default:
			s.logger.DebugContext(r.Context(), "request completed", fields...)
		}
	})
}

func (s *Server) middlewarePanicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				requestID := getRequestID(r.Context())
				s.logger.Error("panic recovered",
					utils.ZapString("request_id", requestID),
					utils.ZapString("path", r.URL.Path),
					utils.ZapAny("panic", rec),
					utils.ZapString("stack", string(debug.Stack())))
				if s.audit != nil {
					_ = s.audit.Error("api_panic", map[string]interface{}{
						"request_id": requestID,
						"path":       r.URL.Path,
						"panic":      fmt.Sprintf("%v", rec),
					})
				}
				writeErrorResponse(w, r, utils.CodeInternal, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) middlewareIPAllowlist(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowlist) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		clientIP := remoteIP(r)
		ip := net.ParseIP(clientIP)
		if ip == nil || !ipAllowed(s.allowlist, ip) {
			s.logger.Warn("IP not allowed", utils.ZapString("client_ip", clientIP))
			if s.audit != nil {
				_ = s.audit.Security("api_ip_denied", map[string]interface{}{
					"client_ip":  clientIP,
					"path":       r.URL.Path,
					"request_id": getRequestID(r.Context()),
				})
			}
			writeErrorResponse(w, r, "IP_NOT_ALLOWED", "IP not allowed", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) middlewareRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := getClientIdentifier(r)
		allowed, reset := s.rateLimiter.Allow(clientID)
		w.Header().Set(HeaderRateLimitLimit, strconv.Itoa(s.config.RateLimitPerMinute))
		w.Header().Set(HeaderRateLimitReset, strconv.FormatInt(reset, 10))
		if !allowed {
			w.Header().Set(HeaderRateLimitRemaining, "0")
			s.logger.Warn("rate limit exceeded",
				utils.ZapString("client_id", clientID),
				utils.ZapString("path", r.URL.Path))
			writeErrorResponse(w, r, "RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) middlewareSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Cache-Control", "no-store")
		if s.config.TLSEnabled() {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) middlewareConcurrencyLimit(next http.Handler) http.Handler {
	if s.sem == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		default:
			writeErrorResponse(w, r, utils.CodeUnavailable, "too many concurrent requests", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) middlewareBodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
		}
		next.ServeHTTP(w, r)
	})
}

// responseWriter captures the status code for logging.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

func getRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}

func isValidRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		if !(c == '-' || c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}

// getClientIP honours proxy headers; it is used for logging only. Access
// decisions use remoteIP.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return remoteIP(r)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func getClientIdentifier(r *http.Request) string {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return fmt.Sprintf("cert:%x", r.TLS.PeerCertificates[0].SerialNumber)
	}
	return "ip:" + remoteIP(r)
}

func ipAllowed(list []net.IPNet, ip net.IP) bool {
	for i := range list {
		if list[i].Contains(ip) {
			return true
		}
	}
	return false
}
