package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"inventory-ops-engine/internal/models"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	WindowMinutes     int
}

// rateLimitEntry tracks one client's window
type rateLimitEntry struct {
	count     int
	resetTime time.Time
}

// RateLimiter applies a fixed-window per-client limit
type RateLimiter struct {
	config        RateLimitConfig
	clients       map[string]*rateLimitEntry
	mutex         sync.Mutex
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

// RateLimitInfo contains rate limit information for response headers
type RateLimitInfo struct {
	Limit     int
	Remaining int
	ResetTime time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.WindowMinutes <= 0 {
		config.WindowMinutes = 1
	}

	rl := &RateLimiter{
		config:      config,
		clients:     make(map[string]*rateLimitEntry),
		stopCleanup: make(chan struct{}),
	}

	rl.cleanupTicker = time.NewTicker(time.Minute)
	go rl.cleanupExpiredEntries()

	slog.Info("Rate limiter initialized",
		"enabled", config.Enabled,
		"requests_per_minute", config.RequestsPerMinute,
		"window_minutes", config.WindowMinutes)

	return rl
}

// Stop stops the rate limiter and cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.cleanupTicker.Stop()
	close(rl.stopCleanup)
}

func (rl *RateLimiter) cleanupExpiredEntries() {
	for {
		select {
		case <-rl.cleanupTicker.C:
			rl.mutex.Lock()
			now := time.Now()
			for client, entry := range rl.clients {
				if now.After(entry.resetTime) {
					delete(rl.clients, client)
				}
			}
			rl.mutex.Unlock()
		case <-rl.stopCleanup:
			return
		}
	}
}

// IsAllowed checks whether the client may proceed and consumes one slot
func (rl *RateLimiter) IsAllowed(clientIP string) (bool, *RateLimitInfo) {
	if !rl.config.Enabled {
		return true, &RateLimitInfo{Limit: -1, Remaining: -1}
	}

	now := time.Now()
	windowDuration := time.Duration(rl.config.WindowMinutes) * time.Minute
	limit := rl.config.RequestsPerMinute

	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	entry, exists := rl.clients[clientIP]
	if !exists {
		entry = &rateLimitEntry{}
		rl.clients[clientIP] = entry
	}

	if now.After(entry.resetTime) {
		entry.count = 0
		entry.resetTime = now.Add(windowDuration)
	}

	info := &RateLimitInfo{
		Limit:     limit,
		Remaining: limit - entry.count - 1,
		ResetTime: entry.resetTime,
	}

	if entry.count >= limit {
		info.Remaining = 0
		return false, info
	}

	entry.count++
	info.Remaining = limit - entry.count
	return true, info
}

// RateLimitMiddleware creates a rate limiting middleware using an existing rate limiter
func RateLimitMiddleware(rateLimiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Health checks are never throttled
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := GetClientIP(r)
			allowed, info := rateLimiter.IsAllowed(clientIP)

			setRateLimitHeaders(w, info)

			if !allowed {
				slog.Warn("Rate limit exceeded",
					"client_ip", clientIP,
					"path", r.URL.Path,
					"method", r.Method,
					"limit", info.Limit,
					"reset_time", info.ResetTime.Format(time.RFC3339))

				writeRateLimitErrorResponse(w, info)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetClientIP extracts the client IP address from the request
func GetClientIP(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs, take the first one
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			ip := strings.TrimSpace(ips[0])
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if net.ParseIP(xri) != nil {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// setRateLimitHeaders sets rate limit headers in the response
func setRateLimitHeaders(w http.ResponseWriter, info *RateLimitInfo) {
	if info.Limit >= 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		if !info.ResetTime.IsZero() {
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
		}
	}
}

// writeRateLimitErrorResponse writes a rate limit exceeded error response
func writeRateLimitErrorResponse(w http.ResponseWriter, info *RateLimitInfo) {
	w.Header().Set("Content-Type", "application/json")

	if !info.ResetTime.IsZero() {
		w.Header().Set("Retry-After", fmt.Sprintf("%.0f", time.Until(info.ResetTime).Seconds()))
	}
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(models.NewErrorResponse(
		"rate_limit_exceeded",
		"Rate limit exceeded. Please try again later.",
		fmt.Sprintf("Exceeded %d requests per window", info.Limit)))
}
