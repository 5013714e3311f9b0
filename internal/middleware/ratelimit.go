package middleware

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// RateLimitConfig holds configuration for the rate limiter interceptors.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate limit (tokens added per second).
	RequestsPerSecond float64
	// Burst is the maximum number of requests allowed in a burst.
	Burst int
	// Methods lists the full gRPC method names that are limited. Empty limits
	// every method.
	Methods []string
	// OnReject, when set, is called for every rejected call.
	OnReject func(method string)
}

// clientLimiter tracks a per-client rate limiter and when it was last seen.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a per-client token-bucket limit on gRPC calls. Clients
// are keyed by peer host.
type RateLimiter struct {
	cfg     RateLimitConfig
	methods map[string]struct{}

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	methods := make(map[string]struct{}, len(cfg.Methods))
	for _, m := range cfg.Methods {
		methods[m] = struct{}{}
	}
	return &RateLimiter{cfg: cfg, methods: methods, clients: make(map[string]*clientLimiter)}
}

// Run removes clients idle for more than ten minutes every five minutes until
// ctx is done.
func (l *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evictIdle(10 * time.Minute)
		}
	}
}

func (l *RateLimiter) evictIdle(idle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, cl := range l.clients {
		if time.Since(cl.lastSeen) > idle {
			delete(l.clients, key)
		}
	}
}

// UnaryInterceptor rejects unary calls over the limit with ResourceExhausted.
func (l *RateLimiter) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := l.allow(ctx, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor rejects streaming calls over the limit with ResourceExhausted.
func (l *RateLimiter) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := l.allow(ss.Context(), info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func (l *RateLimiter) allow(ctx context.Context, method string) error {
	if len(l.methods) > 0 {
		if _, limited := l.methods[method]; !limited {
			return nil
		}
	}

	limiter := l.limiter(clientKey(ctx))
	reservation := limiter.Reserve()
	if !reservation.OK() {
		// Limiter cannot grant the request even with infinite wait.
		l.rejected(method)
		return status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		l.rejected(method)
		retryAfter := int(delay.Seconds()) + 1
		return status.Error(codes.ResourceExhausted, fmt.Sprintf("rate limit exceeded, retry after %ds", retryAfter))
	}
	return nil
}

func (l *RateLimiter) rejected(method string) {
	if l.cfg.OnReject != nil {
		l.cfg.OnReject(method)
	}
}

func (l *RateLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cl, ok := l.clients[key]; ok {
		cl.lastSeen = time.Now()
		return cl.limiter
	}
	limiter := rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)
	l.clients[key] = &clientLimiter{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

// clientKey extracts the peer host, stripping the port. Metadata supplied by
// the client is ignored so the limit cannot be bypassed by spoofing it.
func clientKey(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}
