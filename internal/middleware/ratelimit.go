package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"qkd-key-manager/pkg/httputil"
)

// RateLimitObserver はレート制限による拒否を受け取る。
type RateLimitObserver interface {
	RateLimited()
}

const (
	// limiterTTL を超えて使われていないクライアントのリミッターは破棄する。
	limiterTTL = 10 * time.Minute
	// limiterCleanupPeriod は破棄処理の最小間隔。
	limiterCleanupPeriod = time.Minute
)

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// limiterPool はクライアントごとのリミッターを保持する。
// 保持数は直近 ttl 内にアクセスしたクライアント数に抑えられる。
type limiterPool struct {
	mu          sync.Mutex
	m           map[string]*limiterEntry
	rps         float64
	burst       int
	ttl         time.Duration
	period      time.Duration
	lastCleanup time.Time
	now         func() time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	return &limiterPool{
		m:      make(map[string]*limiterEntry),
		rps:    rps,
		burst:  burst,
		ttl:    limiterTTL,
		period: limiterCleanupPeriod,
		now:    time.Now,
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.cleanupLocked(now)

	if e, ok := p.m[key]; ok {
		e.lastSeen = now
		return e.l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = &limiterEntry{l: l, lastSeen: now}
	return l
}

// cleanupLocked は period ごとに、ttl を超えて使われていないリミッターを削除する。
// 呼び出し側でロックを保持すること。
func (p *limiterPool) cleanupLocked(now time.Time) {
	if now.Sub(p.lastCleanup) < p.period {
		return
	}
	p.lastCleanup = now
	cutoff := now.Add(-p.ttl)
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
		}
	}
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// RateLimit はクライアントIPごとにリクエストを制限するミドルウェアを返す。
// rps が 0 以下の場合は制限しない。
func RateLimit(rps float64, burst int, observer RateLimitObserver) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst <= 0 {
		burst = 1
	}
	pool := newLimiterPool(rps, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !pool.get(clientKey(r)).Allow() {
				if observer != nil {
					observer.RateLimited()
				}
				w.Header().Set("Retry-After", "1")
				httputil.Error(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
