package p2p

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const ipLimiterIdleTTL = 10 * time.Minute

// acceptLimiter throttles inbound sockets globally and per remote IP before
// they are wrapped in a Connection.
type acceptLimiter struct {
	global *rate.Limiter

	perIPRate  rate.Limit
	perIPBurst int

	mu      sync.Mutex
	perIP   map[string]*ipBucket
	lastGC  time.Time
	nowFunc func() time.Time
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newAcceptLimiter(perSecond float64, burst int, perIPPerSecond float64, perIPBurst int) *acceptLimiter {
	if perSecond <= 0 && perIPPerSecond <= 0 {
		return nil
	}
	l := &acceptLimiter{
		perIP:   make(map[string]*ipBucket),
		nowFunc: time.Now,
	}
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		l.global = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	if perIPPerSecond > 0 {
		if perIPBurst < 1 {
			perIPBurst = 1
		}
		l.perIPRate = rate.Limit(perIPPerSecond)
		l.perIPBurst = perIPBurst
	}
	return l
}

// allow reports whether a socket from remote may be admitted.
func (l *acceptLimiter) allow(remote net.Addr) bool {
	if l == nil {
		return true
	}
	now := l.nowFunc()
	if l.perIPRate > 0 {
		if ip := remoteIP(remote); ip != "" && !l.allowIP(ip, now) {
			return false
		}
	}
	if l.global != nil && !l.global.AllowN(now, 1) {
		return false
	}
	return true
}

func (l *acceptLimiter) allowIP(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastGC) > ipLimiterIdleTTL {
		for key, bucket := range l.perIP {
			if now.Sub(bucket.lastSeen) > ipLimiterIdleTTL {
				delete(l.perIP, key)
			}
		}
		l.lastGC = now
	}
	bucket := l.perIP[ip]
	if bucket == nil {
		bucket = &ipBucket{limiter: rate.NewLimiter(l.perIPRate, l.perIPBurst)}
		l.perIP[ip] = bucket
	}
	bucket.lastSeen = now
	return bucket.limiter.AllowN(now, 1)
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	return host
}
