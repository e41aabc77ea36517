package mw

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"demeet/internal/auth"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter 为每个 key 维护一个令牌桶；空闲超过 idle 的桶在 sweep 时回收。
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func NewLimiter(limit rate.Limit, burst int, idle time.Duration) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		burst:   burst,
		idle:    idle,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

func (l *Limiter) allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = l.now()
	l.mu.Unlock()
	return b.lim.Allow()
}

// sweep 删除空闲桶，返回删除数量。
func (l *Limiter) sweep() int {
	cutoff := l.now().Add(-l.idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

// Run 按 interval 周期回收空闲桶，直到 Stop。
func (l *Limiter) Run(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			l.sweep()
		}
	}
}

// Stop 可重复调用。
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// ByIP 按客户端 IP 与路由限速，用于未登录即可访问的接口。
func (l *Limiter) ByIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		l.check(c, "ip:"+clientIP(c.Request.RemoteAddr)+"|"+route(c))
	}
}

// ByUser 按登录用户与路由限速，同一用户多个 IP 共享额度；须挂在鉴权中间件之后，
// 未登录时退回按 IP 计数。
func (l *Limiter) ByUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + clientIP(c.Request.RemoteAddr)
		if uid := auth.GetUserID(c); uid != 0 {
			key = "user:" + strconv.FormatUint(uint64(uid), 10)
		}
		l.check(c, key+"|"+route(c))
	}
}

func (l *Limiter) check(c *gin.Context, key string) {
	if !l.allow(key) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"statusCode": http.StatusTooManyRequests,
			"success":    false,
			"message":    "Too many requests",
			"data":       nil,
			"errors":     []string{},
		})
		return
	}
	c.Next()
}

func route(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return c.Request.URL.Path
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
