// Package auth 实现连接准入时使用的访问控制门
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/life-stream-broker/internal/logger"
)

// Authenticator 校验 CONNECT 中携带的用户名和密码。
// 实现必须自行控制超时，不能无限阻塞连接准入
type Authenticator interface {
	Authenticate(username, password string) bool
}

// Func 把普通函数适配为 Authenticator
type Func func(username, password string) bool

func (f Func) Authenticate(username, password string) bool {
	return f(username, password)
}

// AllowAll 未配置凭据校验时的默认行为：全部放行
var AllowAll Authenticator = Func(func(string, string) bool { return true })

// Gate 访问控制门，predicate 为空时无条件放行
type Gate struct {
	predicate Authenticator
}

func NewGate(predicate Authenticator) *Gate {
	return &Gate{predicate: predicate}
}

func (g *Gate) Check(username, password string) bool {
	if g == nil || g.predicate == nil {
		return true
	}
	return g.predicate.Authenticate(username, password)
}

// Cache 在凭据存储前面缓存校验结果，避免每次连接都访问后端
type Cache struct {
	next    Authenticator
	results *expirable.LRU[string, bool]
}

func NewCache(next Authenticator, size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 1024
	}
	return &Cache{
		next:    next,
		results: expirable.NewLRU[string, bool](size, nil, ttl),
	}
}

func cacheKey(username, password string) string {
	// 缓存键不保存明文密码
	sum := sha256.Sum256([]byte(username + "\x00" + password))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) Authenticate(username, password string) bool {
	key := cacheKey(username, password)
	if accepted, ok := c.results.Get(key); ok {
		return accepted
	}
	accepted := c.next.Authenticate(username, password)
	c.results.Add(key, accepted)
	logger.DebugF("Credential check for %q cached, accepted=%v", username, accepted)
	return accepted
}

// Purge 清空缓存，凭据变更后调用
func (c *Cache) Purge() {
	c.results.Purge()
}
