package connection

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/life-stream-dev/life-stream-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-broker/internal/mqtt"
)

// Connection 一条连接在核心侧的生命周期记录
type Connection struct {
	Client          Client
	ClientID        string
	CleanSession    bool
	ProtocolVersion mqtt.ProtocolVersion
	Username        string
	Will            *mqtt.Message

	graceful atomic.Bool
	closing  atomic.Bool
}

// MarkGraceful 收到 DISCONNECT 后调用，遗嘱随之作废
func (c *Connection) MarkGraceful() {
	c.graceful.Store(true)
}

func (c *Connection) Graceful() bool {
	return c.graceful.Load()
}

// Claim 只有第一次调用返回 true，用于保证关闭流程只执行一次
func (c *Connection) Claim() bool {
	return c.closing.CompareAndSwap(false, true)
}

func (c *Connection) Closing() bool {
	return c.closing.Load()
}

// Registry 连接注册表。同一个客户端标识同一时刻只绑定一条连接
type Registry struct {
	mu       sync.RWMutex
	byClient map[Client]*Connection
	byID     map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{
		byClient: make(map[Client]*Connection),
		byID:     make(map[string]*Connection),
	}
}

// Add 登记一条尚未完成 CONNECT 的连接
func (r *Registry) Add(client Client) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.byClient[client]; ok {
		return conn
	}
	conn := &Connection{Client: client}
	r.byClient[client] = conn
	logger.DebugF("[%s] Connection registered", client.RemoteAddr())
	return conn
}

// Get 按句柄查找连接记录
func (r *Registry) Get(client Client) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byClient[client]
	return conn, ok
}

// Bind 把客户端标识绑定到 conn 上，返回被顶替的旧连接（没有则为 nil）
func (r *Registry) Bind(clientID string, conn *Connection) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn.ClientID = clientID
	r.byClient[conn.Client] = conn
	previous, ok := r.byID[clientID]
	r.byID[clientID] = conn
	if !ok || previous == conn {
		return nil
	}
	logger.InfoF("[%s] Client id already in use by %s, taking over", clientID, previous.Client.RemoteAddr())
	return previous
}

// Lookup 返回当前绑定在 clientID 上的在线连接句柄
func (r *Registry) Lookup(clientID string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byID[clientID]
	if !ok || conn.Closing() {
		return nil, false
	}
	return conn.Client, true
}

// Owner 返回当前绑定在 clientID 上的连接记录（包括正在关闭的）
func (r *Registry) Owner(clientID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byID[clientID]
	return conn, ok
}

// Remove 注销连接；只有标识仍绑定在该连接上时才解除绑定
func (r *Registry) Remove(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byClient, conn.Client)
	if conn.ClientID != "" && r.byID[conn.ClientID] == conn {
		delete(r.byID, conn.ClientID)
	}
}

// All 返回全部连接记录，按客户端标识排序。
// ClientID 由 Bind 在写锁下修改，排序必须在持锁期间完成
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Connection, 0, len(r.byClient))
	for _, conn := range r.byClient {
		result = append(result, conn)
	}
	slices.SortFunc(result, func(a, b *Connection) int {
		switch {
		case a.ClientID < b.ClientID:
			return -1
		case a.ClientID > b.ClientID:
			return 1
		}
		return 0
	})
	return result
}

// Len 已绑定客户端标识的连接数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
