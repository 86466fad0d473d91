package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bskqd/bgram/internal/bus"
	"github.com/bskqd/bgram/internal/metrics"

	"github.com/gorilla/websocket"
)

// 连接状态机：PENDING（socket 已打开未通过校验）→ ACCEPTED（已订阅并收发）
// → CLOSED（终态：客户端断开、服务端强制关闭或进程停机）。
const (
	StatePending int32 = iota
	StateAccepted
	StateClosed
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Conn 是一条已接受的 websocket 连接：持有属主、底层 socket 和事件总线订阅。
// 进程本地、不持久化。
type Conn struct {
	registry *Registry
	sock     *websocket.Conn
	sub      bus.Subscription
	userID   uint
	nickname string
	channels []string
	state    int32
	once     sync.Once
}

// newConn 在权限校验通过、socket 升级和订阅都完成后构造连接并登记。
func newConn(reg *Registry, sock *websocket.Conn, sub bus.Subscription, userID uint, nickname string, channels []string) *Conn {
	c := &Conn{
		registry: reg,
		sock:     sock,
		sub:      sub,
		userID:   userID,
		nickname: nickname,
		channels: channels,
		state:    StateAccepted,
	}
	reg.add(c)
	metrics.WsConnections.Inc()
	return c
}

// State 返回连接当前状态。
func (c *Conn) State() int32 {
	return atomic.LoadInt32(&c.state)
}

// Run 并发等待两个事件源：总线订阅的下一条事件（转发给 socket）和 socket
// 自身的入站流（仅用于探测客户端断开）。先结束的一方触发另一方的拆除。
func (c *Conn) Run() {
	go c.relayPump()
	c.readPump()
}

// relayPump 把订阅到的事件原样写给客户端，按周期发 ping 保活。
func (c *Conn) relayPump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Disconnect()
	}()
	for {
		select {
		case ev, ok := <-c.sub.Events():
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.sock.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, ev.Payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 只为探测断开：协议是纯服务端推送，入站载荷一律忽略。
func (c *Conn) readPump() {
	defer c.Disconnect()
	c.sock.SetReadLimit(1 << 20) // 1MB
	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.sock.ReadMessage(); err != nil {
			return
		}
	}
}

// Disconnect 幂等关闭：退订事件总线并关闭 socket，可安全重复调用。
func (c *Conn) Disconnect() {
	c.once.Do(func() {
		atomic.StoreInt32(&c.state, StateClosed)
		_ = c.sub.Close()
		_ = c.sock.Close()
		c.registry.remove(c)
		metrics.WsConnections.Dec()
	})
}
