package service

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"goim-realtime/pkg/metrics"
)

// 断开原因
const (
	ReasonClient    = "client"
	ReasonIdle      = "idle_timeout"
	ReasonHeartbeat = "heartbeat"
	ReasonError     = "error"
	ReasonDrain     = "server_drain"
)

// CloseSignal 传输层关闭连接时使用的关闭码与文案
type CloseSignal struct {
	Code   int
	Text   string
	Reason string
}

func normalClose(reason string) CloseSignal {
	return CloseSignal{Code: websocket.CloseNormalClosure, Reason: reason}
}

var (
	closeIdle  = CloseSignal{Code: websocket.CloseNormalClosure, Text: "idle timeout", Reason: ReasonIdle}
	closeDrain = CloseSignal{Code: websocket.CloseServiceRestart, Text: "server restarting", Reason: ReasonDrain}
)

// Connection 本进程持有的一条客户端连接
// 出站帧写入有界队列，由传输层的写协程消费；队列满时丢弃并计数。
type Connection struct {
	ID          string
	UserID      string
	DeviceID    string
	ConnectedAt time.Time

	lastActivity atomic.Int64
	send         chan []byte

	done      chan struct{}
	closeOnce sync.Once
	signal    CloseSignal

	mu       sync.Mutex
	rooms    map[string]struct{}
	watching map[string]struct{}
	idle     *time.Timer
}

// NewConnection 创建连接，queueSize 为出站队列长度
func NewConnection(id, userID, deviceID string, queueSize int) *Connection {
	if queueSize <= 0 {
		queueSize = 256
	}
	now := time.Now()
	c := &Connection{
		ID:          id,
		UserID:      userID,
		DeviceID:    deviceID,
		ConnectedAt: now,
		send:        make(chan []byte, queueSize),
		done:        make(chan struct{}),
		rooms:       make(map[string]struct{}),
		watching:    make(map[string]struct{}),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// Send 出站队列
func (c *Connection) Send() <-chan []byte {
	return c.send
}

// Done 连接被关闭后关闭
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Enqueue 非阻塞投递一帧
func (c *Connection) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		metrics.OutboundDropped.Inc()
		return false
	}
}

// Close 请求关闭连接，只有第一次调用生效
func (c *Connection) Close(sig CloseSignal) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.signal = sig
		if c.idle != nil {
			c.idle.Stop()
		}
		c.mu.Unlock()
		close(c.done)
	})
}

// CloseSignal 关闭原因，未关闭时为零值
func (c *Connection) CloseSignal() CloseSignal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signal
}

// LastActivity 最近一次入站帧的时间
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Rooms 连接加入的房间
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

// InRoom 是否在房间中
func (c *Connection) InRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

func (c *Connection) addRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[roomID]; ok {
		return false
	}
	c.rooms[roomID] = struct{}{}
	return true
}

func (c *Connection) removeRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[roomID]; !ok {
		return false
	}
	delete(c.rooms, roomID)
	return true
}

func (c *Connection) addWatch(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.watching[userID]; ok {
		return false
	}
	c.watching[userID] = struct{}{}
	return true
}

func (c *Connection) removeWatch(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.watching[userID]; !ok {
		return false
	}
	delete(c.watching, userID)
	return true
}

func (c *Connection) watched() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.watching))
	for u := range c.watching {
		out = append(out, u)
	}
	return out
}

// connTable 本进程连接表，按连接、用户、房间、在线状态订阅建立索引
type connTable struct {
	mu       sync.RWMutex
	byID     map[string]*Connection
	byUser   map[string]map[string]*Connection
	byRoom   map[string]map[string]*Connection
	watchers map[string]map[string]*Connection
}

func newConnTable() *connTable {
	return &connTable{
		byID:     make(map[string]*Connection),
		byUser:   make(map[string]map[string]*Connection),
		byRoom:   make(map[string]map[string]*Connection),
		watchers: make(map[string]map[string]*Connection),
	}
}

func addIndex(idx map[string]map[string]*Connection, key string, c *Connection) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]*Connection)
		idx[key] = set
	}
	set[c.ID] = c
}

func removeIndex(idx map[string]map[string]*Connection, key, connID string) {
	if set, ok := idx[key]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

func (t *connTable) add(c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[c.ID] = c
	addIndex(t.byUser, c.UserID, c)
}

func (t *connTable) remove(c *Connection) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[c.ID]; !ok {
		return false
	}
	delete(t.byID, c.ID)
	removeIndex(t.byUser, c.UserID, c.ID)
	return true
}

func (t *connTable) get(connID string) (*Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.byID[connID]
	return c, ok
}

func (t *connTable) joinRoom(roomID string, c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	addIndex(t.byRoom, roomID, c)
}

func (t *connTable) leaveRoom(roomID, connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	removeIndex(t.byRoom, roomID, connID)
}

func (t *connTable) watch(userID string, c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	addIndex(t.watchers, userID, c)
}

func (t *connTable) unwatch(userID, connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	removeIndex(t.watchers, userID, connID)
}

func snapshot(set map[string]*Connection) []*Connection {
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (t *connTable) userConns(userID string) []*Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return snapshot(t.byUser[userID])
}

func (t *connTable) roomConns(roomID string) []*Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return snapshot(t.byRoom[roomID])
}

func (t *connTable) watcherConns(userID string) []*Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return snapshot(t.watchers[userID])
}

func (t *connTable) all() []*Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return snapshot(t.byID)
}

func (t *connTable) users() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.byUser))
	for u := range t.byUser {
		out = append(out, u)
	}
	return out
}

func (t *connTable) rooms() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.byRoom))
	for r := range t.byRoom {
		out = append(out, r)
	}
	return out
}

func (t *connTable) counts() (conns, users, rooms int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID), len(t.byUser), len(t.byRoom)
}
