package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"feed-ledger-go/metrics"
)

// State 会话状态机。重连通过显式循环完成，不使用递归。
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateListening
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateListening:
		return "listening"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ErrAuthRejected 凭证被交易所拒绝。与瞬时 IO 错误不同，这类错误
// 不重试，通过 fatal handler 上抛。
var ErrAuthRejected = errors.New("feed: credentials rejected by venue")

// EventSink 结构化日志回调，与具体 logger 解耦。
type EventSink func(event string, fields map[string]interface{})

// Config 会话配置。凭证、产品与频道全部显式传入，不依赖全局状态。
type Config struct {
	URL          string
	Products     []string
	Channels     []string
	Credentials  *Credentials // nil 表示仅订阅公共频道
	Backoff      time.Duration
	PingInterval time.Duration
	Dialer       *websocket.Dialer
}

// Session 维护一条到交易所的持久订阅：连接、订阅、心跳、断线重连。
// 每条消息解析后交给 handler；Session 自身从不修改账本。
type Session struct {
	cfg     Config
	handler func(Event)

	mu   sync.Mutex
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state      atomic.Int32
	reconnects atomic.Int64
	started    atomic.Bool
	closeOnce  sync.Once

	sink         EventSink
	onFatalError func(error)
}

// NewSession 创建会话；handler 不可为 nil。
func NewSession(cfg Config, handler func(Event)) (*Session, error) {
	if cfg.URL == "" {
		return nil, errors.New("feed: url required")
	}
	if len(cfg.Products) == 0 {
		return nil, errors.New("feed: at least one product required")
	}
	if len(cfg.Channels) == 0 {
		return nil, errors.New("feed: at least one channel required")
	}
	if handler == nil {
		return nil, errors.New("feed: handler required")
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Session{cfg: cfg, handler: handler}, nil
}

// SetEventSink 设置日志回调。
func (s *Session) SetEventSink(fn EventSink) { s.sink = fn }

// SetFatalErrorHandler 设置致命错误回调（目前仅认证被拒）。
func (s *Session) SetFatalErrorHandler(fn func(error)) { s.onFatalError = fn }

// State 返回当前状态。
func (s *Session) State() State { return State(s.state.Load()) }

// Reconnects 返回累计重连次数。
func (s *Session) Reconnects() int64 { return s.reconnects.Load() }

// Start 启动后台连接与读取循环。重复调用返回错误，不会生成第二个循环。
func (s *Session) Start() error {
	if s.State() == StateClosed {
		return errors.New("feed: session closed")
	}
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("feed: session already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.ctx = ctx
	s.cancel = cancel
	s.wg.Add(1)
	go s.run()
	return nil
}

// Close 请求停止并等待后台任务退出。重复调用是 no-op。
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
			s.conn = nil
		}
		s.mu.Unlock()
		s.wg.Wait()
		s.setState(StateClosed)
	})
}

// run 是显式的重连循环：连接失败固定间隔无限重试，认证被拒立即终止。
func (s *Session) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.setState(StateConnecting)
		conn, err := s.connect()
		if err != nil {
			if errors.Is(err, ErrAuthRejected) {
				s.logEvent("feed_auth_rejected", map[string]interface{}{"error": err.Error()})
				if s.onFatalError != nil {
					s.onFatalError(err)
				}
				return
			}
			s.setState(StateReconnecting)
			s.reconnects.Add(1)
			metrics.FeedReconnects.Inc()
			s.logEvent("feed_connect_failed", map[string]interface{}{
				"error":   err.Error(),
				"backoff": s.cfg.Backoff.String(),
			})
			if !s.sleep(s.cfg.Backoff) {
				return
			}
			continue
		}

		s.mu.Lock()
		select {
		case <-s.ctx.Done():
			// Close 赶在连接建立完成之前：直接收尾
			s.mu.Unlock()
			_ = conn.Close()
			return
		default:
		}
		s.conn = conn
		s.mu.Unlock()
		s.setState(StateSubscribed)
		metrics.FeedConnected.Set(1)
		s.logEvent("feed_connected", map[string]interface{}{
			"channels": strings.Join(s.cfg.Channels, ","),
			"products": strings.Join(s.cfg.Products, ","),
		})

		stopPing := make(chan struct{})
		s.wg.Add(1)
		go s.keepalive(conn, stopPing)

		s.setState(StateListening)
		s.readLoop(conn)
		close(stopPing)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		metrics.FeedConnected.Set(0)

		select {
		case <-s.ctx.Done():
			return
		default:
		}
		s.setState(StateReconnecting)
		s.reconnects.Add(1)
		metrics.FeedReconnects.Inc()
		s.logEvent("feed_disconnected", map[string]interface{}{
			"backoff": s.cfg.Backoff.String(),
		})
		if !s.sleep(s.cfg.Backoff) {
			return
		}
	}
}

// connect 完成拨号与订阅握手，等待 subscriptions 确认。流不保证次序，
// 生命周期消息可能先于确认到达，握手期间读到的消息照常投递而不是丢弃。
// type=error 且指向凭证问题时返回 ErrAuthRejected。
func (s *Session) connect() (*websocket.Conn, error) {
	conn, _, err := s.cfg.Dialer.Dial(s.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	req, err := newSubscribeRequest(s.cfg.Products, s.cfg.Channels, s.cfg.Credentials, time.Now())
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("build subscribe: %w", err)
	}
	if err := conn.WriteJSON(req); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send subscribe: %w", err)
	}

	ackDeadline := time.Now().Add(2 * s.cfg.PingInterval)
	for {
		_ = conn.SetReadDeadline(ackDeadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("read subscribe ack: %w", err)
		}
		ev, err := Parse(raw)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("parse subscribe ack: %w", err)
		}
		switch ev.Kind {
		case KindSubscriptions:
			return conn, nil
		case KindError:
			_ = conn.Close()
			if isAuthFailure(ev.Message) {
				return nil, fmt.Errorf("%w: %s", ErrAuthRejected, ev.Message)
			}
			return nil, fmt.Errorf("subscribe rejected: %s", ev.Message)
		default:
			s.dispatch(raw)
		}
	}
}

// keepalive 空闲时按固定间隔 ping；失败则关闭连接，走统一的重连路径。
func (s *Session) keepalive(conn *websocket.Conn, stop <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				s.logEvent("feed_ping_failed", map[string]interface{}{"error": err.Error()})
				_ = conn.Close()
				return
			}
		}
	}
}

// readLoop 逐条读取；格式错误的消息丢弃并计数，读错误返回交给重连循环。
func (s *Session) readLoop(conn *websocket.Conn) {
	readWindow := 2*s.cfg.PingInterval + 5*time.Second
	_ = conn.SetReadDeadline(time.Now().Add(readWindow))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWindow))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.ctx.Done():
			default:
				s.logEvent("feed_read_error", map[string]interface{}{"error": err.Error()})
			}
			_ = conn.Close()
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWindow))
		s.dispatch(raw)
	}
}

// dispatch 解析并投递一条消息。
func (s *Session) dispatch(raw []byte) {
	ev, err := Parse(raw)
	if err != nil {
		metrics.FeedProtocolErrors.Inc()
		s.logEvent("feed_malformed_message", map[string]interface{}{
			"error":   err.Error(),
			"payload": truncate(raw, 256),
		})
		return
	}
	switch ev.Kind {
	case KindSubscriptions:
		// 重新订阅确认，忽略
	case KindError:
		metrics.FeedProtocolErrors.Inc()
		s.logEvent("feed_error_message", map[string]interface{}{"message": ev.Message})
	case KindUnknown:
		// 未识别的消息类型按规范静默忽略
	default:
		s.handler(ev)
	}
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// sleep 可被取消的退避等待，返回 false 表示会话正在关闭。
func (s *Session) sleep(d time.Duration) bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (s *Session) logEvent(event string, fields map[string]interface{}) {
	if s.sink != nil {
		s.sink(event, fields)
	}
}

func isAuthFailure(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "auth") ||
		strings.Contains(m, "signature") ||
		strings.Contains(m, "passphrase") ||
		strings.Contains(m, "api key")
}

func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}
