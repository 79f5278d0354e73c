package store

import (
	"sync"
	"time"

	"feed-ledger-go/feed"
	"feed-ledger-go/metrics"
)

// Status 订单生命周期状态，只能向前推进。
type Status string

const (
	StatusReceived Status = "received"
	StatusOpen     Status = "open"
	StatusFilled   Status = "filled"
	StatusCanceled Status = "canceled"
)

// statusRank 终态同级，received→open→终态。
var statusRank = map[Status]int{
	StatusReceived: 0,
	StatusOpen:     1,
	StatusFilled:   2,
	StatusCanceled: 2,
}

// IsTerminal 终态订单保留在账本中供审计，不再变更。
func (s Status) IsTerminal() bool {
	return s == StatusFilled || s == StatusCanceled
}

// Order 账本中的一行。Funds/Shares 是带符号的累计值：买入花费为负、
// 卖出所得为正（已扣手续费）；买入成交股数为正、卖出为负。
type Order struct {
	ID            string
	ProductID     string
	Side          string // buy / sell
	Type          string // limit / market / loss / entry
	Price         float64
	Size          float64
	RemainingSize float64
	Status        Status
	Funds         float64
	Shares        float64
	Mine          bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsOpen reports whether the order can still produce matches.
func (o Order) IsOpen() bool {
	return o.Status == StatusReceived || o.Status == StatusOpen
}

// EventSink 结构化日志回调。
type EventSink func(event string, fields map[string]interface{})

// maxPendingEvents 等待父订单的乱序事件缓冲上限。
const maxPendingEvents = 1024

// Store 把去重后的事件折叠进账本。唯一的写入者是 Apply（由 feed 的
// 读取循环调用）；读取方通过 Snapshot 拿到一致的副本。
type Store struct {
	mu       sync.RWMutex
	registry *Registry
	orders   map[string]*Order
	sequence []string // 订单插入顺序，保证快照稳定
	mine     map[string]bool
	pending  []feed.Event

	sink EventSink
}

// New 创建账本。registryCap<=0 使用默认去重窗口。
func New(registryCap int, sink EventSink) *Store {
	return &Store{
		registry: NewRegistry(registryCap),
		orders:   make(map[string]*Order),
		mine:     make(map[string]bool),
		sink:     sink,
	}
}

// RegisterOwnOrder 标记订单为本进程所下。可以在订单事件到达之前调用；
// 只有标记过的订单参与资金/持仓累计。
func (s *Store) RegisterOwnOrder(orderID string) {
	if orderID == "" {
		return
	}
	s.mu.Lock()
	s.mine[orderID] = true
	if o, ok := s.orders[orderID]; ok {
		o.Mine = true
	}
	s.mu.Unlock()
}

// Apply 折叠一条事件。重复事件（复合键已见过）不改变任何状态。
func (s *Store) Apply(ev feed.Event) {
	if !ev.IsLifecycle() {
		return
	}
	s.mu.Lock()
	if !s.registry.Admit(ev) {
		s.mu.Unlock()
		metrics.EventsDuplicate.Inc()
		s.logEvent("event_duplicate", map[string]interface{}{
			"kind":     string(ev.Kind),
			"order_id": ev.OrderID,
			"sequence": ev.Sequence,
		})
		return
	}
	s.foldLocked(ev)
	open := s.openCountLocked()
	s.mu.Unlock()

	metrics.EventsAdmitted.Inc()
	metrics.OrdersOpen.Set(float64(open))
}

// Snapshot 返回账本的深拷贝，按插入顺序排列。
func (s *Store) Snapshot() []Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Order, 0, len(s.sequence))
	for _, id := range s.sequence {
		out = append(out, *s.orders[id])
	}
	return out
}

// Order 按 id 查询单个订单副本。
func (s *Store) Order(id string) (Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// OpenOrders 返回仍可能成交的订单。
func (s *Store) OpenOrders() []Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Order
	for _, id := range s.sequence {
		if o := s.orders[id]; o.IsOpen() {
			out = append(out, *o)
		}
	}
	return out
}

func (s *Store) foldLocked(ev feed.Event) {
	switch ev.Kind {
	case feed.KindReceived, feed.KindOpen, feed.KindActivate:
		s.upsertOrderLocked(ev)
	case feed.KindMatch:
		s.applyMatchLocked(ev)
	case feed.KindFilled, feed.KindCanceled:
		s.closeOrderLocked(ev)
	}
}

// upsertOrderLocked 首次见到 order_id 时建单；重放同类事件只推进状态。
func (s *Store) upsertOrderLocked(ev feed.Event) {
	status := StatusOpen
	if ev.Kind == feed.KindReceived {
		status = StatusReceived
	}
	o, ok := s.orders[ev.OrderID]
	if ok {
		s.advanceStatusLocked(o, status, ev)
		return
	}
	o = &Order{
		ID:            ev.OrderID,
		ProductID:     ev.ProductID,
		Side:          ev.Side,
		Type:          ev.OrderType,
		Price:         ev.Price,
		Size:          ev.Size,
		RemainingSize: ev.Size,
		Status:        status,
		Mine:          s.mine[ev.OrderID],
		CreatedAt:     eventTime(ev),
		UpdatedAt:     eventTime(ev),
	}
	s.orders[ev.OrderID] = o
	s.sequence = append(s.sequence, ev.OrderID)
	s.logEvent("order_created", map[string]interface{}{
		"order_id": o.ID,
		"product":  o.ProductID,
		"side":     o.Side,
		"type":     o.Type,
		"price":    o.Price,
		"size":     o.Size,
		"status":   string(o.Status),
		"mine":     o.Mine,
	})
	s.drainPendingLocked(ev.OrderID)
}

// applyMatchLocked 定位成交双方中属于本账本的订单并更新累计值。
// 双方都未知时进入乱序缓冲，等父订单出现后重放一次。
func (s *Store) applyMatchLocked(ev feed.Event) {
	matched := false
	for _, id := range []string{ev.MakerOrderID, ev.TakerOrderID} {
		if id == "" {
			continue
		}
		if o, ok := s.orders[id]; ok {
			s.foldMatchIntoLocked(o, ev)
			matched = true
		}
	}
	if !matched {
		s.bufferLocked(ev)
	}
}

func (s *Store) foldMatchIntoLocked(o *Order, ev feed.Event) {
	notional := ev.Price * ev.Size
	if o.Mine {
		switch o.Side {
		case "buy":
			o.Funds -= notional * (1 + ev.TakerFeeRate)
			o.Shares += ev.Size
		case "sell":
			o.Funds += notional * (1 - ev.TakerFeeRate)
			o.Shares -= ev.Size
		}
	}
	// remaining_size 单调不增：事件带值时采用，否则按成交量递减，下限为零
	if ev.RemainingSize > 0 {
		if ev.RemainingSize < o.RemainingSize {
			o.RemainingSize = ev.RemainingSize
		}
	} else {
		o.RemainingSize -= ev.Size
	}
	if o.RemainingSize < 0 {
		o.RemainingSize = 0
	}
	o.UpdatedAt = eventTime(ev)
	s.logEvent("order_matched", map[string]interface{}{
		"order_id":  o.ID,
		"side":      o.Side,
		"price":     ev.Price,
		"size":      ev.Size,
		"fee_rate":  ev.TakerFeeRate,
		"funds":     o.Funds,
		"shares":    o.Shares,
		"remaining": o.RemainingSize,
		"mine":      o.Mine,
	})
}

func (s *Store) closeOrderLocked(ev feed.Event) {
	o, ok := s.orders[ev.OrderID]
	if !ok {
		s.bufferLocked(ev)
		return
	}
	status := StatusFilled
	if ev.Kind == feed.KindCanceled {
		status = StatusCanceled
	}
	s.advanceStatusLocked(o, status, ev)
}

// advanceStatusLocked 状态只向前推进，终态不可逆；重放同一事件幂等。
func (s *Store) advanceStatusLocked(o *Order, status Status, ev feed.Event) {
	if o.Status.IsTerminal() {
		return
	}
	if statusRank[status] < statusRank[o.Status] {
		return
	}
	prev := o.Status
	o.Status = status
	if status.IsTerminal() {
		remaining := ev.RemainingSize
		if remaining < 0 {
			remaining = 0
		}
		o.RemainingSize = remaining
	}
	o.UpdatedAt = eventTime(ev)
	if prev != status {
		s.logEvent("order_status", map[string]interface{}{
			"order_id":  o.ID,
			"from":      string(prev),
			"to":        string(status),
			"remaining": o.RemainingSize,
		})
	}
}

// bufferLocked 暂存引用未知订单的事件；缓冲满时丢弃最旧的一条并记诊断。
func (s *Store) bufferLocked(ev feed.Event) {
	if len(s.pending) >= maxPendingEvents {
		dropped := s.pending[0]
		s.pending = s.pending[1:]
		metrics.EventsDropped.Inc()
		s.logEvent("event_dropped", map[string]interface{}{
			"kind":     string(dropped.Kind),
			"order_id": dropped.OrderID,
			"maker":    dropped.MakerOrderID,
			"taker":    dropped.TakerOrderID,
		})
	}
	s.pending = append(s.pending, ev)
	metrics.EventsBuffered.Inc()
	s.logEvent("event_buffered", map[string]interface{}{
		"kind":     string(ev.Kind),
		"order_id": ev.OrderID,
		"maker":    ev.MakerOrderID,
		"taker":    ev.TakerOrderID,
	})
}

// drainPendingLocked 新订单建档后重放引用它的缓冲事件。
func (s *Store) drainPendingLocked(orderID string) {
	if len(s.pending) == 0 {
		return
	}
	kept := s.pending[:0]
	var replay []feed.Event
	for _, ev := range s.pending {
		if ev.OrderID == orderID || ev.MakerOrderID == orderID || ev.TakerOrderID == orderID {
			replay = append(replay, ev)
		} else {
			kept = append(kept, ev)
		}
	}
	s.pending = kept
	for _, ev := range replay {
		s.foldLocked(ev)
	}
}

func (s *Store) openCountLocked() int {
	n := 0
	for _, o := range s.orders {
		if o.IsOpen() {
			n++
		}
	}
	return n
}

func (s *Store) logEvent(event string, fields map[string]interface{}) {
	if s == nil || s.sink == nil {
		return
	}
	s.sink(event, fields)
}

func eventTime(ev feed.Event) time.Time {
	if !ev.Time.IsZero() {
		return ev.Time
	}
	return time.Now().UTC()
}
