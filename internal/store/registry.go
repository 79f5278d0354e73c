package store

import (
	"fmt"

	"feed-ledger-go/feed"
)

// defaultRegistryCap 滑动窗口保留的复合键数量。venue 的 sequence 只在
// 单个频道内单调，跨频道不可比，所以按到达顺序淘汰而不是按序号。
const defaultRegistryCap = 65536

// Registry 事件去重表。at-least-once 投递与断线重传都会造成重复，
// Admit 返回 false 的事件不得再次折叠进账本。
type Registry struct {
	cap  int
	seen map[string]struct{}
	fifo []string
}

// NewRegistry 创建去重表；cap<=0 使用默认窗口。
func NewRegistry(cap int) *Registry {
	if cap <= 0 {
		cap = defaultRegistryCap
	}
	return &Registry{
		cap:  cap,
		seen: make(map[string]struct{}, cap),
	}
}

// Admit 首次见到该复合键返回 true 并记录；重复返回 false。
func (r *Registry) Admit(ev feed.Event) bool {
	key := sequenceKey(ev)
	if _, ok := r.seen[key]; ok {
		return false
	}
	r.seen[key] = struct{}{}
	r.fifo = append(r.fifo, key)
	if len(r.fifo) > r.cap {
		evicted := r.fifo[0]
		r.fifo = r.fifo[1:]
		delete(r.seen, evicted)
	}
	return true
}

// Len 返回当前记录的键数量。
func (r *Registry) Len() int { return len(r.seen) }

// sequenceKey 复合键：sequence 并非全局唯一，received/open/match 等
// 子流交错到达时裸序号会碰撞，因此拼上三个订单号。
func sequenceKey(ev feed.Event) string {
	return fmt.Sprintf("%d|%s|%s|%s", ev.Sequence, ev.OrderID, ev.MakerOrderID, ev.TakerOrderID)
}
