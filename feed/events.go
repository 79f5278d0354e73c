package feed

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// EventKind 标识订单生命周期消息类型。
type EventKind string

const (
	KindReceived      EventKind = "received"
	KindOpen          EventKind = "open"
	KindActivate      EventKind = "activate"
	KindMatch         EventKind = "match"
	KindFilled        EventKind = "filled"
	KindCanceled      EventKind = "canceled"
	KindTicker        EventKind = "ticker"
	KindSubscriptions EventKind = "subscriptions"
	KindError         EventKind = "error"
	KindUnknown       EventKind = ""
)

// Event 是一条已解析的行情/订单消息。生命周期字段按消息类型部分填充；
// 解析阶段已经完成 price/limit_price/stop_price 等字段的归一化。
type Event struct {
	Kind          EventKind
	ProductID     string
	OrderID       string
	MakerOrderID  string
	TakerOrderID  string
	Side          string // buy / sell
	OrderType     string // limit / market / loss / entry
	Price         float64
	Size          float64
	RemainingSize float64
	TakerFeeRate  float64
	Sequence      int64
	Time          time.Time

	// ticker 专用
	BestBid float64
	BestAsk float64

	// error 消息原文
	Message string
}

// IsLifecycle reports whether the event mutates order state.
func (e Event) IsLifecycle() bool {
	switch e.Kind {
	case KindReceived, KindOpen, KindActivate, KindMatch, KindFilled, KindCanceled:
		return true
	}
	return false
}

// rawMessage mirrors the wire shape. The venue quotes all decimals as JSON
// strings; different lifecycle kinds populate different subsets of these
// fields for the same logical order.
type rawMessage struct {
	Type          string `json:"type"`
	Reason        string `json:"reason"`
	ProductID     string `json:"product_id"`
	OrderID       string `json:"order_id"`
	MakerOrderID  string `json:"maker_order_id"`
	TakerOrderID  string `json:"taker_order_id"`
	Side          string `json:"side"`
	OrderType     string `json:"order_type"`
	StopType      string `json:"stop_type"`
	Price         string `json:"price"`
	LimitPrice    string `json:"limit_price"`
	StopPrice     string `json:"stop_price"`
	Size          string `json:"size"`
	RemainingSize string `json:"remaining_size"`
	TakerFeeRate  string `json:"taker_fee_rate"`
	Sequence      int64  `json:"sequence"`
	Time          string `json:"time"`
	BestBid       string `json:"best_bid"`
	BestAsk       string `json:"best_ask"`
	Message       string `json:"message"`
}

// Parse 将原始 JSON 归一化为 Event。无法识别的 type 返回 KindUnknown，
// 调用方直接忽略；结构性错误才返回 err。
func Parse(raw []byte) (Event, error) {
	var msg rawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Event{}, err
	}
	ev := Event{
		Kind:          resolveKind(msg.Type, msg.Reason),
		ProductID:     msg.ProductID,
		OrderID:       msg.OrderID,
		MakerOrderID:  msg.MakerOrderID,
		TakerOrderID:  msg.TakerOrderID,
		Side:          strings.ToLower(msg.Side),
		OrderType:     resolveOrderType(msg.OrderType, msg.StopType),
		Price:         resolvePrice(msg.Price, msg.LimitPrice, msg.StopPrice),
		Size:          floatOrZero(msg.Size),
		RemainingSize: floatOrZero(msg.RemainingSize),
		TakerFeeRate:  floatOrZero(msg.TakerFeeRate),
		Sequence:      msg.Sequence,
		BestBid:       floatOrZero(msg.BestBid),
		BestAsk:       floatOrZero(msg.BestAsk),
		Message:       msg.Message,
	}
	if msg.Time != "" {
		if ts, err := time.Parse(time.RFC3339Nano, msg.Time); err == nil {
			ev.Time = ts
		}
	}
	return ev, nil
}

// resolveKind 把 done+reason 归并为 filled/canceled。
func resolveKind(typ, reason string) EventKind {
	switch typ {
	case "received", "open", "activate", "match", "ticker", "subscriptions", "error":
		return EventKind(typ)
	case "filled", "canceled":
		return EventKind(typ)
	case "done":
		switch reason {
		case "filled":
			return KindFilled
		case "canceled":
			return KindCanceled
		}
	}
	return KindUnknown
}

// resolvePrice 按 price → limit_price → stop_price 优先级取第一个有值的字段。
func resolvePrice(candidates ...string) float64 {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if v, err := strconv.ParseFloat(c, 64); err == nil {
			return v
		}
	}
	return 0
}

func resolveOrderType(orderType, stopType string) string {
	if orderType != "" {
		return orderType
	}
	return stopType
}

func floatOrZero(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
