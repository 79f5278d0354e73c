package account

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"feed-ledger-go/internal/store"
	"feed-ledger-go/metrics"
)

// Config 账户参数。全部显式传入，构造后不再读取全局状态。
type Config struct {
	Currency        string
	StartingBalance float64
	FeeRate         float64 // taker 费率，默认 0.003
	Risk            float64 // 单笔可承受的亏损比例，用于止损价推导
	MinOrderSize    float64 // 交易所最小下单量
	Reinvest        bool    // false 时可用资金不超过起始资金
}

// Balance 由账本推导出的账户快照。除起始资金和手工调整外没有独立
// 可变状态，重算是确定性的。
type Balance struct {
	Currency      string
	Starting      float64
	Transactions  float64 // 累计资金变动（买为负、卖为正，净手续费）
	FundsOnBook   float64 // 未成交限价买单占用
	FundsOnStop   float64 // 未触发止损/止盈单占用
	SharesOnHold  float64 // 未成交卖单占用的持仓
	Funds         float64 // 可用资金（展示值，下限为零）
	Shares        float64 // 可用持仓（展示值，下限为零）
	ProfitAndLoss float64
}

func (b Balance) String() string {
	return fmt.Sprintf("P&L: %v, Funds available: %v, Funds on hold: %v, Shares available: %v, Shares on hold: %v",
		b.ProfitAndLoss, b.Funds, b.FundsOnBook+b.FundsOnStop, b.Shares, b.SharesOnHold)
}

// EventSink 结构化日志回调。
type EventSink func(event string, fields map[string]interface{})

var ErrInsufficientFunds = errors.New("account: insufficient funds")

// Account 按需从账本重算余额（pull 模型）。只有 is_mine 的订单参与计算。
type Account struct {
	cfg Config

	mu          sync.RWMutex
	starting    float64 // 起始资金 + 手工调整
	lastMessage string

	sink EventSink
}

// New 创建账户聚合器。
func New(cfg Config, sink EventSink) *Account {
	if cfg.FeeRate == 0 {
		cfg.FeeRate = 0.003
	}
	if cfg.MinOrderSize == 0 {
		cfg.MinOrderSize = 0.1
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	return &Account{
		cfg:      cfg,
		starting: cfg.StartingBalance,
		sink:     sink,
	}
}

// AddFunds 记录一笔场外入金。
func (a *Account) AddFunds(amount float64) error {
	if amount <= 0 {
		return errors.New("account: amount must be > 0")
	}
	a.mu.Lock()
	a.starting += amount
	a.mu.Unlock()
	return nil
}

// RemoveFunds 记录一笔场外出金。
func (a *Account) RemoveFunds(amount float64) error {
	if amount <= 0 {
		return errors.New("account: amount must be > 0")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if amount > a.starting {
		return ErrInsufficientFunds
	}
	a.starting -= amount
	return nil
}

// Balance 从账本快照推导余额。
// 挂单占用分三类：未成交限价买单占用资金，止损/止盈单按剩余名义占用
// 资金，未成交卖单占用持仓。
func (a *Account) Balance(orders []store.Order) Balance {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := Balance{Currency: a.cfg.Currency, Starting: a.starting}
	var funds, shares float64
	for _, o := range orders {
		if !o.Mine {
			continue
		}
		funds += o.Funds
		shares += o.Shares
		if !o.IsOpen() {
			continue
		}
		switch {
		case o.Side == "sell":
			b.SharesOnHold += o.RemainingSize
		case o.Type == "loss" || o.Type == "entry":
			b.FundsOnStop += o.Price * o.RemainingSize
		default: // limit buy
			b.FundsOnBook += o.Price * o.RemainingSize
		}
	}
	b.Transactions = funds

	// 盈亏相对调整后的本金：场外出入金改变的是本金，不是利润
	available := round2(a.starting + funds - b.FundsOnBook - b.FundsOnStop)
	b.ProfitAndLoss = round4(available - a.starting)
	b.Funds = math.Max(0, available)
	b.Shares = math.Max(0, round8(shares-b.SharesOnHold))
	if !a.cfg.Reinvest {
		b.Funds = math.Min(b.Funds, a.starting)
	}

	metrics.FundsAvailable.Set(b.Funds)
	metrics.ProfitAndLoss.Set(b.ProfitAndLoss)
	a.logBalanceLocked(b)
	return b
}

// CanBuy 返回用全部可用资金按 price 能买到的数量；低于交易所最小
// 下单量返回 0，表示"不可交易"而非错误。
func (a *Account) CanBuy(b Balance, price float64) float64 {
	if price <= 0 {
		return 0
	}
	size := round8(b.Funds / price)
	if size < a.cfg.MinOrderSize {
		return 0
	}
	return size
}

// CanSell 返回可卖出 pct 比例的持仓数量；低于最小下单量返回 0。
func (a *Account) CanSell(b Balance, pct float64) float64 {
	if pct <= 0 || pct > 1 {
		return 0
	}
	size := round8(b.Shares * pct)
	if size < a.cfg.MinOrderSize {
		return 0
	}
	return size
}

// StopLossPrice 由买入价推导止损价：收回手续费后最多亏损 risk 比例，
// 下限 0.01。
func (a *Account) StopLossPrice(purchasedAt, size float64) float64 {
	if size <= 0 {
		return 0.01
	}
	invested := purchasedAt * size
	fee := invested * a.cfg.FeeRate
	risk := invested * a.cfg.Risk
	stop := round2((fee + invested - risk) / size)
	return math.Max(stop, 0.01)
}

// MinOrderSize 交易所最小下单量。
func (a *Account) MinOrderSize() float64 { return a.cfg.MinOrderSize }

// logBalanceLocked 余额行变化时记一条日志（与轮询周期解耦）。
func (a *Account) logBalanceLocked(b Balance) {
	if a.sink == nil {
		return
	}
	msg := b.String()
	if msg == a.lastMessage {
		return
	}
	a.lastMessage = msg
	a.sink("balance_update", map[string]interface{}{
		"currency":       b.Currency,
		"funds":          b.Funds,
		"funds_on_book":  b.FundsOnBook,
		"funds_on_stop":  b.FundsOnStop,
		"shares":         b.Shares,
		"shares_on_hold": b.SharesOnHold,
		"pnl":            b.ProfitAndLoss,
	})
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
func round8(v float64) float64 { return math.Floor(v*1e8) / 1e8 }
