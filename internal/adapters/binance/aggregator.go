package binance

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/quantfeeds/collector/errs"
	"github.com/quantfeeds/collector/internal/clock"
	"github.com/quantfeeds/collector/internal/numeric"
	"github.com/quantfeeds/collector/internal/schema"
)

// Aggregator rolls the trade feed into aligned 5-second windows, one open
// window per instrument. A window closes when a trade lands past its end or
// when the wall-clock sweeper catches up with it; trades behind an already
// closed window are dropped and counted as lost.
type Aggregator struct {
	exchange   string
	marketType string
	interval   int64
	now        clock.NowFunc

	mu      sync.Mutex
	windows map[string]*tradeWindow
	closed  map[string]int64
	lost    uint64
}

type tradeWindow struct {
	start        int64
	open         decimal.Decimal
	high         decimal.Decimal
	low          decimal.Decimal
	close        decimal.Decimal
	volume       decimal.Decimal
	notional     decimal.Decimal
	buyQty       decimal.Decimal
	sellQty      decimal.Decimal
	buyNotional  decimal.Decimal
	sellNotional decimal.Decimal
	tradeCount   int64
	firstTradeID int64
	lastTradeID  int64
}

// NewAggregator creates a 5-second aggregator. now may be nil, in which case
// the wall clock is used.
func NewAggregator(exchange, marketType string, now clock.NowFunc) *Aggregator {
	if now == nil {
		now = clock.Now
	}
	return &Aggregator{
		exchange:   exchange,
		marketType: marketType,
		interval:   clock.WindowInterval5s,
		now:        now,
		windows:    make(map[string]*tradeWindow),
		closed:     make(map[string]int64),
	}
}

// Add folds one trade into its window. When the trade opens a new window the
// previous one is emitted. Trades behind the open window return a late-trade
// error and increment the lost counter.
func (a *Aggregator) Add(evt *schema.Event) ([]*schema.Event, error) {
	trade, ok := evt.Payload.(schema.TradePayload)
	if !ok {
		return nil, errs.New(a.exchange, errs.CodeInvalid,
			errs.WithMessage("aggregator fed non-trade payload"))
	}
	start := clock.Align(evt.TsEventNS, a.interval)

	a.mu.Lock()
	defer a.mu.Unlock()

	window := a.windows[evt.Instrument]
	lastClosed, hasClosed := a.closed[evt.Instrument]
	late := (window != nil && start < window.start) ||
		(window == nil && hasClosed && start <= lastClosed)
	if late {
		a.lost++
		return nil, errs.New(a.exchange, errs.CodeExchange,
			errs.WithCanonicalCode(errs.CanonicalLateTrade),
			errs.WithMessage("trade behind closed window for "+evt.Instrument))
	}

	var out []*schema.Event
	if window != nil && start > window.start {
		out = append(out, a.emitLocked(evt.Instrument, window))
		window = nil
	}
	if window == nil {
		window = newTradeWindow(start, trade)
		a.windows[evt.Instrument] = window
		return out, nil
	}
	window.fold(trade)
	return out, nil
}

// sweepGraceNS is how long past a window's end the sweeper waits before
// closing it, leaving room for in-flight trades.
const sweepGraceNS = int64(2_000_000_000)

// Sweep closes every window whose end passed more than the grace period ago,
// emitting its aggregate. Run on a wall-clock timer so quiet symbols still
// flush.
func (a *Aggregator) Sweep(nowNS int64) []*schema.Event {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []*schema.Event
	for instrument, window := range a.windows {
		if nowNS >= window.start+a.interval+sweepGraceNS {
			out = append(out, a.emitLocked(instrument, window))
			delete(a.windows, instrument)
		}
	}
	return out
}

// Lost reports trades dropped behind closed windows.
func (a *Aggregator) Lost() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lost
}

func (a *Aggregator) emitLocked(instrument string, window *tradeWindow) *schema.Event {
	a.closed[instrument] = window.start
	return &schema.Event{
		Exchange:   a.exchange,
		MarketType: a.marketType,
		Instrument: instrument,
		Channel:    schema.ChannelAggTrades5s,
		TsEventNS:  window.start + a.interval,
		TsRecvNS:   a.now(),
		Payload: schema.AggTrades5sPayload{
			WindowStartNS: window.start,
			IntervalS:     int(a.interval / 1_000_000_000),
			Open:          numeric.Format(window.open),
			High:          numeric.Format(window.high),
			Low:           numeric.Format(window.low),
			Close:         numeric.Format(window.close),
			Volume:        numeric.Format(window.volume),
			Notional:      numeric.Format(window.notional),
			TradeCount:    window.tradeCount,
			BuyQty:        numeric.Format(window.buyQty),
			SellQty:       numeric.Format(window.sellQty),
			BuyNotional:   numeric.Format(window.buyNotional),
			SellNotional:  numeric.Format(window.sellNotional),
			FirstTradeID:  window.firstTradeID,
			LastTradeID:   window.lastTradeID,
		},
	}
}

func newTradeWindow(start int64, trade schema.TradePayload) *tradeWindow {
	price := numeric.ParseOrZero(trade.Price)
	qty := numeric.ParseOrZero(trade.Qty)
	notional := price.Mul(qty)
	window := &tradeWindow{
		start:        start,
		open:         price,
		high:         price,
		low:          price,
		close:        price,
		volume:       qty,
		notional:     notional,
		tradeCount:   1,
		firstTradeID: trade.TradeID,
		lastTradeID:  trade.TradeID,
	}
	if trade.Side == schema.SideBuy {
		window.buyQty = qty
		window.buyNotional = notional
	} else {
		window.sellQty = qty
		window.sellNotional = notional
	}
	return window
}

func (w *tradeWindow) fold(trade schema.TradePayload) {
	price := numeric.ParseOrZero(trade.Price)
	qty := numeric.ParseOrZero(trade.Qty)
	notional := price.Mul(qty)

	if price.GreaterThan(w.high) {
		w.high = price
	}
	if price.LessThan(w.low) {
		w.low = price
	}
	w.close = price
	w.volume = w.volume.Add(qty)
	w.notional = w.notional.Add(notional)
	w.tradeCount++
	w.lastTradeID = trade.TradeID
	if trade.Side == schema.SideBuy {
		w.buyQty = w.buyQty.Add(qty)
		w.buyNotional = w.buyNotional.Add(notional)
	} else {
		w.sellQty = w.sellQty.Add(qty)
		w.sellNotional = w.sellNotional.Add(notional)
	}
}
