package binance

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/quantfeeds/collector/errs"
	"github.com/quantfeeds/collector/internal/numeric"
	"github.com/quantfeeds/collector/internal/schema"
)

// BookState tracks where a per-symbol diff book sits in its bootstrap cycle.
type BookState string

const (
	// BookUninit means no diff has been seen yet.
	BookUninit BookState = "UNINIT"
	// BookBootstrapping means diffs are buffered pending the first snapshot.
	BookBootstrapping BookState = "BOOTSTRAPPING"
	// BookSynced means diffs apply directly with strict sequencing.
	BookSynced BookState = "SYNCED"
	// BookResyncing means a gap was detected and a fresh snapshot is due.
	BookResyncing BookState = "RESYNCING"
)

// Snapshot is a REST depth snapshot used to seed or reseed a book.
type Snapshot struct {
	LastUpdateID uint64
	Bids         map[string]string
	Asks         map[string]string
}

// Book maintains one symbol's order book from the diff stream. It is not
// safe for concurrent use; each book is owned by its provider goroutine.
type Book struct {
	exchange   string
	instrument string
	state      BookState
	lastU      uint64
	bids       map[string]string
	asks       map[string]string
	pending    []schema.DiffPayload
}

// NewBook creates an empty book in the UNINIT state.
func NewBook(exchange, instrument string) *Book {
	return &Book{
		exchange:   exchange,
		instrument: instrument,
		state:      BookUninit,
		bids:       make(map[string]string),
		asks:       make(map[string]string),
	}
}

// State returns the current bootstrap state.
func (b *Book) State() BookState { return b.state }

// ApplyDiff feeds one diff through the state machine. applied reports whether
// the diff mutated the book, needSnapshot whether the caller should schedule
// a REST snapshot fetch. A stale diff drops silently with a stale error; a
// sequence gap clears the book and moves to RESYNCING.
func (b *Book) ApplyDiff(diff schema.DiffPayload) (applied, needSnapshot bool, err error) {
	switch b.state {
	case BookUninit:
		b.state = BookBootstrapping
		b.pending = append(b.pending, diff)
		return false, true, nil
	case BookBootstrapping, BookResyncing:
		b.pending = append(b.pending, diff)
		return false, false, nil
	}

	if diff.Sequence <= b.lastU {
		return false, false, errs.StaleUpdate(b.exchange, b.lastU, diff.Sequence)
	}
	if diff.PrevSequence > b.lastU+1 {
		err := errs.SequenceGap(b.exchange, b.lastU+1, diff.PrevSequence)
		b.reset(BookResyncing)
		b.pending = append(b.pending, diff)
		return false, true, err
	}

	// PrevSequence <= last_u+1 with Sequence > last_u: the diff overlaps
	// applied state; level writes are idempotent, so it applies.
	b.applyLevels(diff)
	b.lastU = diff.Sequence
	return true, false, nil
}

// ApplySnapshot seeds the book and replays buffered diffs. Diffs fully behind
// the snapshot are discarded; the first applicable diff must straddle
// snapshot_last+1. If every buffered diff is ahead of the snapshot the book
// stays RESYNCING and the caller should fetch again.
func (b *Book) ApplySnapshot(snap Snapshot) error {
	pending := b.pending
	b.reset(BookResyncing)

	b.bids = cloneLevels(snap.Bids)
	b.asks = cloneLevels(snap.Asks)
	b.lastU = snap.LastUpdateID

	for _, diff := range pending {
		if diff.Sequence <= snap.LastUpdateID {
			continue
		}
		if diff.PrevSequence > snap.LastUpdateID+1 && b.state != BookSynced {
			b.reset(BookResyncing)
			return errs.SequenceGap(b.exchange, snap.LastUpdateID+1, diff.PrevSequence)
		}
		if b.state == BookSynced && diff.PrevSequence > b.lastU+1 {
			err := errs.SequenceGap(b.exchange, b.lastU+1, diff.PrevSequence)
			b.reset(BookResyncing)
			return err
		}
		b.applyLevels(diff)
		b.lastU = diff.Sequence
		b.state = BookSynced
	}
	if b.state != BookSynced {
		// No buffered diff confirmed the snapshot; trust it and sync.
		b.state = BookSynced
	}
	return nil
}

// Best returns the best bid and ask levels as (price, qty) pairs. ok is false
// while either side is empty.
func (b *Book) Best() (bidPx, bidQty, askPx, askQty string, ok bool) {
	bidPx, bidQty = extremeLevel(b.bids, true)
	askPx, askQty = extremeLevel(b.asks, false)
	if bidPx == "" || askPx == "" {
		return "", "", "", "", false
	}
	return bidPx, bidQty, askPx, askQty, true
}

// TopLevels returns up to n levels per side, bids descending and asks
// ascending, as a depth payload.
func (b *Book) TopLevels(n int) schema.DepthPayload {
	bidPrices := sortedPrices(b.bids, true)
	askPrices := sortedPrices(b.asks, false)
	if len(bidPrices) > n {
		bidPrices = bidPrices[:n]
	}
	if len(askPrices) > n {
		askPrices = askPrices[:n]
	}
	payload := schema.DepthPayload{Depth: n}
	for _, px := range bidPrices {
		payload.BidPrices = append(payload.BidPrices, px)
		payload.BidQtys = append(payload.BidQtys, b.bids[px])
	}
	for _, px := range askPrices {
		payload.AskPrices = append(payload.AskPrices, px)
		payload.AskQtys = append(payload.AskQtys, b.asks[px])
	}
	return payload
}

func (b *Book) applyLevels(diff schema.DiffPayload) {
	for px, qty := range diff.Bids {
		if numeric.IsZero(qty) {
			delete(b.bids, px)
			continue
		}
		b.bids[px] = qty
	}
	for px, qty := range diff.Asks {
		if numeric.IsZero(qty) {
			delete(b.asks, px)
			continue
		}
		b.asks[px] = qty
	}
}

func (b *Book) reset(state BookState) {
	b.state = state
	b.lastU = 0
	b.bids = make(map[string]string)
	b.asks = make(map[string]string)
	b.pending = nil
}

func cloneLevels(levels map[string]string) map[string]string {
	out := make(map[string]string, len(levels))
	for px, qty := range levels {
		if numeric.IsZero(qty) {
			continue
		}
		out[px] = qty
	}
	return out
}

func extremeLevel(levels map[string]string, max bool) (string, string) {
	var bestPx string
	var best decimal.Decimal
	for px := range levels {
		d, ok := numeric.Parse(px)
		if !ok {
			continue
		}
		if bestPx == "" || (max && d.GreaterThan(best)) || (!max && d.LessThan(best)) {
			bestPx, best = px, d
		}
	}
	if bestPx == "" {
		return "", ""
	}
	return bestPx, levels[bestPx]
}

func sortedPrices(levels map[string]string, descending bool) []string {
	prices := make([]string, 0, len(levels))
	for px := range levels {
		prices = append(prices, px)
	}
	sort.Slice(prices, func(i, j int) bool {
		a := numeric.ParseOrZero(prices[i])
		b := numeric.ParseOrZero(prices[j])
		if descending {
			return a.GreaterThan(b)
		}
		return a.LessThan(b)
	})
	return prices
}
