package binance

import (
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/quantfeeds/collector/errs"
	"github.com/quantfeeds/collector/internal/schema"
)

// Parser normalises combined-stream frames into canonical events. One frame
// may yield more than one event: the markPrice stream carries both the mark
// price and the funding state.
type Parser struct {
	exchange   string
	marketType string
	channels   map[schema.Channel]bool
}

// NewParser creates a parser emitting events for the requested channels.
func NewParser(exchange, marketType string, channels []schema.Channel) *Parser {
	want := make(map[schema.Channel]bool, len(channels))
	for _, ch := range channels {
		want[ch] = true
	}
	return &Parser{exchange: exchange, marketType: marketType, channels: want}
}

type wsEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type aggTradeFrame struct {
	EventTime    int64  `json:"E"`
	TradeTime    int64  `json:"T"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	IsBuyerMaker bool   `json:"m"`
}

type bookTickerFrame struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	BidPrice  string `json:"b"`
	BidQty    string `json:"B"`
	AskPrice  string `json:"a"`
	AskQty    string `json:"A"`
}

type partialDepthFrame struct {
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	BidsShort [][]string `json:"b"`
	AsksShort [][]string `json:"a"`
}

type diffDepthFrame struct {
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID uint64     `json:"U"`
	FinalUpdateID uint64     `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

type forceOrderFrame struct {
	EventTime int64 `json:"E"`
	Order     struct {
		Symbol    string `json:"s"`
		Side      string `json:"S"`
		AvgPrice  string `json:"L"`
		FilledQty string `json:"z"`
		OrderID   int64  `json:"i"`
		Status    string `json:"X"`
		TradeTime int64  `json:"T"`
	} `json:"o"`
}

type markPriceFrame struct {
	EventTime     int64  `json:"E"`
	Symbol        string `json:"s"`
	MarkPrice     string `json:"p"`
	IndexPrice    string `json:"i"`
	FundingRate   string `json:"r"`
	NextFundingAt int64  `json:"T"`
}

type klineFrame struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		Interval            string `json:"i"`
		Open                string `json:"o"`
		High                string `json:"h"`
		Low                 string `json:"l"`
		Close               string `json:"c"`
		Volume              string `json:"v"`
		QuoteVolume         string `json:"q"`
		TakerBuyBaseVolume  string `json:"V"`
		TakerBuyQuoteVolume string `json:"Q"`
		TradeCount          int64  `json:"n"`
		IsClosed            bool   `json:"x"`
	} `json:"k"`
}

// Parse converts one combined-stream frame. recvNS is the collector receive
// time stamped before decode.
func (p *Parser) Parse(frame []byte, recvNS int64) ([]*schema.Event, error) {
	var envelope wsEnvelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, errs.New(p.exchange, errs.CodeParse,
			errs.WithMessage("decode stream envelope"), errs.WithCause(err))
	}
	symbol, kind := splitStream(envelope.Stream)
	if kind == "" {
		return nil, errs.New(p.exchange, errs.CodeParse,
			errs.WithMessage("unrecognised stream "+envelope.Stream))
	}

	switch {
	case kind == "aggTrade":
		return p.parseAggTrade(envelope.Data, recvNS)
	case kind == "bookTicker":
		return p.parseBookTicker(symbol, envelope.Data, recvNS)
	case strings.HasPrefix(kind, "depth5"):
		return p.parsePartialDepth(symbol, schema.ChannelOBTop5, 5, envelope.Data, recvNS)
	case strings.HasPrefix(kind, "depth20"):
		return p.parsePartialDepth(symbol, schema.ChannelOBTop20, 20, envelope.Data, recvNS)
	case strings.HasPrefix(kind, "depth"):
		return p.parseDiffDepth(symbol, envelope.Data, recvNS)
	case kind == "forceOrder":
		return p.parseForceOrder(symbol, envelope.Data, recvNS)
	case strings.HasPrefix(kind, "markPrice"):
		return p.parseMarkPrice(symbol, envelope.Data, recvNS)
	case strings.HasPrefix(kind, "kline_"):
		return p.parseKline(symbol, envelope.Data, recvNS)
	default:
		return nil, errs.New(p.exchange, errs.CodeParse,
			errs.WithMessage("unsupported stream kind "+kind))
	}
}

func (p *Parser) parseAggTrade(data []byte, recvNS int64) ([]*schema.Event, error) {
	var frame aggTradeFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, errs.New(p.exchange, errs.CodeParse,
			errs.WithMessage("decode aggTrade"), errs.WithCause(err))
	}
	tradeMS := frame.TradeTime
	if tradeMS == 0 {
		tradeMS = frame.EventTime
	}
	side := schema.SideBuy
	if frame.IsBuyerMaker {
		side = schema.SideSell
	}
	// Trades drive the 5 s aggregation grid, so their event time is scaled
	// to real nanoseconds.
	evt := &schema.Event{
		Exchange:   p.exchange,
		MarketType: p.marketType,
		Instrument: strings.ToUpper(frame.Symbol),
		Channel:    schema.ChannelTrades,
		TsEventNS:  tradeMS * 1_000_000,
		TsRecvNS:   recvNS,
		Payload: schema.TradePayload{
			Price:       frame.Price,
			Qty:         frame.Quantity,
			Side:        side,
			TradeID:     frame.TradeID,
			IsAggressor: !frame.IsBuyerMaker,
		},
	}
	return []*schema.Event{evt}, nil
}

func (p *Parser) parseBookTicker(symbol string, data []byte, recvNS int64) ([]*schema.Event, error) {
	var frame bookTickerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, errs.New(p.exchange, errs.CodeParse,
			errs.WithMessage("decode bookTicker"), errs.WithCause(err))
	}
	if frame.Symbol != "" {
		symbol = strings.ToUpper(frame.Symbol)
	}
	evt := &schema.Event{
		Exchange:   p.exchange,
		MarketType: p.marketType,
		Instrument: symbol,
		Channel:    schema.ChannelL1,
		TsEventNS:  legacyEventMS(frame.EventTime, recvNS),
		TsRecvNS:   recvNS,
		Payload: schema.DepthPayload{
			Depth:     1,
			BidPrices: []string{frame.BidPrice},
			BidQtys:   []string{frame.BidQty},
			AskPrices: []string{frame.AskPrice},
			AskQtys:   []string{frame.AskQty},
		},
	}
	return []*schema.Event{evt}, nil
}

func (p *Parser) parsePartialDepth(symbol string, ch schema.Channel, depth int, data []byte, recvNS int64) ([]*schema.Event, error) {
	var frame partialDepthFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, errs.New(p.exchange, errs.CodeParse,
			errs.WithMessage("decode partial depth"), errs.WithCause(err))
	}
	if frame.Symbol != "" {
		symbol = strings.ToUpper(frame.Symbol)
	}
	bids := frame.Bids
	if len(bids) == 0 {
		bids = frame.BidsShort
	}
	asks := frame.Asks
	if len(asks) == 0 {
		asks = frame.AsksShort
	}
	bidPrices, bidQtys := splitLevels(bids, depth)
	askPrices, askQtys := splitLevels(asks, depth)
	evt := &schema.Event{
		Exchange:   p.exchange,
		MarketType: p.marketType,
		Instrument: symbol,
		Channel:    ch,
		TsEventNS:  legacyEventMS(frame.EventTime, recvNS),
		TsRecvNS:   recvNS,
		Payload: schema.DepthPayload{
			Depth:     depth,
			BidPrices: bidPrices,
			BidQtys:   bidQtys,
			AskPrices: askPrices,
			AskQtys:   askQtys,
		},
	}
	out := []*schema.Event{evt}
	if ch == schema.ChannelOBTop5 && p.channels[schema.ChannelAdvancedMetrics] {
		if metrics := deriveMetrics(evt); metrics != nil {
			out = append(out, metrics)
		}
	}
	return out, nil
}

func (p *Parser) parseDiffDepth(symbol string, data []byte, recvNS int64) ([]*schema.Event, error) {
	var frame diffDepthFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, errs.New(p.exchange, errs.CodeParse,
			errs.WithMessage("decode diff depth"), errs.WithCause(err))
	}
	if frame.Symbol != "" {
		symbol = strings.ToUpper(frame.Symbol)
	}
	evt := &schema.Event{
		Exchange:   p.exchange,
		MarketType: p.marketType,
		Instrument: symbol,
		Channel:    schema.ChannelOBDiff,
		TsEventNS:  legacyEventMS(frame.EventTime, recvNS),
		TsRecvNS:   recvNS,
		Payload: schema.DiffPayload{
			Sequence:     frame.FinalUpdateID,
			PrevSequence: frame.FirstUpdateID,
			Bids:         levelsToMap(frame.Bids),
			Asks:         levelsToMap(frame.Asks),
		},
	}
	return []*schema.Event{evt}, nil
}

func (p *Parser) parseForceOrder(symbol string, data []byte, recvNS int64) ([]*schema.Event, error) {
	var frame forceOrderFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, errs.New(p.exchange, errs.CodeParse,
			errs.WithMessage("decode forceOrder"), errs.WithCause(err))
	}
	if frame.Order.Symbol != "" {
		symbol = strings.ToUpper(frame.Order.Symbol)
	}
	side := schema.SideBuy
	if strings.EqualFold(frame.Order.Side, "SELL") {
		side = schema.SideSell
	}
	orderID := ""
	if frame.Order.OrderID != 0 {
		orderID = strconv.FormatInt(frame.Order.OrderID, 10)
	}
	evt := &schema.Event{
		Exchange:   p.exchange,
		MarketType: p.marketType,
		Instrument: symbol,
		Channel:    schema.ChannelLiquidations,
		TsEventNS:  legacyEventMS(frame.Order.TradeTime, recvNS),
		TsRecvNS:   recvNS,
		Payload: schema.LiquidationPayload{
			Side:    side,
			Price:   frame.Order.AvgPrice,
			Qty:     frame.Order.FilledQty,
			OrderID: orderID,
			Reason:  frame.Order.Status,
		},
	}
	return []*schema.Event{evt}, nil
}

func (p *Parser) parseMarkPrice(symbol string, data []byte, recvNS int64) ([]*schema.Event, error) {
	var frame markPriceFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, errs.New(p.exchange, errs.CodeParse,
			errs.WithMessage("decode markPrice"), errs.WithCause(err))
	}
	if frame.Symbol != "" {
		symbol = strings.ToUpper(frame.Symbol)
	}
	var out []*schema.Event
	if p.channels[schema.ChannelMarkPrice] {
		out = append(out, &schema.Event{
			Exchange:   p.exchange,
			MarketType: p.marketType,
			Instrument: symbol,
			Channel:    schema.ChannelMarkPrice,
			TsEventNS:  legacyEventMS(frame.EventTime, recvNS),
			TsRecvNS:   recvNS,
			Payload: schema.MarkPricePayload{
				MarkPrice:  frame.MarkPrice,
				IndexPrice: frame.IndexPrice,
			},
		})
	}
	if p.channels[schema.ChannelFunding] && frame.FundingRate != "" {
		out = append(out, &schema.Event{
			Exchange:   p.exchange,
			MarketType: p.marketType,
			Instrument: symbol,
			Channel:    schema.ChannelFunding,
			TsEventNS:  legacyEventMS(frame.EventTime, recvNS),
			TsRecvNS:   recvNS,
			Payload: schema.FundingPayload{
				FundingRate:     frame.FundingRate,
				NextFundingTSNS: frame.NextFundingAt,
			},
		})
	}
	return out, nil
}

func (p *Parser) parseKline(symbol string, data []byte, recvNS int64) ([]*schema.Event, error) {
	var frame klineFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, errs.New(p.exchange, errs.CodeParse,
			errs.WithMessage("decode kline"), errs.WithCause(err))
	}
	if frame.Symbol != "" {
		symbol = strings.ToUpper(frame.Symbol)
	}
	evt := &schema.Event{
		Exchange:   p.exchange,
		MarketType: p.marketType,
		Instrument: symbol,
		Channel:    schema.ChannelKlines,
		TsEventNS:  legacyEventMS(frame.EventTime, recvNS),
		TsRecvNS:   recvNS,
		Payload: schema.KlinePayload{
			Interval:            frame.Kline.Interval,
			Open:                frame.Kline.Open,
			High:                frame.Kline.High,
			Low:                 frame.Kline.Low,
			Close:               frame.Kline.Close,
			Volume:              frame.Kline.Volume,
			QuoteVolume:         frame.Kline.QuoteVolume,
			TakerBuyBaseVolume:  frame.Kline.TakerBuyBaseVolume,
			TakerBuyQuoteVolume: frame.Kline.TakerBuyQuoteVolume,
			TradeCount:          frame.Kline.TradeCount,
			IsClosed:            frame.Kline.IsClosed,
		},
	}
	return []*schema.Event{evt}, nil
}

// legacyEventMS preserves the established column contents: the vendor
// millisecond value is stored unscaled in the nanosecond-typed field, with
// the receive time (as milliseconds) substituted when the frame has no event
// time.
func legacyEventMS(eventMS, recvNS int64) int64 {
	if eventMS > 0 {
		return eventMS
	}
	return recvNS / 1_000_000
}

func splitStream(stream string) (symbol, kind string) {
	idx := strings.IndexByte(stream, '@')
	if idx <= 0 || idx == len(stream)-1 {
		return "", ""
	}
	return strings.ToUpper(stream[:idx]), stream[idx+1:]
}

func splitLevels(levels [][]string, limit int) ([]string, []string) {
	if limit > 0 && len(levels) > limit {
		levels = levels[:limit]
	}
	prices := make([]string, 0, len(levels))
	qtys := make([]string, 0, len(levels))
	for _, level := range levels {
		if len(level) < 2 {
			continue
		}
		prices = append(prices, level[0])
		qtys = append(qtys, level[1])
	}
	return prices, qtys
}

func levelsToMap(levels [][]string) map[string]string {
	out := make(map[string]string, len(levels))
	for _, level := range levels {
		if len(level) < 2 {
			continue
		}
		out[level[0]] = level[1]
	}
	return out
}
