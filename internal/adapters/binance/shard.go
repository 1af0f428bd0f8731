package binance

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/quantfeeds/collector/errs"
	"github.com/quantfeeds/collector/internal/observability"
)

const (
	// Control messages are limited to 5 per second per connection, so
	// subscribe frames are paced.
	controlMessageInterval = 250 * time.Millisecond
	maxStreamsPerRequest   = 100

	reconnectBase = 1 * time.Second
	reconnectCap  = 30 * time.Second
)

// ShardStats is a point-in-time view of one connection's counters.
type ShardStats struct {
	ID       int
	Streams  int
	Messages uint64
	Connects uint64
	Drops    uint64
}

// shard owns one WebSocket connection carrying a fixed set of combined
// streams. It reconnects with jittered exponential backoff and treats a 60 s
// read silence as a dead connection.
type shard struct {
	id          int
	baseURL     string
	streams     []string
	readTimeout time.Duration
	handler     func([]byte, int64)
	errorChan   chan<- error

	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.Mutex

	msgIDGen atomic.Uint64
	msgs     atomic.Uint64
	conns    atomic.Uint64
	discs    atomic.Uint64

	lastControlSend time.Time
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type subscribeResponse struct {
	Result *json.RawMessage `json:"result"`
	ID     uint64           `json:"id"`
	Error  *wsError         `json:"error,omitempty"`
}

type wsError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func newShard(ctx context.Context, id int, baseURL string, streams []string, readTimeout time.Duration, handler func([]byte, int64), errorChan chan<- error) *shard {
	if readTimeout <= 0 {
		readTimeout = 60 * time.Second
	}
	shardCtx, cancel := context.WithCancel(ctx)
	return &shard{
		id:          id,
		baseURL:     baseURL,
		streams:     streams,
		readTimeout: readTimeout,
		handler:     handler,
		errorChan:   errorChan,
		ctx:         shardCtx,
		cancel:      cancel,
	}
}

// run maintains the connection until the shard context is cancelled.
func (s *shard) run() {
	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = reconnectBase
	boff.MaxInterval = reconnectCap
	boff.RandomizationFactor = 0.2

	url := CombinedURL(s.baseURL, s.streams)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.Dial(s.ctx, url, nil)
		if err != nil {
			s.reportError(errs.New("binance", errs.CodeNetwork,
				errs.WithMessage("dial shard"), errs.WithCause(err)))
			if !s.sleep(boff.NextBackOff()) {
				return
			}
			continue
		}
		conn.SetReadLimit(1 << 22)

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()
		s.conns.Add(1)
		boff.Reset()

		if err := s.subscribeAll(conn); err != nil {
			s.reportError(err)
		}

		err = s.readLoop(conn)
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()

		if errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
			return
		}
		s.discs.Add(1)
		if err != nil {
			s.reportError(err)
		}
		if !s.sleep(boff.NextBackOff()) {
			return
		}
	}
}

// stop closes the connection and stops the reconnect loop.
func (s *shard) stop() {
	s.cancel()
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
		s.conn = nil
	}
	s.connMu.Unlock()
}

// stats snapshots the shard counters.
func (s *shard) stats() ShardStats {
	return ShardStats{
		ID:       s.id,
		Streams:  len(s.streams),
		Messages: s.msgs.Load(),
		Connects: s.conns.Load(),
		Drops:    s.discs.Load(),
	}
}

// subscribeAll sends the shard's stream list as paced SUBSCRIBE frames. The
// combined URL already carries the list; the explicit frame makes the
// subscription state authoritative after a venue-side reset.
func (s *shard) subscribeAll(conn *websocket.Conn) error {
	for _, chunk := range chunkStreams(s.streams, maxStreamsPerRequest) {
		if err := s.waitForControlWindow(); err != nil {
			return err
		}
		req := subscribeRequest{Method: "SUBSCRIBE", Params: chunk, ID: s.msgIDGen.Add(1)}
		data, err := json.Marshal(req)
		if err != nil {
			return errs.New("binance", errs.CodeInvalid,
				errs.WithMessage("marshal subscribe request"), errs.WithCause(err))
		}
		writeCtx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		err = conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return errs.New("binance", errs.CodeNetwork,
				errs.WithMessage("write subscribe request"), errs.WithCause(err))
		}
		s.lastControlSend = time.Now()
	}
	return nil
}

func chunkStreams(streams []string, size int) [][]string {
	if len(streams) == 0 {
		return nil
	}
	if size <= 0 || len(streams) <= size {
		snapshot := make([]string, len(streams))
		copy(snapshot, streams)
		return [][]string{snapshot}
	}
	chunks := make([][]string, 0, (len(streams)+size-1)/size)
	for start := 0; start < len(streams); start += size {
		end := start + size
		if end > len(streams) {
			end = len(streams)
		}
		chunk := make([]string, end-start)
		copy(chunk, streams[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}

func (s *shard) waitForControlWindow() error {
	if s.lastControlSend.IsZero() {
		return nil
	}
	wait := time.Until(s.lastControlSend.Add(controlMessageInterval))
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// readLoop reads frames until the connection dies or read silence exceeds
// the timeout. Control responses are consumed here; data frames go to the
// handler with their receive stamp.
func (s *shard) readLoop(conn *websocket.Conn) error {
	for {
		readCtx, cancel := context.WithTimeout(s.ctx, s.readTimeout)
		msgType, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			if s.ctx.Err() != nil {
				return context.Canceled
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return errs.New("binance", errs.CodeNetwork,
					errs.WithMessage("read silence exceeded, reconnecting"))
			}
			return errs.New("binance", errs.CodeNetwork,
				errs.WithMessage("read frame"), errs.WithCause(err))
		}
		if msgType != websocket.MessageText {
			continue
		}

		var resp subscribeResponse
		if err := json.Unmarshal(data, &resp); err == nil && resp.ID > 0 {
			if resp.Error != nil {
				s.reportError(errs.New("binance", errs.CodeExchange,
					errs.WithRawCode(strconv.Itoa(resp.Error.Code)),
					errs.WithRawMessage(resp.Error.Msg),
					errs.WithMessage("subscribe rejected")))
			}
			continue
		}

		s.msgs.Add(1)
		recvNS := time.Now().UnixNano()
		s.handler(data, recvNS)
	}
}

func (s *shard) sleep(d time.Duration) bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (s *shard) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case <-s.ctx.Done():
	case s.errorChan <- err:
	default:
		observability.Log().Warn("shard error dropped",
			observability.F("shard", s.id), observability.F("error", err.Error()))
	}
}
