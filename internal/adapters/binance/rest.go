package binance

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/quantfeeds/collector/errs"
)

const (
	snapshotTimeout  = 5 * time.Second
	snapshotAttempts = 3
	snapshotCooldown = 30 * time.Second
)

// SnapshotFetcher obtains depth snapshots used to seed diff books.
type SnapshotFetcher interface {
	Fetch(ctx context.Context, symbol string) (Snapshot, error)
}

// HTTPSnapshotFetcher retrieves depth snapshots over REST with retries and a
// per-symbol cooldown so resync storms cannot hammer the venue.
type HTTPSnapshotFetcher struct {
	client  *http.Client
	baseURL string
	depth   int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPSnapshotFetcher creates a snapshot fetcher against the REST base URL.
func NewHTTPSnapshotFetcher(baseURL string, depth int) *HTTPSnapshotFetcher {
	if depth <= 0 {
		depth = 1000
	}
	client := new(http.Client)
	client.Timeout = snapshotTimeout
	return &HTTPSnapshotFetcher{
		client:   client,
		baseURL:  strings.TrimRight(baseURL, "/"),
		depth:    depth,
		limiters: make(map[string]*rate.Limiter),
	}
}

type restDepth struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// Fetch requests one symbol's depth snapshot. It waits out the per-symbol
// cooldown first, then tries up to three times before giving up.
func (f *HTTPSnapshotFetcher) Fetch(ctx context.Context, symbol string) (Snapshot, error) {
	if err := f.limiter(symbol).Wait(ctx); err != nil {
		return Snapshot{}, errs.New("binance", errs.CodeUnavailable,
			errs.WithMessage("snapshot cooldown interrupted"), errs.WithCause(err))
	}

	url := f.baseURL + "/fapi/v1/depth?symbol=" + strings.ToUpper(symbol) +
		"&limit=" + strconv.Itoa(f.depth)

	var lastErr error
	for attempt := 0; attempt < snapshotAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			case <-ctx.Done():
				return Snapshot{}, ctx.Err()
			}
		}
		snap, err := f.fetchOnce(ctx, url)
		if err == nil {
			return snap, nil
		}
		lastErr = err
	}
	return Snapshot{}, lastErr
}

func (f *HTTPSnapshotFetcher) fetchOnce(ctx context.Context, url string) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Snapshot{}, errs.New("binance", errs.CodeInvalid,
			errs.WithMessage("create snapshot request"), errs.WithCause(err))
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Snapshot{}, errs.New("binance", errs.CodeNetwork,
			errs.WithMessage("fetch snapshot"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Snapshot{}, errs.New("binance", errs.CodeNetwork,
			errs.WithMessage("read snapshot body"), errs.WithCause(err))
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return Snapshot{}, errs.New("binance", errs.CodeRateLimited,
			errs.WithCanonicalCode(errs.CanonicalRateLimited),
			errs.WithHTTP(resp.StatusCode), errs.WithRawMessage(string(body)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Snapshot{}, errs.New("binance", errs.CodeExchange,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("snapshot status "+strconv.Itoa(resp.StatusCode)),
			errs.WithRawMessage(string(body)))
	}

	var depth restDepth
	if err := json.Unmarshal(body, &depth); err != nil {
		return Snapshot{}, errs.New("binance", errs.CodeParse,
			errs.WithMessage("decode snapshot"), errs.WithCause(err))
	}
	return Snapshot{
		LastUpdateID: depth.LastUpdateID,
		Bids:         levelsToMap(depth.Bids),
		Asks:         levelsToMap(depth.Asks),
	}, nil
}

func (f *HTTPSnapshotFetcher) limiter(symbol string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[symbol]
	if !ok {
		lim = rate.NewLimiter(rate.Every(snapshotCooldown), 1)
		f.limiters[symbol] = lim
	}
	return lim
}
