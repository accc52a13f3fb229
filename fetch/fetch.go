// Package fetch implements the throttled fetcher: a bounded-concurrency
// HTTP GET issuer that annotates every reply with the originating tile
// coordinate and request id, so callbacks recover context without an
// auxiliary map. Requests beyond the in-flight cap queue FIFO and drain
// as earlier requests complete.
package fetch

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paoletto/tileforge/netcache"
	"github.com/paoletto/tileforge/tferrors"
	"github.com/paoletto/tileforge/tiling"
)

const defaultUserAgent = "tileforge/1.0"

// Reply is the result of one throttled GET, carrying the originating
// tile coordinate and request id as side-channel attributes.
type Reply struct {
	RequestID    uint64
	Key          tiling.TileKey
	DestZoom     uint8
	IsCoverage   bool
	NeighborMask tiling.NeighborMask
	URL          string
	Body         []byte
	Err          error
	Elapsed      time.Duration
}

// Request describes one GET to issue, with the tile metadata threaded
// through to the eventual Reply.
type Request struct {
	URL          string
	Key          tiling.TileKey
	DestZoom     uint8
	RequestID    uint64
	IsCoverage   bool
	NeighborMask tiling.NeighborMask
	OnDone       func(Reply)
}

// Throttled caps concurrent in-flight requests and
// drains a backlog FIFO as in-flight requests complete.
type Throttled struct {
	client        *http.Client
	maxConcurrent int
	userAgent     string
	cache         *netcache.Cache

	flagMu      sync.Mutex
	offline     bool
	logRequests bool

	mu       sync.Mutex
	inFlight int
	waiting  []*Request

	wg sync.WaitGroup
}

// Option configures a Throttled fetcher at construction.
type Option func(*Throttled)

// WithMaxConcurrent overrides the default in-flight cap of 300.
func WithMaxConcurrent(n int) Option {
	return func(t *Throttled) { t.maxConcurrent = n }
}

// WithOffline switches the cache-load-control header to AlwaysCache.
func WithOffline(offline bool) Option {
	return func(t *Throttled) { t.offline = offline }
}

// WithLogRequests emits one log line per outbound URL.
func WithLogRequests(v bool) Option {
	return func(t *Throttled) { t.logRequests = v }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) Option {
	return func(t *Throttled) { t.userAgent = ua }
}

// WithHTTPClient overrides the default tuned *http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Throttled) { t.client = c }
}

// WithCache installs the networking cache: responses are served from it
// when present (PreferCache) and stored into it after every successful
// GET. In offline mode a cache miss fails the request without touching
// the network (AlwaysCache).
func WithCache(c *netcache.Cache) Option {
	return func(t *Throttled) { t.cache = c }
}

// New constructs a Throttled fetcher around a shared *http.Client whose
// Transport raises MaxIdleConnsPerHost so mirror-host round-robining
// doesn't thrash connection setup.
func New(opts ...Option) *Throttled {
	t := &Throttled{
		maxConcurrent: 300,
		userAgent:     defaultUserAgent,
		client: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 500,
			},
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Request enqueues one GET. If fewer than maxConcurrent requests are
// in-flight it issues immediately; otherwise it is appended to the
// waiting backlog and drained as in-flight requests complete.
func (t *Throttled) Request(r *Request) {
	t.mu.Lock()
	if t.inFlight < t.maxConcurrent {
		t.inFlight++
		t.mu.Unlock()
		t.wg.Add(1)
		go t.do(r)
		return
	}
	t.waiting = append(t.waiting, r)
	t.mu.Unlock()
}

func (t *Throttled) do(r *Request) {
	defer t.wg.Done()
	defer t.drainNext()

	start := time.Now()

	t.flagMu.Lock()
	offline, logRequests := t.offline, t.logRequests
	t.flagMu.Unlock()

	if logRequests {
		log.Printf("fetch: GET %s", r.URL)
	}

	if t.cache != nil {
		entry, err := t.cache.Get(r.URL)
		if err != nil {
			log.Printf("fetch: warning: cache probe %s: %v", r.URL, err)
		}
		if entry != nil {
			r.OnDone(Reply{RequestID: r.RequestID, Key: r.Key, DestZoom: r.DestZoom, IsCoverage: r.IsCoverage,
				NeighborMask: r.NeighborMask, URL: r.URL, Body: entry.Body, Elapsed: time.Since(start)})
			return
		}
		if offline {
			// AlwaysCache policy: a miss never falls through to the
			// network.
			r.OnDone(Reply{RequestID: r.RequestID, Key: r.Key, DestZoom: r.DestZoom, IsCoverage: r.IsCoverage,
				NeighborMask: r.NeighborMask, URL: r.URL,
				Err: &tferrors.NetworkError{URL: r.URL, Err: fmt.Errorf("offline and not cached")}})
			return
		}
	}

	httpReq, err := http.NewRequest(http.MethodGet, r.URL, nil)
	if err != nil {
		r.OnDone(Reply{RequestID: r.RequestID, Key: r.Key, DestZoom: r.DestZoom, IsCoverage: r.IsCoverage,
			NeighborMask: r.NeighborMask, URL: r.URL, Err: &tferrors.NetworkError{URL: r.URL, Err: err}})
		return
	}
	httpReq.Header.Set("User-Agent", t.userAgent)
	if offline {
		httpReq.Header.Set("Cache-Control", "only-if-cached")
	}

	body, err := doWithRetry(t.client, httpReq, 5)
	elapsed := time.Since(start)

	if err != nil {
		r.OnDone(Reply{RequestID: r.RequestID, Key: r.Key, DestZoom: r.DestZoom, IsCoverage: r.IsCoverage,
			NeighborMask: r.NeighborMask, URL: r.URL, Err: &tferrors.NetworkError{URL: r.URL, Err: err}, Elapsed: elapsed})
		return
	}

	if t.cache != nil {
		if err := t.cache.Put(r.URL, nil, body); err != nil {
			log.Printf("fetch: warning: cache store %s: %v", r.URL, err)
		}
	}

	r.OnDone(Reply{RequestID: r.RequestID, Key: r.Key, DestZoom: r.DestZoom, IsCoverage: r.IsCoverage,
		NeighborMask: r.NeighborMask, URL: r.URL, Body: body, Elapsed: elapsed})
}

func (t *Throttled) drainNext() {
	t.mu.Lock()
	t.inFlight--
	if len(t.waiting) == 0 {
		t.mu.Unlock()
		return
	}
	next := t.waiting[0]
	t.waiting = t.waiting[1:]
	t.inFlight++
	t.mu.Unlock()

	t.wg.Add(1)
	go t.do(next)
}

// Wait blocks until every in-flight and queued request has completed.
func (t *Throttled) Wait() { t.wg.Wait() }

// SetOffline switches the cache-load-control policy for future requests.
func (t *Throttled) SetOffline(offline bool) {
	t.flagMu.Lock()
	t.offline = offline
	t.flagMu.Unlock()
}

// SetLogRequests toggles per-URL logging for future requests.
func (t *Throttled) SetLogRequests(v bool) {
	t.flagMu.Lock()
	t.logRequests = v
	t.flagMu.Unlock()
}

// doWithRetry issues httpReq with exponential backoff on 5xx statuses.
func doWithRetry(client *http.Client, req *http.Request, nRetries int) ([]byte, error) {
	sleep := 500 * time.Millisecond

	var lastErr error
	for i := 0; i < nRetries; i++ {
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			return nil, err
		}

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotModified {
			defer resp.Body.Close()
			buf := make([]byte, 0, 64*1024)
			tmp := make([]byte, 32*1024)
			for {
				n, rerr := resp.Body.Read(tmp)
				if n > 0 {
					buf = append(buf, tmp[:n]...)
				}
				if rerr != nil {
					break
				}
			}
			if len(buf) == 0 {
				return nil, fmt.Errorf("empty body from %s", req.URL)
			}
			return buf, nil
		}

		resp.Body.Close()
		lastErr = fmt.Errorf("unexpected status %s from %s", resp.Status, req.URL)

		if resp.StatusCode >= 500 && resp.StatusCode < 600 {
			time.Sleep(sleep)
			sleep *= 2
			if sleep > 30*time.Second {
				sleep = 30 * time.Second
			}
			continue
		}
		break
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("ran out of retries for %s", req.URL)
	}
	return nil, lastErr
}

// TemplateExpander expands {x} {y} {z} macros and round-robins one
// [a,b,c] mirror-host bracket set via an atomic counter, for load
// spreading across mirror hosts when many subtile requests go out in
// parallel.
type TemplateExpander struct {
	template string
	mirrors  []string
	counter  uint64
}

// NewTemplateExpander parses a URL template containing {x}, {y}, {z}
// macros and at most one [a,b,c] mirror-host alternative set.
func NewTemplateExpander(template string) (*TemplateExpander, error) {
	start := strings.IndexByte(template, '[')
	end := strings.IndexByte(template, ']')
	if start < 0 && end < 0 {
		return &TemplateExpander{template: template}, nil
	}
	if start < 0 || end < 0 || end < start {
		return nil, &tferrors.ConfigurationError{Context: fmt.Sprintf("malformed bracket set in template %q", template)}
	}

	alternatives := strings.Split(template[start+1:end], ",")
	for i := range alternatives {
		alternatives[i] = strings.TrimSpace(alternatives[i])
	}
	if len(alternatives) == 1 && alternatives[0] == "" {
		return nil, &tferrors.ConfigurationError{Context: fmt.Sprintf("empty bracket set in template %q", template)}
	}

	prefix := template[:start]
	suffix := template[end+1:]
	return &TemplateExpander{template: prefix + "%s" + suffix, mirrors: alternatives}, nil
}

// Expand returns the URL for tile (x, y, z), round-robining the mirror
// set if one was present in the template.
func (e *TemplateExpander) Expand(x, y uint64, z uint8) string {
	url := e.template
	if len(e.mirrors) > 0 {
		idx := atomic.AddUint64(&e.counter, 1) - 1
		mirror := e.mirrors[idx%uint64(len(e.mirrors))]
		url = fmt.Sprintf(url, mirror)
	}
	r := strings.NewReplacer(
		"{x}", fmt.Sprintf("%d", x),
		"{y}", fmt.Sprintf("%d", y),
		"{z}", fmt.Sprintf("%d", z),
	)
	return r.Replace(url)
}
