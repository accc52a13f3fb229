// Package cachesync implements cache row replication between machines:
// an HTTP server exposing a cache's rows since a given timestamp, and a
// client that pulls and applies them to a local cache. It backs
// tileforge-cachectl's replicate -serve/-connect/-date flags.
package cachesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Row is one replicated cache row: an opaque key/value pair plus the
// timestamp cmd/tileforge-cachectl's --date filter compares against.
type Row struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
}

// Source provides the rows a cache wants replicated, filtered to those
// at or after since.
type Source interface {
	RowsSince(since time.Time) ([]Row, error)
}

// Sink accepts replicated rows from a remote Source.
type Sink interface {
	ApplyRows(rows []Row) error
}

// Server exposes a Source over HTTP for a --serve invocation.
type Server struct {
	source Source
	mux    *http.ServeMux
}

// NewServer builds a replication server for source.
func NewServer(source Source) *Server {
	s := &Server{source: source, mux: http.NewServeMux()}
	s.mux.HandleFunc("/rows", s.handleRows)
	return s
}

func (s *Server) handleRows(w http.ResponseWriter, r *http.Request) {
	since := time.Time{}
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, fmt.Sprintf("bad since parameter: %v", err), http.StatusBadRequest)
			return
		}
		since = parsed
	}

	rows, err := s.source.RowsSince(since)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rows); err != nil {
		log.Printf("cachesync: encode response: %v", err)
	}
}

func loggingMiddleware(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			logger.Println(r.Method, r.URL.Path, r.RemoteAddr)
		}()
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe runs the replication server on addr, logging every
// request via loggingMiddleware.
func (s *Server) ListenAndServe(addr string) error {
	logger := log.New(log.Writer(), "cachesync: ", log.LstdFlags)
	server := &http.Server{
		Addr:         addr,
		Handler:      loggingMiddleware(logger, s.mux),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return server.ListenAndServe()
}

// Client pulls rows from a remote Server and applies them to a local
// Sink, for a --connect HOST invocation.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient constructs a replication client pointed at a remote
// cachesync server.
func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: 30 * time.Second}}
}

// Pull fetches every row at or after since and applies it to sink.
func (c *Client) Pull(ctx context.Context, since time.Time, sink Sink) error {
	url := fmt.Sprintf("%s/rows?since=%s", c.baseURL, since.Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("cachesync: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cachesync: fetch rows: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cachesync: unexpected status %s", resp.Status)
	}

	var rows []Row
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return fmt.Errorf("cachesync: decode rows: %w", err)
	}

	return sink.ApplyRows(rows)
}
