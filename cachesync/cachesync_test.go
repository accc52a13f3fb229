package cachesync

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"
)

type memSource struct {
	rows []Row
}

func (s *memSource) RowsSince(since time.Time) ([]Row, error) {
	var out []Row
	for _, r := range s.rows {
		if !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

type memSink struct {
	applied []Row
}

func (s *memSink) ApplyRows(rows []Row) error {
	s.applied = append(s.applied, rows...)
	return nil
}

func mkRow(key string, ts time.Time) Row {
	raw, _ := json.Marshal(map[string]string{"v": key})
	return Row{Key: key, Value: raw, Timestamp: ts}
}

func TestPullRoundTrip(t *testing.T) {
	base := time.Date(2022, 3, 1, 0, 0, 0, 0, time.UTC)
	source := &memSource{rows: []Row{
		mkRow("old", base.Add(-time.Hour)),
		mkRow("new-a", base.Add(time.Hour)),
		mkRow("new-b", base.Add(2*time.Hour)),
	}}

	srv := httptest.NewServer(NewServer(source).mux)
	defer srv.Close()

	sink := &memSink{}
	client := NewClient(srv.URL)
	if err := client.Pull(context.Background(), base, sink); err != nil {
		t.Fatal(err)
	}

	if len(sink.applied) != 2 {
		t.Fatalf("applied %d rows, want 2 (the --date filter excludes the old row)", len(sink.applied))
	}
	keys := map[string]bool{}
	for _, r := range sink.applied {
		keys[r.Key] = true
	}
	if !keys["new-a"] || !keys["new-b"] {
		t.Errorf("applied keys = %v", keys)
	}
}

func TestPullZeroSinceReplicatesEverything(t *testing.T) {
	base := time.Date(2022, 3, 1, 0, 0, 0, 0, time.UTC)
	source := &memSource{rows: []Row{
		mkRow("a", base),
		mkRow("b", base.Add(time.Minute)),
	}}

	srv := httptest.NewServer(NewServer(source).mux)
	defer srv.Close()

	sink := &memSink{}
	if err := NewClient(srv.URL).Pull(context.Background(), time.Time{}, sink); err != nil {
		t.Fatal(err)
	}
	if len(sink.applied) != 2 {
		t.Errorf("applied %d rows, want 2", len(sink.applied))
	}
}

func TestBadSinceRejected(t *testing.T) {
	srv := httptest.NewServer(NewServer(&memSource{}).mux)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/rows?since=not-a-time")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRowValuesSurviveTransport(t *testing.T) {
	base := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	source := &memSource{rows: []Row{mkRow("k", base)}}

	srv := httptest.NewServer(NewServer(source).mux)
	defer srv.Close()

	sink := &memSink{}
	if err := NewClient(srv.URL).Pull(context.Background(), time.Time{}, sink); err != nil {
		t.Fatal(err)
	}

	var decoded map[string]string
	if err := json.Unmarshal(sink.applied[0].Value, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["v"] != "k" {
		t.Errorf("value payload = %v", decoded)
	}
	if !sink.applied[0].Timestamp.Equal(base) {
		t.Errorf("timestamp = %v, want %v", sink.applied[0].Timestamp, base)
	}
}
