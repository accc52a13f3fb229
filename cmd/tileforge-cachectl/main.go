// Command tileforge-cachectl administers a compound-tile cache: merging
// several cache files into one, inspecting a cache's size/row count, and
// replicating rows between machines over HTTP.
package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/paoletto/tileforge/cachesync"
	"github.com/paoletto/tileforge/compoundcache"
	"github.com/paoletto/tileforge/s3mirror"
)

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: tileforge-cachectl <merge|inspect|replicate> [flags]")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	switch os.Args[1] {
	case "merge":
		runMerge(os.Args[2:])
	case "inspect":
		runInspect(os.Args[2:])
	case "replicate":
		runReplicate(os.Args[2:])
	default:
		usage()
	}
}

func runMerge(args []string) {
	fs := flag.NewFlagSet("merge", flag.ExitOnError)
	output := fs.String("output", "", "output compound-tile cache to write")
	s3Bucket := fs.String("s3-bucket", "", "optionally mirror the merged cache file to this S3 bucket")
	s3Key := fs.String("s3-key", "", "S3 object key for the mirrored cache (default: output file name)")
	fs.Parse(args)
	inputs := fs.Args()

	if *output == "" {
		log.Fatalf("must specify -output")
	}
	if len(inputs) == 0 {
		log.Fatalf("must specify at least one input cache path")
	}
	if pathExists(*output) {
		log.Fatalf("output path %s already exists and cannot be overwritten", *output)
	}

	out, err := compoundcache.Open(*output, 1000)
	if err != nil {
		log.Fatalf("creating output cache: %v", err)
	}
	defer out.Close()

	for _, in := range inputs {
		src, err := compoundcache.Open(in, 1000)
		if err != nil {
			log.Fatalf("opening input cache %s: %v", in, err)
		}

		count := 0
		err = src.VisitAll(func(row compoundcache.StoredRow) error {
			count++
			return out.PutRow(row)
		})
		src.Close()
		if err != nil {
			log.Fatalf("merging %s: %v", in, err)
		}
		log.Printf("merged %d rows from %s", count, in)
	}

	if *s3Bucket != "" {
		if err := out.Flush(); err != nil {
			log.Fatalf("flushing output cache before mirror: %v", err)
		}

		key := *s3Key
		if key == "" {
			key = filepath.Base(*output)
		}
		uploader, err := s3mirror.NewS3Uploader(*s3Bucket)
		if err != nil {
			log.Fatalf("s3 mirror: %v", err)
		}
		sidecar := s3mirror.NewSidecar(uploader, *output, key, 1)
		if err := sidecar.OnCommit(); err != nil {
			log.Fatalf("s3 mirror: %v", err)
		}
		log.Printf("mirrored %s to s3://%s/%s", *output, *s3Bucket, key)
	}
}

func runInspect(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	path := fs.String("compound-cache", "", "compound-tile cache to inspect")
	fs.Parse(args)

	if *path == "" {
		log.Fatalf("must specify -compound-cache")
	}

	c, err := compoundcache.Open(*path, 1000)
	if err != nil {
		log.Fatalf("opening cache: %v", err)
	}
	defer c.Close()

	rowCount := 0
	if err := c.VisitAll(func(compoundcache.StoredRow) error { rowCount++; return nil }); err != nil {
		log.Fatalf("scanning cache: %v", err)
	}

	size, err := c.Size()
	if err != nil {
		log.Fatalf("sizing cache: %v", err)
	}

	fmt.Printf("%s: %d rows, %d bytes of cached PNG data\n", *path, rowCount, size)
}

func runReplicate(args []string) {
	fs := flag.NewFlagSet("replicate", flag.ExitOnError)
	path := fs.String("compound-cache", "", "compound-tile cache to replicate")
	serveAddr := fs.String("serve", "", "listen address to expose this cache's rows over HTTP")
	connectAddr := fs.String("connect", "", "remote tileforge-cachectl replicate -serve address to pull rows from")
	port := fs.Int("port", 0, "override port when -serve/-connect specify a bare host (0 = use address as given)")
	date := fs.String("date", "", "ISO8601 timestamp: only replicate rows at or after this time")
	fs.Parse(args)

	if *path == "" {
		log.Fatalf("must specify -compound-cache")
	}
	if (*serveAddr == "") == (*connectAddr == "") {
		log.Fatalf("must specify exactly one of -serve or -connect")
	}

	c, err := compoundcache.Open(*path, 1000)
	if err != nil {
		log.Fatalf("opening cache: %v", err)
	}
	defer c.Close()

	adapter := &compoundCacheAdapter{cache: c}

	if *serveAddr != "" {
		addr := *serveAddr
		if *port != 0 {
			addr = fmt.Sprintf("%s:%d", addr, *port)
		}
		server := cachesync.NewServer(adapter)
		log.Printf("tileforge-cachectl: serving %s on %s", *path, addr)
		if err := server.ListenAndServe(addr); err != nil {
			log.Fatalf("replication server: %v", err)
		}
		return
	}

	since := time.Time{}
	if *date != "" {
		parsed, err := time.Parse(time.RFC3339, *date)
		if err != nil {
			log.Fatalf("-date: %v", err)
		}
		since = parsed
	}

	url := *connectAddr
	if *port != 0 {
		url = fmt.Sprintf("%s:%d", url, *port)
	}
	client := cachesync.NewClient(url)
	if err := client.Pull(context.Background(), since, adapter); err != nil {
		log.Fatalf("replication pull: %v", err)
	}
	log.Printf("tileforge-cachectl: pulled rows from %s since %s into %s", url, since.Format(time.RFC3339), *path)
}

// compoundCacheAdapter implements cachesync.Source and cachesync.Sink
// over a compoundcache.Cache, encoding each StoredRow's key as a
// delimited string and its record as base64 PNG + hex MD5 JSON.
type compoundCacheAdapter struct {
	cache *compoundcache.Cache
}

type compoundRowValue struct {
	MD5 string `json:"md5"`
	PNG string `json:"png"`
}

// keySep separates a compoundcache.Key's fields in its replicated string
// form. Chosen as a control character unlikely to appear in a URL
// template, since the template itself may contain the more obvious
// delimiters (":", "/", ",").
const keySep = "\x1f"

func keyString(k compoundcache.Key) string {
	return strings.Join([]string{
		k.URLTemplate,
		strconv.FormatUint(k.X, 10),
		strconv.FormatUint(k.Y, 10),
		strconv.FormatUint(uint64(k.SourceZoom), 10),
		strconv.FormatUint(uint64(k.DestZoom), 10),
	}, keySep)
}

func parseKeyString(s string) (compoundcache.Key, error) {
	var k compoundcache.Key
	parts := strings.Split(s, keySep)
	if len(parts) != 5 {
		return k, fmt.Errorf("malformed replicated key %q", s)
	}
	k.URLTemplate = parts[0]
	x, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return k, err
	}
	y, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return k, err
	}
	sz, err := strconv.ParseUint(parts[3], 10, 8)
	if err != nil {
		return k, err
	}
	dz, err := strconv.ParseUint(parts[4], 10, 8)
	if err != nil {
		return k, err
	}
	k.X, k.Y, k.SourceZoom, k.DestZoom = x, y, uint8(sz), uint8(dz)
	return k, nil
}

func (a *compoundCacheAdapter) RowsSince(since time.Time) ([]cachesync.Row, error) {
	stored, err := a.cache.RowsSince(since)
	if err != nil {
		return nil, err
	}

	rows := make([]cachesync.Row, 0, len(stored))
	for _, sr := range stored {
		val := compoundRowValue{MD5: hex.EncodeToString(sr.Record.MD5[:]), PNG: base64.StdEncoding.EncodeToString(sr.Record.PNG)}
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("encoding row %v: %w", sr.Key, err)
		}
		rows = append(rows, cachesync.Row{Key: keyString(sr.Key), Value: raw, Timestamp: sr.UpdatedAt})
	}
	return rows, nil
}

func (a *compoundCacheAdapter) ApplyRows(rows []cachesync.Row) error {
	for _, row := range rows {
		key, err := parseKeyString(row.Key)
		if err != nil {
			return fmt.Errorf("decoding key %q: %w", row.Key, err)
		}

		var val compoundRowValue
		if err := json.Unmarshal(row.Value, &val); err != nil {
			return fmt.Errorf("decoding row %q: %w", row.Key, err)
		}
		md5Raw, err := hex.DecodeString(val.MD5)
		if err != nil || len(md5Raw) != 16 {
			return fmt.Errorf("corrupt md5 for row %q", row.Key)
		}
		png, err := base64.StdEncoding.DecodeString(val.PNG)
		if err != nil {
			return fmt.Errorf("corrupt png for row %q: %w", row.Key, err)
		}

		sr := compoundcache.StoredRow{Key: key, UpdatedAt: row.Timestamp}
		copy(sr.Record.MD5[:], md5Raw)
		sr.Record.PNG = png

		if err := a.cache.PutRow(sr); err != nil {
			return err
		}
	}
	return nil
}
