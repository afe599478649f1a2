package logpipeline

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	artifactstore "github.com/taskforge/taskforge/pkg/artifact/store"
	"github.com/taskforge/taskforge/pkg/taskerr"
)

// Config tunes a Pipeline's buffering and replay cache.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxCacheLines int
}

// DefaultConfig matches the values the original service ships with.
var DefaultConfig = Config{
	BatchSize:     200,
	FlushInterval: 2 * time.Second,
	MaxCacheLines: 200,
}

// Pipeline is the durable, buffered, fanning-out log sink for every Run.
type Pipeline struct {
	blobs  artifactstore.Blobs
	cfg    Config
	broker *broker
	cache  *replayCache

	mu         sync.Mutex
	buffers    map[Key]*buffer
	keyLocks   map[Key]*sync.Mutex
	keyLocksMu sync.Mutex
	tickers    map[Key]*flushTicker
}

// New builds a Pipeline backed by blobs.
func New(blobs artifactstore.Blobs, cfg Config) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg = DefaultConfig
	}
	return &Pipeline{
		blobs:    blobs,
		cfg:      cfg,
		broker:   newBroker(),
		cache:    newReplayCache(cfg.MaxCacheLines),
		buffers:  make(map[Key]*buffer),
		keyLocks: make(map[Key]*sync.Mutex),
		tickers:  make(map[Key]*flushTicker),
	}
}

func liveKey(runID string, stream Stream) string {
	return path.Join("logs", runID, string(stream)+".jsonl")
}

func chunkKey(runID string, stream Stream, offset int64) string {
	return path.Join("logs", runID, "chunks", string(stream), fmt.Sprintf("%012d.chunk", offset))
}

func chunkPrefix(runID string, stream Stream) string {
	return path.Join("logs", runID, "chunks", string(stream)) + "/"
}

func finalKey(runID string, stream Stream) string {
	return path.Join("logs", runID, string(stream)+".log.gz")
}

func (p *Pipeline) lockFor(key Key) *sync.Mutex {
	p.keyLocksMu.Lock()
	defer p.keyLocksMu.Unlock()
	k := Key{RunID: key.RunID, Stream: key.Stream}
	if l, ok := p.keyLocks[k]; ok {
		return l
	}
	l := &sync.Mutex{}
	p.keyLocks[k] = l
	return l
}

func (p *Pipeline) bufferFor(key Key) *buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.buffers[key]; ok {
		return b
	}
	b := newBuffer(p.cfg.BatchSize)
	p.buffers[key] = b

	ticker := newFlushTicker(p.cfg.FlushInterval)
	p.tickers[key] = ticker
	go ticker.run(func() { p.flush(context.Background(), key) })

	return b
}

// Ingest appends a single record to its (run_id, stream) buffer, echoing it
// to subscribers and the replay cache immediately (durability lags buffer
// flush, but live readers do not).
func (p *Pipeline) Ingest(ctx context.Context, rec Record) error {
	key := Key{RunID: rec.RunID, Stream: rec.Stream}
	p.cache.add(key, rec)
	p.broker.publish(key, rec)

	b := p.bufferFor(key)
	if b.add(rec) {
		return p.flush(ctx, key)
	}
	return nil
}

// IngestBatch appends a gzip-compressed JSON array of records, per the
// Line/Batch ingestion contract.
func (p *Pipeline) IngestBatch(ctx context.Context, gzipped []byte) error {
	zr, err := gzip.NewReader(bytes.NewReader(gzipped))
	if err != nil {
		return fmt.Errorf("logpipeline: decompress batch: %w", err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("logpipeline: read batch: %w", err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("logpipeline: decode batch: %w", err)
	}
	for _, rec := range records {
		if err := p.Ingest(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// flush drains key's buffer and appends it to the live jsonl object,
// serialized behind the key's mutex to preserve append ordering.
func (p *Pipeline) flush(ctx context.Context, key Key) error {
	b := p.bufferFor(key)
	records := b.drain()
	if len(records) == 0 {
		return nil
	}

	lock := p.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	var buf bytes.Buffer
	existing, err := p.blobs.Get(ctx, liveKey(key.RunID, key.Stream))
	if err == nil {
		if _, copyErr := io.Copy(&buf, existing); copyErr != nil {
			existing.Close()
			return fmt.Errorf("logpipeline: read existing jsonl: %w", copyErr)
		}
		existing.Close()
	}

	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("logpipeline: encode record: %w", err)
		}
	}

	return p.blobs.Put(ctx, liveKey(key.RunID, key.Stream), &buf, int64(buf.Len()), "application/x-ndjson")
}

// IngestChunk stores one opaque byte range fragment of a Chunk-mode upload.
func (p *Pipeline) IngestChunk(ctx context.Context, runID string, stream Stream, offset int64, data []byte) error {
	key := chunkKey(runID, stream, offset)
	return p.blobs.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "application/octet-stream")
}

// FinalizeChunks concatenates every fragment written via IngestChunk in
// offset order, verifies the combined length and SHA-256 checksum, gzips the
// result into the final object, and deletes the fragments — the Chunk-mode
// contract.
func (p *Pipeline) FinalizeChunks(ctx context.Context, runID string, stream Stream, totalSize int64, checksum string) error {
	prefix := chunkPrefix(runID, stream)

	var keys []string
	cursor := ""
	for {
		page, err := p.blobs.List(ctx, prefix, cursor, 1000)
		if err != nil {
			return fmt.Errorf("logpipeline: list chunks: %w", err)
		}
		for _, e := range page.Entries {
			keys = append(keys, e.Key)
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	sort.Strings(keys) // zero-padded offsets sort lexically == numerically

	var combined bytes.Buffer
	for _, k := range keys {
		r, err := p.blobs.Get(ctx, k)
		if err != nil {
			return fmt.Errorf("logpipeline: read chunk %s: %w", k, err)
		}
		_, copyErr := io.Copy(&combined, r)
		r.Close()
		if copyErr != nil {
			return fmt.Errorf("logpipeline: read chunk %s: %w", k, copyErr)
		}
	}

	if int64(combined.Len()) != totalSize {
		return taskerr.New(taskerr.KindValidation, "chunk length mismatch")
	}
	sum := sha256.Sum256(combined.Bytes())
	if hex.EncodeToString(sum[:]) != checksum {
		return taskerr.New(taskerr.KindValidation, "chunk checksum mismatch")
	}

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	if _, err := zw.Write(combined.Bytes()); err != nil {
		return fmt.Errorf("logpipeline: gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("logpipeline: gzip: %w", err)
	}

	if err := p.blobs.Put(ctx, finalKey(runID, stream), &gz, int64(gz.Len()), "application/gzip"); err != nil {
		return fmt.Errorf("logpipeline: write final: %w", err)
	}

	return p.blobs.DeleteMany(ctx, keys)
}

// QueryResult is one page of records returned by Query.
type QueryResult struct {
	Records    []Record
	NextCursor string
	HasMore    bool
}

// Query returns ordered records for (run_id, stream) starting at startSeq,
// preferring the finalized gzip object, falling back to the live jsonl.
func (p *Pipeline) Query(ctx context.Context, runID string, stream Stream, startSeq int64, limit int, cursor string) (QueryResult, error) {
	records, err := p.readAll(ctx, runID, stream)
	if err != nil {
		return QueryResult{}, err
	}

	start := 0
	if cursor != "" {
		if n, convErr := strconv.Atoi(cursor); convErr == nil {
			start = n
		}
	} else {
		start = len(records)
		for i, r := range records {
			if r.Sequence >= startSeq {
				start = i
				break
			}
		}
	}
	if start > len(records) {
		start = len(records)
	}
	end := start + limit
	hasMore := end < len(records)
	if limit <= 0 || end > len(records) {
		end = len(records)
		hasMore = false
	}

	res := QueryResult{Records: records[start:end], HasMore: hasMore}
	if hasMore {
		res.NextCursor = strconv.Itoa(end)
	}
	return res, nil
}

// Stream returns a chunked byte reader over (run_id, stream): the
// gzip-finalized object if present, otherwise the live ND-JSON.
func (p *Pipeline) Stream(ctx context.Context, runID string, stream Stream) (io.ReadCloser, error) {
	if r, err := p.blobs.Get(ctx, finalKey(runID, stream)); err == nil {
		return gzip.NewReader(r)
	}
	return p.blobs.Get(ctx, liveKey(runID, stream))
}

func (p *Pipeline) readAll(ctx context.Context, runID string, stream Stream) ([]Record, error) {
	var raw io.ReadCloser
	r, err := p.blobs.Get(ctx, finalKey(runID, stream))
	if err == nil {
		raw, err = gzip.NewReader(r)
		if err != nil {
			r.Close()
			return nil, err
		}
	} else {
		raw, err = p.blobs.Get(ctx, liveKey(runID, stream))
		if err != nil {
			return nil, taskerr.New(taskerr.KindValidation, "no log for "+runID+"/"+string(stream))
		}
	}
	defer raw.Close()

	dec := json.NewDecoder(raw)
	var out []Record
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("logpipeline: decode record: %w", err)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Subscribe returns a channel of newly-ingested records for (run_id,
// stream) plus a replay of recently cached lines, for the hub's late-connecting
// subscribers.
func (p *Pipeline) Subscribe(runID string, stream Stream) (Subscriber, []Record) {
	key := Key{RunID: runID, Stream: stream}
	return p.broker.subscribe(key), p.cache.snapshot(key)
}

// Unsubscribe detaches sub from (run_id, stream).
func (p *Pipeline) Unsubscribe(runID string, stream Stream, sub Subscriber) {
	p.broker.unsubscribe(Key{RunID: runID, Stream: stream}, sub)
}

// Dropped reports how many records (run_id, stream)'s live buffer has
// evicted due to overrun.
func (p *Pipeline) Dropped(runID string, stream Stream) int64 {
	key := Key{RunID: runID, Stream: stream}
	p.mu.Lock()
	b, ok := p.buffers[key]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	return b.droppedCount()
}

// Close stops every background flush ticker.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tickers {
		t.Stop()
	}
}
