// Package loki ships zerolog JSON lines to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // push base URL, e.g. "http://loki:3100"
	Labels        map[string]string // static stream labels
	BatchSize     int               // entries per push (default 100)
	MaxBuffered   int               // entries kept while Loki is unreachable (default 10 * BatchSize)
	FlushInterval time.Duration     // default 5s
	Timeout       time.Duration     // HTTP timeout, default 10s
}

type entry struct {
	at    time.Time
	level string
	line  string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// Writer is an io.Writer that batches log lines and pushes them to Loki.
// Lines are grouped into one stream per zerolog level.
type Writer struct {
	url         string
	client      *http.Client
	batchSize   int
	maxBuffered int
	interval    time.Duration

	mu     sync.Mutex
	labels map[string]string
	buffer []entry

	trigger chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	flushing    atomic.Bool
	flushErrors atomic.Uint64
	dropped     atomic.Uint64
}

// NewWriter creates a writer. Call Start to begin pushing.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = 10 * cfg.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	labels := map[string]string{"job": "repovault"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	return &Writer{
		url:         cfg.URL,
		client:      &http.Client{Timeout: cfg.Timeout},
		batchSize:   cfg.BatchSize,
		maxBuffered: cfg.MaxBuffered,
		interval:    cfg.FlushInterval,
		labels:      labels,
		buffer:      make([]entry, 0, cfg.BatchSize),
		trigger:     make(chan struct{}, 1),
	}
}

// Write buffers one log line. It never fails; lines beyond MaxBuffered are
// dropped and counted.
func (w *Writer) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}
	e := entry{at: time.Now(), level: levelOf(line), line: line}

	w.mu.Lock()
	if len(w.buffer) >= w.maxBuffered {
		w.mu.Unlock()
		w.dropped.Add(1)
		return len(p), nil
	}
	w.buffer = append(w.buffer, e)
	full := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

func levelOf(line string) string {
	var v struct {
		Level string `json:"level"`
	}
	if json.Unmarshal([]byte(line), &v) != nil || v.Level == "" {
		return "unknown"
	}
	return v.Level
}

// Start runs the background flusher.
func (w *Writer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Flush()
			case <-w.trigger:
				w.Flush()
			}
		}
	}()
}

// Stop ends the flusher and pushes what is left.
func (w *Writer) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.Flush()
}

// Flush pushes buffered lines now. Concurrent calls collapse into one.
// Lines whose push failed are put back for the next attempt, up to
// MaxBuffered.
func (w *Writer) Flush() {
	if !w.flushing.CompareAndSwap(false, true) {
		return
	}
	defer w.flushing.Store(false)

	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	entries := w.buffer
	w.buffer = make([]entry, 0, w.batchSize)
	labels := make(map[string]string, len(w.labels))
	for k, v := range w.labels {
		labels[k] = v
	}
	w.mu.Unlock()

	if err := w.push(labels, entries); err != nil {
		if w.flushErrors.Add(1) <= 3 {
			// stderr, not zerolog: this writer is part of the logger
			fmt.Fprintf(os.Stderr, "loki: %v\n", err)
		}
		w.requeue(entries)
	}
}

func (w *Writer) requeue(entries []entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	room := w.maxBuffered - len(w.buffer)
	if room <= 0 {
		w.dropped.Add(uint64(len(entries)))
		return
	}
	if len(entries) > room {
		w.dropped.Add(uint64(len(entries) - room))
		entries = entries[len(entries)-room:]
	}
	w.buffer = append(entries, w.buffer...)
}

func (w *Writer) push(labels map[string]string, entries []entry) error {
	byLevel := make(map[string][][2]string)
	for _, e := range entries {
		byLevel[e.level] = append(byLevel[e.level], [2]string{strconv.FormatInt(e.at.UnixNano(), 10), e.line})
	}
	levels := make([]string, 0, len(byLevel))
	for l := range byLevel {
		levels = append(levels, l)
	}
	sort.Strings(levels)

	req := pushRequest{Streams: make([]stream, 0, len(levels))}
	for _, l := range levels {
		s := stream{Stream: map[string]string{"level": l}, Values: byLevel[l]}
		for k, v := range labels {
			s.Stream[k] = v
		}
		req.Streams = append(req.Streams, s)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal push: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+"/loki/api/v1/push", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build push: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push: server returned %s", resp.Status)
	}
	return nil
}

// SetLabels merges labels into every later push.
func (w *Writer) SetLabels(labels map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, v := range labels {
		w.labels[k] = v
	}
}

// FlushErrors returns the number of failed pushes.
func (w *Writer) FlushErrors() uint64 {
	return w.flushErrors.Load()
}

// Dropped returns the number of lines discarded because the buffer was full.
func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}
