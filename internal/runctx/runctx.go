// Package runctx is the thin sink the rest of hopveil writes observability
// and run artifacts through: meta.json, config_dump.json, append-only
// JSONL logs, and per-(session,path) CSV traces (spec.md §6, "persisted
// artifacts"). It holds no orchestration logic of its own — grounded on
// the teacher's pattern of small owned structs that serialize JSON
// sidecar files next to a run (internal/tunnel/downloader.go writing its
// own status file) adapted here to the window/latency/trace artifacts
// this spec names instead.
package runctx

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Meta is the contents of meta.json.
type Meta struct {
	RunID          string    `json:"run_id"`
	Seed           int64     `json:"seed"`
	AttackerPathID int       `json:"attacker_path_id"`
	StartTime      time.Time `json:"start_time"`
}

// Context owns the output directory for one run and every sink writer
// opened against it. All methods are safe for concurrent use, since
// spec.md §4.8 requires the window-record sink to "tolerate concurrent
// writers from multiple endpoints in the same process".
type Context struct {
	outDir string

	mu       sync.Mutex
	jsonl    map[string]*os.File
	traceDir string
}

// New creates a Context rooted at outDir, creating the directory (and its
// traces/ subdirectory) if necessary. outDir == "" disables all writes;
// every method becomes a no-op so callers need no nil-check branch.
func New(outDir string) (*Context, error) {
	c := &Context{outDir: outDir, jsonl: make(map[string]*os.File)}
	if outDir == "" {
		return c, nil
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create out dir: %w", err)
	}
	c.traceDir = filepath.Join(outDir, "traces")
	if err := os.MkdirAll(c.traceDir, 0o755); err != nil {
		return nil, fmt.Errorf("create traces dir: %w", err)
	}
	return c, nil
}

func (c *Context) enabled() bool { return c.outDir != "" }

// WriteMeta writes meta.json once.
func (c *Context) WriteMeta(m Meta) error {
	if !c.enabled() {
		return nil
	}
	return c.writeJSONFile("meta.json", m)
}

// WriteConfigDump writes config_dump.json once, given any serializable
// RuntimeConfig-shaped value.
func (c *Context) WriteConfigDump(cfg interface{}) error {
	if !c.enabled() {
		return nil
	}
	return c.writeJSONFile("config_dump.json", cfg)
}

func (c *Context) writeJSONFile(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return os.WriteFile(filepath.Join(c.outDir, name), data, 0o644)
}

// AppendJSONL appends one JSON-encoded line to <outDir>/<name>, opening
// and caching the file handle on first use.
func (c *Context) AppendJSONL(name string, record interface{}) error {
	if !c.enabled() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.jsonl[name]
	if !ok {
		var err error
		f, err = os.OpenFile(filepath.Join(c.outDir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open %s: %w", name, err)
		}
		c.jsonl[name] = f
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", name, err)
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}

// WindowRecord is one §4.8 observation-recorder line.
type WindowRecord struct {
	WindowID         uint32  `json:"window_id"`
	PathID           uint8   `json:"path_id"`
	ObfuscationLevel int     `json:"obfuscation_level"`
	AlphaPadding     float64 `json:"alpha_padding"`
	RateBytesPerSec  float64 `json:"rate_bytes_per_sec"`
	JitterMs         int     `json:"jitter_ms"`
	ProtoFamily      uint16  `json:"proto_family"`
	ProtoVariant     uint8   `json:"proto_variant"`
	PaddingBytes     int64   `json:"padding_bytes"`
	RealBytes        int64   `json:"real_bytes"`
	RTTMs            float64 `json:"rtt_ms"`
	Loss             float64 `json:"loss"`
	Trigger          string  `json:"trigger"`
	Action           string  `json:"action"`
	AdaptivePaths    bool    `json:"adaptive_paths"`
	AdaptiveBehavior bool    `json:"adaptive_behavior"`
	AdaptiveProto    bool    `json:"adaptive_proto"`
}

// AppendWindowLog appends one record to window_logs.jsonl.
func (c *Context) AppendWindowLog(r WindowRecord) error {
	return c.AppendJSONL("window_logs.jsonl", r)
}

// LatencyRecord is one application-level latency sample (spec.md §6).
type LatencyRecord struct {
	Seq        uint64 `json:"seq"`
	OK         bool   `json:"ok"`
	LatencyMs  int64  `json:"latency_ms"`
	PayloadLen int    `json:"payload_len"`
}

// AppendLatencyLog appends one record to latency_logs.jsonl.
func (c *Context) AppendLatencyLog(r LatencyRecord) error {
	return c.AppendJSONL("latency_logs.jsonl", r)
}

// Trace is an open per-(session,path) CSV trace writer
// (traces/trace_session_{sid}_path_{pid}_{TM}.csv, header "t,dir,len").
type Trace struct {
	mu sync.Mutex
	f  *os.File
}

// OpenTrace creates the trace file for one session/path pair at the given
// timestamp tag tm, truncating any existing file of that name, and writes
// the header.
func (c *Context) OpenTrace(sessionID string, pathID uint8, tm int64) (*Trace, error) {
	if !c.enabled() {
		return &Trace{}, nil
	}
	name := fmt.Sprintf("trace_session_%s_path_%d_%d.csv", sessionID, pathID, tm)
	f, err := os.Create(filepath.Join(c.traceDir, name))
	if err != nil {
		return nil, fmt.Errorf("create trace file: %w", err)
	}
	if _, err := f.WriteString("t,dir,len\n"); err != nil {
		f.Close()
		return nil, fmt.Errorf("write trace header: %w", err)
	}
	return &Trace{f: f}, nil
}

// WriteEvent appends one "t,dir,len" row. dir is 0 (up) or 1 (down), per
// spec.md §3's Direction.
func (t *Trace) WriteEvent(ts time.Time, dir int, length int) error {
	if t.f == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := fmt.Fprintf(t.f, "%d,%d,%d\n", ts.UnixNano(), dir, length)
	return err
}

// Close closes the underlying file, if any.
func (t *Trace) Close() error {
	if t.f == nil {
		return nil
	}
	return t.f.Close()
}

// Close closes every open JSONL sink.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, f := range c.jsonl {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
