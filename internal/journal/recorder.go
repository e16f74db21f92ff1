// Package journal persists routed events to compressed on-disk segments so
// recorded game traces can be replayed later.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"jimbot/services/internal/events"
	"jimbot/services/internal/logging"
)

const (
	liveSuffix   = ".jsonl.sz"
	sealedSuffix = ".jsonl.zst"
	manifestName = "manifest.json"
)

// Options configures the recorder.
type Options struct {
	Dir          string
	SegmentBytes int64
	RetainBytes  int64
	Clock        func() time.Time
	Logger       *logging.Logger
}

// Manifest describes the journal layout so replay tooling can locate segments.
type Manifest struct {
	Version   int      `json:"version"`
	CreatedAt string   `json:"created_at"`
	Live      string   `json:"live"`
	Sealed    []string `json:"sealed"`
}

// Stats summarises recorder activity.
type Stats struct {
	Segments     int
	Events       int64
	BytesWritten int64
}

// Recorder appends event envelopes to a snappy-framed JSONL segment, seals the
// segment to zstd when it crosses the size threshold, and keeps the sealed
// segments inside the retention budget (the live segment is not counted).
type Recorder struct {
	dir          string
	segmentBytes int64
	retainBytes  int64
	now          func() time.Time
	log          *logging.Logger

	mu       sync.Mutex
	file     *os.File
	stream   *snappy.Writer
	liveName string
	written  int64
	seq      int
	events   int64
	total    int64
	sealed   []string
	created  time.Time
}

// NewRecorder prepares the journal directory and opens the first segment.
func NewRecorder(opts Options) (*Recorder, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("journal directory must be provided")
	}
	if opts.SegmentBytes <= 0 {
		opts.SegmentBytes = 64 << 20
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	r := &Recorder{
		dir:          opts.Dir,
		segmentBytes: opts.SegmentBytes,
		retainBytes:  opts.RetainBytes,
		now:          opts.Clock,
		log:          opts.Logger,
		created:      opts.Clock().UTC(),
	}
	if err := r.openSegmentLocked(); err != nil {
		return nil, err
	}
	if err := r.writeManifestLocked(); err != nil {
		_ = r.stream.Close()
		_ = r.file.Close()
		return nil, err
	}
	return r, nil
}

// Record appends one event envelope and reports the uncompressed bytes added.
// Failures are the caller's to log; the router never depends on the journal.
func (r *Recorder) Record(event *events.Event) (int, error) {
	if r == nil {
		return 0, errors.New("nil recorder")
	}
	if event == nil {
		return 0, errors.New("event required")
	}
	line, err := json.Marshal(event.Envelope())
	if err != nil {
		return 0, fmt.Errorf("encode journal entry: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stream == nil {
		return 0, errors.New("recorder closed")
	}
	n, err := r.stream.Write(line)
	if err != nil {
		return 0, fmt.Errorf("append journal entry: %w", err)
	}
	r.written += int64(n)
	r.total += int64(n)
	r.events++
	if r.written >= r.segmentBytes {
		if err := r.rollLocked(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Stats reports recorder activity since start.
func (r *Recorder) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	segments := len(r.sealed)
	if r.stream != nil {
		segments++
	}
	return Stats{Segments: segments, Events: r.events, BytesWritten: r.total}
}

// Close flushes and seals the live segment.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stream == nil {
		return nil
	}
	if err := r.sealLocked(); err != nil {
		return err
	}
	return r.writeManifestLocked()
}

func (r *Recorder) openSegmentLocked() error {
	r.seq++
	name := fmt.Sprintf("events-%04d-%s%s", r.seq, r.now().UTC().Format("20060102T150405Z"), liveSuffix)
	file, err := os.Create(filepath.Join(r.dir, name))
	if err != nil {
		return err
	}
	r.file = file
	r.stream = snappy.NewBufferedWriter(file)
	r.liveName = name
	r.written = 0
	return nil
}

// rollLocked seals the live segment into a zstd archive and opens the next.
func (r *Recorder) rollLocked() error {
	if err := r.sealLocked(); err != nil {
		return err
	}
	if err := r.openSegmentLocked(); err != nil {
		return err
	}
	return r.writeManifestLocked()
}

// sealLocked closes the live segment, compacts it, and applies retention.
func (r *Recorder) sealLocked() error {
	if r.stream == nil {
		return nil
	}
	if err := r.stream.Close(); err != nil {
		return err
	}
	if err := r.file.Close(); err != nil {
		return err
	}
	r.stream = nil
	r.file = nil

	livePath := filepath.Join(r.dir, r.liveName)
	sealedName := strings.TrimSuffix(r.liveName, liveSuffix) + sealedSuffix
	if err := compactSegment(livePath, filepath.Join(r.dir, sealedName)); err != nil {
		// Keep the snappy segment readable rather than losing the trace.
		r.log.Warn("journal compaction failed", logging.String("segment", r.liveName), logging.Error(err))
		r.sealed = append(r.sealed, r.liveName)
	} else {
		_ = os.Remove(livePath)
		r.sealed = append(r.sealed, sealedName)
	}
	r.liveName = ""

	r.enforceRetentionLocked()
	return nil
}

func (r *Recorder) writeManifestLocked() error {
	manifest := Manifest{
		Version:   1,
		CreatedAt: r.created.Format(time.RFC3339Nano),
		Live:      r.liveName,
		Sealed:    append([]string(nil), r.sealed...),
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(r.dir, manifestName), data, 0o644)
}

// enforceRetentionLocked deletes the oldest sealed segments until the sealed
// footprint fits the retention budget.
func (r *Recorder) enforceRetentionLocked() {
	if r.retainBytes <= 0 {
		return
	}
	type sized struct {
		name string
		size int64
	}
	var entries []sized
	var total int64
	for _, name := range r.sealed {
		info, err := os.Stat(filepath.Join(r.dir, name))
		if err != nil {
			continue
		}
		entries = append(entries, sized{name: name, size: info.Size()})
		total += info.Size()
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	for _, entry := range entries {
		if total <= r.retainBytes {
			break
		}
		_ = os.Remove(filepath.Join(r.dir, entry.name))
		total -= entry.size
		r.dropSealedLocked(entry.name)
		r.log.Info("journal segment evicted", logging.String("segment", entry.name))
	}
}

func (r *Recorder) dropSealedLocked(name string) {
	kept := r.sealed[:0]
	for _, sealed := range r.sealed {
		if sealed != name {
			kept = append(kept, sealed)
		}
	}
	r.sealed = kept
}

func compactSegment(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	encoder, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(encoder, snappy.NewReader(in)); err != nil {
		encoder.Close()
		out.Close()
		return err
	}
	if err := encoder.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ReadSegment decodes every envelope in a live or sealed segment, primarily
// for replay tooling and tests.
func ReadSegment(path string) ([]map[string]any, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var reader io.Reader
	switch {
	case strings.HasSuffix(path, liveSuffix):
		reader = snappy.NewReader(file)
	case strings.HasSuffix(path, sealedSuffix):
		decoder, err := zstd.NewReader(file)
		if err != nil {
			return nil, err
		}
		defer decoder.Close()
		reader = decoder
	default:
		return nil, fmt.Errorf("unrecognised segment %s", path)
	}

	var out []map[string]any
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("decode journal entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, scanner.Err()
}
