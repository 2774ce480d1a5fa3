package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"voxelcraft.ai/blockorigin/internal/oracle"
)

const (
	segmentPrefix = "audit"
	segmentSuffix = ".jsonl.zst"
	hourLayout    = "2006-01-02-15"
)

// segment is one open <world>/audit-YYYY-MM-DD-HH.jsonl.zst file.
type segment struct {
	hour string
	f    *os.File
	enc  *zstd.Encoder
	w    *bufio.Writer
}

func openSegment(path, hour string) (*segment, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segment{hour: hour, f: f, enc: enc, w: bufio.NewWriterSize(enc, 64*1024)}, nil
}

func (s *segment) append(b []byte) error {
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *segment) close() error {
	_ = s.w.Flush()
	err := s.enc.Close()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// AuditLogger writes audit records as zstd-compressed JSON lines, bucketed by
// world and by the hour the event happened (not the hour it was logged), so a
// replay with a cutoff can skip whole segments. Each world keeps at most one
// segment open.
type AuditLogger struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	open map[uuid.UUID]*segment
}

func NewAuditLogger(dir string) *AuditLogger {
	return &AuditLogger{dir: dir, now: time.Now, open: map[uuid.UUID]*segment{}}
}

// SegmentPath is where records of world for the given hour are written.
func SegmentPath(dir string, world uuid.UUID, at time.Time) string {
	hour := at.UTC().Format(hourLayout)
	return filepath.Join(dir, world.String(), fmt.Sprintf("%s-%s%s", segmentPrefix, hour, segmentSuffix))
}

func (l *AuditLogger) WriteAudit(r oracle.Record) error {
	if l == nil {
		return nil
	}
	if r.At.IsZero() {
		r.At = l.now()
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	hour := r.At.UTC().Format(hourLayout)

	l.mu.Lock()
	defer l.mu.Unlock()
	seg := l.open[r.World]
	if seg != nil && seg.hour != hour {
		// Late or next-hour event; its own segment is reopened in append mode.
		delete(l.open, r.World)
		if err := seg.close(); err != nil {
			return err
		}
		seg = nil
	}
	if seg == nil {
		seg, err = openSegment(SegmentPath(l.dir, r.World, r.At), hour)
		if err != nil {
			return err
		}
		l.open[r.World] = seg
	}
	return seg.append(b)
}

func (l *AuditLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var first error
	for w, seg := range l.open {
		if err := seg.close(); err != nil && first == nil {
			first = err
		}
		delete(l.open, w)
	}
	return first
}
