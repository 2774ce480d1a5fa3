package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"voxelcraft.ai/blockorigin/internal/oracle"
)

// AuditFiles lists audit segments under dir in chronological order, across
// all world subdirectories. Flat segments directly in dir are included. A
// missing dir has no segments.
func AuditFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	add := func(d string, e fs.DirEntry) {
		if !e.IsDir() && isSegment(e.Name()) {
			names = append(names, filepath.Join(d, e.Name()))
		}
	}
	for _, e := range ents {
		if !e.IsDir() {
			add(dir, e)
			continue
		}
		sub := filepath.Join(dir, e.Name())
		subEnts, err := os.ReadDir(sub)
		if err != nil {
			return nil, err
		}
		for _, se := range subEnts {
			add(sub, se)
		}
	}
	sort.SliceStable(names, func(i, j int) bool {
		bi, bj := filepath.Base(names[i]), filepath.Base(names[j])
		if bi != bj {
			return bi < bj
		}
		return names[i] < names[j]
	})
	return names, nil
}

func isSegment(name string) bool {
	return strings.HasPrefix(name, segmentPrefix+"-") && strings.HasSuffix(name, segmentSuffix)
}

// segmentHour parses the hour a segment covers from its file name.
func segmentHour(path string) (time.Time, bool) {
	h := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), segmentPrefix+"-"), segmentSuffix)
	t, err := time.Parse(hourLayout, h)
	return t, err == nil
}

// ReadAudit streams every record from the audit segments in dir, oldest hour
// first, calling fn for each. A non-nil error from fn stops the scan.
func ReadAudit(dir string, fn func(oracle.Record) error) error {
	return ReadAuditSince(dir, time.Time{}, fn)
}

// ReadAuditSince is ReadAudit that skips segments whose whole hour lies before
// since. Records inside a kept segment are not filtered.
func ReadAuditSince(dir string, since time.Time, fn func(oracle.Record) error) error {
	paths, err := AuditFiles(dir)
	if err != nil {
		return err
	}
	for _, path := range paths {
		if !since.IsZero() {
			if h, ok := segmentHour(path); ok && !h.Add(time.Hour).After(since) {
				continue
			}
		}
		if err := readSegment(path, fn); err != nil {
			return err
		}
	}
	return nil
}

func readSegment(path string, fn func(oracle.Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var r oracle.Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return nil
}
