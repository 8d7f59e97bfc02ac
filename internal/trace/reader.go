package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Filter narrows a Read call. Every field is optional; the zero value of a
// field means "don't filter on this". Mirrors the teacher's optional
// nullable-parameter filter shape, adapted from a SQL WHERE clause to a
// plain predicate over decoded records.
type Filter struct {
	SessionID   string
	WorkspaceID string
	EventType   string
	File        string
	Since       time.Time
	Until       time.Time
}

func (f Filter) matches(rec Record) bool {
	if f.SessionID != "" && rec.SessionID != f.SessionID {
		return false
	}
	if f.WorkspaceID != "" && rec.WorkspaceID != f.WorkspaceID {
		return false
	}
	if f.EventType != "" && rec.EventType != f.EventType {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && rec.Timestamp.After(f.Until) {
		return false
	}
	if f.File != "" {
		found := false
		for _, fr := range rec.Files {
			if fr.Path == f.File {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Reader reads back the JSONL trace files a Recorder (or a prior process's
// Recorder) wrote under dir.
type Reader struct {
	dir string
}

// NewReader returns a Reader over the same root directory trace files are
// written under.
func NewReader(dir string) *Reader {
	return &Reader{dir: dir}
}

// Read returns every record matching filter, newest file first, oldest
// record first within a file. Best-effort: a file that fails to open or a
// line that fails to decode is skipped rather than aborting the whole read.
func (r *Reader) Read(filter Filter) ([]Record, error) {
	files, err := r.sortedFiles()
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, path := range files {
		recs, err := readFile(path)
		if err != nil {
			continue
		}
		for _, rec := range recs {
			if filter.matches(rec) {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

// sortedFiles walks <dir>/<YYYY-MM-DD>/traces-*.jsonl and returns every
// trace file path, newest day first.
func (r *Reader) sortedFiles() ([]string, error) {
	dayDirs, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read trace dir %s: %w", r.dir, err)
	}

	var days []string
	for _, d := range dayDirs {
		if d.IsDir() {
			days = append(days, d.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))

	var files []string
	for _, day := range days {
		dayPath := filepath.Join(r.dir, day)
		entries, err := os.ReadDir(dayPath)
		if err != nil {
			continue
		}
		var names []string
		for _, e := range entries {
			if !e.IsDir() {
				names = append(names, e.Name())
			}
		}
		sort.Sort(sort.Reverse(sort.StringSlice(names)))
		for _, n := range names {
			files = append(files, filepath.Join(dayPath, n))
		}
	}
	return files, nil
}

func readFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var recs []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, scanner.Err()
}
