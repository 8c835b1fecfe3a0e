package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileSink stores evidence under a directory:
//
//	<dir>/<work_item>/<stage>/<run_id>.json   run records, written atomically
//	<dir>/<work_item>/events.jsonl            every record, appended
type FileSink struct {
	dir string
	mu  sync.Mutex
}

// NewFileSink creates a FileSink rooted at dir.
func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

// Dir returns the root directory.
func (s *FileSink) Dir() string { return s.dir }

func (s *FileSink) Write(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	item := safeName(r.WorkItem)
	if item == "" {
		return fmt.Errorf("evidence record without work item")
	}

	if r.Kind == KindRun && r.RunID != "" {
		path := filepath.Join(s.dir, item, safeName(r.Stage), safeName(r.RunID)+".json")
		if err := WriteJSON(path, r); err != nil {
			return fmt.Errorf("write run evidence: %w", err)
		}
	}

	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	return s.appendLine(filepath.Join(s.dir, item, "events.jsonl"), line)
}

func (s *FileSink) appendLine(path string, line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append %s: %w", path, err)
	}
	return f.Close()
}

// safeName keeps ids usable as path elements.
func safeName(s string) string {
	s = strings.TrimSpace(s)
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
}

// WriteAtomic writes data to path by writing a temp file in the same
// directory and renaming it into place.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmpName, path, err)
	}
	tmpName = ""
	return nil
}

// WriteJSON writes v as indented JSON to path atomically.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return WriteAtomic(path, append(data, '\n'))
}

// ReadJSON reads the JSON file at path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return nil
}
