package trace

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const deadLetterMaxLine = 8 << 20

// DeadLetter is an append-only JSON Lines file of traces that could not be
// persisted. Each line is one full trace document.
type DeadLetter struct {
	path string
	mu   sync.Mutex
}

// NewDeadLetter returns a DeadLetter for path. Nothing is created until the
// first Append.
func NewDeadLetter(path string) *DeadLetter {
	return &DeadLetter{path: strings.TrimSpace(path)}
}

func (d *DeadLetter) Path() string {
	if d == nil {
		return ""
	}
	return d.path
}

// Append writes traces to the end of the file, creating it when missing.
func (d *DeadLetter) Append(traces ...*Trace) error {
	if d == nil || d.path == "" {
		return fmt.Errorf("dead letter path is not configured")
	}
	if len(traces) == 0 {
		return nil
	}

	var buf strings.Builder
	for _, t := range traces {
		if t == nil {
			continue
		}
		line, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode dead letter trace %q: %w", t.ID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if dir := filepath.Dir(d.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dead letter directory %q: %w", dir, err)
		}
	}
	file, err := os.OpenFile(d.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open dead letter file %q: %w", d.path, err)
	}
	if _, err := file.WriteString(buf.String()); err != nil {
		_ = file.Close()
		return fmt.Errorf("append dead letter file %q: %w", d.path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close dead letter file %q: %w", d.path, err)
	}
	return nil
}

// Each decodes every record in file order and passes it to fn. A missing file
// holds no records. It returns the number of records visited.
func (d *DeadLetter) Each(fn func(*Trace) error) (int, error) {
	if d == nil || d.path == "" {
		return 0, fmt.Errorf("dead letter path is not configured")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	file, err := os.Open(d.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open dead letter file %q: %w", d.path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), deadLetterMaxLine)
	count := 0
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t, err := DecodeJSON([]byte(line))
		if err != nil {
			return count, fmt.Errorf("dead letter line %d: %w", lineNo, err)
		}
		count++
		if err := fn(t); err != nil {
			return count, err
		}
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("read dead letter file %q: %w", d.path, err)
	}
	return count, nil
}

// ReplayResult summarizes a dead letter replay.
type ReplayResult struct {
	Read   int `json:"read"`
	Saved  int `json:"saved"`
	Failed int `json:"failed"`
}

// Replay saves every dead-lettered trace through w in batches. Saves are
// upserts, so replaying the same file twice leaves one copy of each trace.
func Replay(ctx context.Context, d *DeadLetter, w TraceWriter, batchSize int) (ReplayResult, error) {
	result, _, _, err := replay(ctx, d, w, batchSize)
	return result, err
}

// Drain replays d and then removes what it replayed. The file is first moved
// aside to a ".replaying" sibling, so traces appended while the replay runs
// stay in d for the next run. A leftover ".replaying" file from an
// interrupted drain is replayed before d is touched again. Traces that fail
// to save are appended back to d. When the file cannot be read to the end it
// is appended back to d whole.
func Drain(ctx context.Context, d *DeadLetter, w TraceWriter, batchSize int) (ReplayResult, error) {
	claimed, err := d.claim()
	if err != nil {
		return ReplayResult{}, err
	}

	result, failed, complete, err := replay(ctx, claimed, w, batchSize)
	if !complete {
		if restoreErr := d.appendFrom(claimed.path); restoreErr != nil {
			return result, errors.Join(err, restoreErr)
		}
	} else if len(failed) > 0 {
		if restoreErr := d.Append(failed...); restoreErr != nil {
			return result, errors.Join(err, restoreErr)
		}
	}
	return result, errors.Join(err, claimed.remove())
}

func (d *DeadLetter) claimedPath() string {
	return d.path + ".replaying"
}

// claim moves the file aside and returns a DeadLetter over the moved copy.
func (d *DeadLetter) claim() (*DeadLetter, error) {
	if d == nil || d.path == "" {
		return nil, fmt.Errorf("dead letter path is not configured")
	}
	claimed := &DeadLetter{path: d.claimedPath()}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := os.Stat(claimed.path); err == nil {
		return claimed, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat dead letter file %q: %w", claimed.path, err)
	}
	if err := os.Rename(d.path, claimed.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("claim dead letter file %q: %w", d.path, err)
	}
	return claimed, nil
}

func (d *DeadLetter) remove() error {
	if err := os.Remove(d.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove dead letter file %q: %w", d.path, err)
	}
	return nil
}

// appendFrom copies the raw contents of src onto the end of the file.
func (d *DeadLetter) appendFrom(src string) error {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open dead letter file %q: %w", src, err)
	}
	defer in.Close()

	d.mu.Lock()
	defer d.mu.Unlock()
	out, err := os.OpenFile(d.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open dead letter file %q: %w", d.path, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("restore dead letter file %q: %w", d.path, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close dead letter file %q: %w", d.path, err)
	}
	return nil
}

// replay also returns the traces that failed to save and whether the whole
// file was read.
func replay(ctx context.Context, d *DeadLetter, w TraceWriter, batchSize int) (ReplayResult, []*Trace, bool, error) {
	if batchSize <= 0 {
		batchSize = writerBatchSize
	}

	var (
		result  ReplayResult
		failed  []*Trace
		batch   = make([]*Trace, 0, batchSize)
		lastErr error
	)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.SaveBatch(ctx, batch); err == nil {
			result.Saved += len(batch)
			batch = batch[:0]
			return
		}
		for _, t := range batch {
			if err := w.Save(ctx, t); err != nil {
				result.Failed++
				failed = append(failed, t)
				lastErr = err
				continue
			}
			result.Saved++
		}
		batch = batch[:0]
	}

	read, err := d.Each(func(t *Trace) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch = append(batch, t)
		if len(batch) >= batchSize {
			flush()
		}
		return nil
	})
	result.Read = read
	if err != nil {
		return result, failed, false, err
	}
	flush()
	if result.Failed > 0 {
		return result, failed, true, fmt.Errorf("replay %d of %d traces failed: %w", result.Failed, result.Read, lastErr)
	}
	return result, failed, true, nil
}
