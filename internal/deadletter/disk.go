package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"replicator/internal/envelope"
)

// Disk stores one JSON file per parked envelope, named by idempotency key.
// The write is staged through a temp file and renamed so a crash never
// leaves a half-written entry behind.
type Disk struct {
	dir string
	mu  sync.Mutex
}

// NewDisk creates the directory if needed and returns a disk-backed store.
func NewDisk(dir string) (*Disk, error) {
	if dir == "" {
		return nil, fmt.Errorf("dead-letter directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dead-letter directory: %w", err)
	}
	return &Disk{dir: dir}, nil
}

func (d *Disk) Write(ctx context.Context, env *envelope.Envelope, reason string, attempts int) error {
	entry := Entry{
		Envelope:    env,
		Reason:      reason,
		Attempts:    attempts,
		LastAttempt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dead-letter entry: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	final := d.path(env.IdempotencyKey())
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write dead-letter entry: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("commit dead-letter entry: %w", err)
	}
	return nil
}

func (d *Disk) Replay(ctx context.Context, fn func(Entry) error) error {
	d.mu.Lock()
	names, err := d.entryFiles()
	d.mu.Unlock()
	if err != nil {
		return err
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := os.ReadFile(filepath.Join(d.dir, name))
		if err != nil {
			return fmt.Errorf("read dead-letter entry %s: %w", name, err)
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("decode dead-letter entry %s: %w", name, err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

func (d *Disk) Remove(ctx context.Context, idempotencyKey string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.Remove(d.path(idempotencyKey)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove dead-letter entry: %w", err)
	}
	return nil
}

func (d *Disk) Len(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	names, err := d.entryFiles()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

func (d *Disk) path(idempotencyKey string) string {
	return filepath.Join(d.dir, idempotencyKey+".json")
}

func (d *Disk) entryFiles() ([]string, error) {
	dirents, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("read dead-letter directory: %w", err)
	}
	var names []string
	for _, de := range dirents {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		names = append(names, de.Name())
	}
	return names, nil
}
