package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/idlemail/idlemail/internal/hub"
	"github.com/idlemail/idlemail/internal/mail"
)

// record is the on-disk form of one pending delivery task. One file per
// task, so concurrent enqueues never contend on a shared file.
type record struct {
	Due         time.Time `json:"due"`
	Destination string    `json:"destination"`
	Source      string    `json:"source"`
	Received    time.Time `json:"received"`
	Data        []byte    `json:"data"`
}

// Filesystem is the durable retry agent. Every enqueued task is written to
// the configured directory before it is scheduled, and the file is removed
// once the task has been released back to the hub. On startup the
// directory is scanned and the queue reconstructed, so tasks enqueued
// before a crash or shutdown are released after the restart (immediately,
// when their due-time passed while the process was down).
type Filesystem struct {
	log   *slog.Logger
	delay time.Duration
	dir   string
	q     *queue
}

// NewFilesystem creates a filesystem retry agent over dir, which must be an
// existing directory, and loads any records a previous run left behind.
// Records are written atomically (write to *.tmp, then rename), so a
// leftover *.tmp from a crash mid-write is garbage by definition and is
// cleaned up here rather than restored.
func NewFilesystem(dir string, delay time.Duration, log *slog.Logger) (*Filesystem, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("retry directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("retry directory %s: not a directory", dir)
	}

	f := &Filesystem{
		log:   log.With("retryagent", "filesystem"),
		delay: delay,
		dir:   dir,
		q:     newQueue(),
	}
	if err := f.restore(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Filesystem) restore() error {
	dirents, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("scanning retry directory: %w", err)
	}

	var restored []entry
	for _, dirent := range dirents {
		if dirent.IsDir() {
			continue
		}
		path := filepath.Join(f.dir, dirent.Name())
		if strings.HasSuffix(dirent.Name(), ".tmp") {
			f.log.Warn("removing half-written retry record", "path", path)
			if err := os.Remove(path); err != nil {
				f.log.Warn("failed to remove half-written retry record", "path", path, "error", err)
			}
			continue
		}
		if !strings.HasSuffix(dirent.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			f.log.Error("failed to read retry record", "path", path, "error", err)
			continue
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			f.log.Error("failed to parse retry record", "path", path, "error", err)
			continue
		}
		restored = append(restored, entry{
			due: rec.Due,
			task: hub.Task{
				Destination: rec.Destination,
				Mail:        mail.Restore(rec.Source, rec.Data, rec.Received),
			},
			path: path,
		})
	}

	// Due-time order, filename as the deterministic tie-breaker.
	sort.SliceStable(restored, func(i, j int) bool {
		if restored[i].due.Equal(restored[j].due) {
			return restored[i].path < restored[j].path
		}
		return restored[i].due.Before(restored[j].due)
	})
	for _, e := range restored {
		f.log.Info("restored retry record",
			"mail", e.task.Mail.ID, "destination", e.task.Destination, "due", e.due)
		f.q.push(e)
	}
	return nil
}

// Enqueue persists the task and schedules it for release after the
// configured delay. A persistence failure (disk full, permissions) is not
// fatal and must not drop the task: the entry degrades to memory-only for
// this process lifetime, with a warning.
func (f *Filesystem) Enqueue(task hub.Task) {
	due := time.Now().Add(f.delay)
	e := entry{due: due, task: task}

	path, err := f.persist(task, due)
	if err != nil {
		f.log.Warn("failed to persist retry record, keeping it in memory only",
			"mail", task.Mail.ID, "destination", task.Destination, "error", err)
	} else {
		e.path = path
	}

	f.log.Info("queueing mail for retransmission",
		"mail", task.Mail.ID, "destination", task.Destination, "delay", f.delay)
	f.q.push(e)
}

func (f *Filesystem) persist(task hub.Task, due time.Time) (string, error) {
	data, err := json.Marshal(record{
		Due:         due,
		Destination: task.Destination,
		Source:      task.Mail.Source,
		Received:    task.Mail.Received,
		Data:        task.Mail.Data,
	})
	if err != nil {
		return "", fmt.Errorf("encoding retry record: %w", err)
	}

	// Content hash plus destination for operator readability, UUID so two
	// concurrent writes can never collide.
	name := fmt.Sprintf("%s_to_%s-%s.json",
		task.Mail.ID, pathComponent(task.Destination), uuid.NewString())
	path := filepath.Join(f.dir, name)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("writing retry record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("committing retry record: %w", err)
	}
	return path, nil
}

// Run releases due tasks until ctx is cancelled. The on-disk record is
// removed only after the task has been handed back to the hub.
func (f *Filesystem) Run(ctx context.Context, release func(hub.Task)) error {
	return f.q.run(ctx, func(e entry) {
		f.log.Info("mail due for retransmission",
			"mail", e.task.Mail.ID, "destination", e.task.Destination)
		release(e.task)
		if e.path == "" {
			return
		}
		if err := os.Remove(e.path); err != nil {
			f.log.Warn("failed to remove released retry record", "path", e.path, "error", err)
		}
	})
}

// pathComponent makes a destination name safe to embed in a filename.
func pathComponent(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, name)
}
