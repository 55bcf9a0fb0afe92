package retry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func listRecords(t *testing.T, dir string) []string {
	t.Helper()
	dirents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading retry directory: %v", err)
	}
	names := make([]string, 0, len(dirents))
	for _, dirent := range dirents {
		names = append(names, dirent.Name())
	}
	return names
}

func TestFilesystem_EnqueueWritesCommittedRecord(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	agent, err := NewFilesystem(dir, time.Hour, testLogger())
	if err != nil {
		t.Fatalf("new filesystem agent: %v", err)
	}

	task := testTask("remote smtp", "one")
	agent.Enqueue(task)

	names := listRecords(t, dir)
	if len(names) != 1 {
		t.Fatalf("retry directory: got %d files %v, want 1", len(names), names)
	}
	name := names[0]
	if strings.HasSuffix(name, ".tmp") {
		t.Fatalf("record %q left uncommitted", name)
	}
	if !strings.HasPrefix(name, task.Mail.ID+"_to_remote_smtp-") {
		t.Errorf("record name %q does not carry mail ID and destination", name)
	}

	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("reading record: %v", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("parsing record: %v", err)
	}
	if rec.Destination != task.Destination {
		t.Errorf("record destination: got %q, want %q", rec.Destination, task.Destination)
	}
	if rec.Source != task.Mail.Source {
		t.Errorf("record source: got %q, want %q", rec.Source, task.Mail.Source)
	}
	if string(rec.Data) != string(task.Mail.Data) {
		t.Error("record payload differs from the enqueued mail")
	}
}

func TestFilesystem_RestartRestoresPendingTasks(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := NewFilesystem(dir, 20*time.Millisecond, testLogger())
	if err != nil {
		t.Fatalf("new filesystem agent: %v", err)
	}

	one := testTask("a", "one")
	two := testTask("a", "two")
	first.Enqueue(one)
	first.Enqueue(two)
	// The first agent is never run: this simulates a crash after the
	// records were persisted but before they came due.

	second, err := NewFilesystem(dir, 20*time.Millisecond, testLogger())
	if err != nil {
		t.Fatalf("restarted filesystem agent: %v", err)
	}
	released := runAgent(t, second)

	got := map[string]int{}
	for i := 0; i < 2; i++ {
		task := awaitRelease(t, released)
		got[task.Mail.ID]++
		if string(task.Mail.Data) == "" {
			t.Error("restored task has empty payload")
		}
	}
	if got[one.Mail.ID] != 1 || got[two.Mail.ID] != 1 {
		t.Errorf("released tasks: got %v, want exactly one of each", got)
	}

	// Released records must disappear from disk.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if names := listRecords(t, dir); len(names) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("released records still on disk: %v", listRecords(t, dir))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFilesystem_RestoreReleasesInDueOrder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	now := time.Now()

	// Filename order deliberately contradicts due order.
	write := func(name string, due time.Time, body string) {
		t.Helper()
		data, err := json.Marshal(record{
			Due:         due,
			Destination: "a",
			Source:      "src",
			Received:    now,
			Data:        []byte(body),
		})
		if err != nil {
			t.Fatalf("encoding record: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			t.Fatalf("writing record: %v", err)
		}
	}
	write("aaa.json", now.Add(-time.Second), "second")
	write("bbb.json", now.Add(-2*time.Second), "first")
	write("ccc.json", now.Add(-3*time.Hour), "zeroth")

	agent, err := NewFilesystem(dir, time.Hour, testLogger())
	if err != nil {
		t.Fatalf("new filesystem agent: %v", err)
	}
	released := runAgent(t, agent)

	for i, want := range []string{"zeroth", "first", "second"} {
		task := awaitRelease(t, released)
		if got := string(task.Mail.Data); got != want {
			t.Errorf("release %d: got payload %q, want %q", i, got, want)
		}
	}
}

func TestFilesystem_RestoreDiscardsHalfWrittenAndCorruptRecords(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tmpPath := filepath.Join(dir, "broken.json.tmp")
	if err := os.WriteFile(tmpPath, []byte(`{"due":`), 0o600); err != nil {
		t.Fatalf("writing tmp file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "corrupt.json"), []byte("not json"), 0o600); err != nil {
		t.Fatalf("writing corrupt file: %v", err)
	}

	agent, err := NewFilesystem(dir, time.Hour, testLogger())
	if err != nil {
		t.Fatalf("new filesystem agent: %v", err)
	}

	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Errorf("half-written record still present: stat err %v", err)
	}
	if _, ok := agent.q.head(); ok {
		t.Error("garbage records were restored into the queue")
	}
}

func TestFilesystem_PersistFailureDegradesToMemoryOnly(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	dir := filepath.Join(parent, "retry")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("creating retry directory: %v", err)
	}
	agent, err := NewFilesystem(dir, 20*time.Millisecond, testLogger())
	if err != nil {
		t.Fatalf("new filesystem agent: %v", err)
	}
	// Yank the directory away so persisting must fail.
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("removing retry directory: %v", err)
	}

	released := runAgent(t, agent)
	task := testTask("a", "one")
	agent.Enqueue(task)

	got := awaitRelease(t, released)
	if got.Mail.ID != task.Mail.ID {
		t.Errorf("released mail: got %q, want %q", got.Mail.ID, task.Mail.ID)
	}
}

func TestFilesystem_MissingDirectoryIsAnError(t *testing.T) {
	t.Parallel()

	if _, err := NewFilesystem(filepath.Join(t.TempDir(), "absent"), time.Hour, testLogger()); err == nil {
		t.Error("expected an error for a missing retry directory")
	}

	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	if _, err := NewFilesystem(file, time.Hour, testLogger()); err == nil {
		t.Error("expected an error for a non-directory retry path")
	}
}
