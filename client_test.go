package dcshare

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cenkalti/dcshare/internal/group"
	"github.com/cenkalti/dcshare/internal/queue"
	"github.com/cenkalti/dcshare/internal/tth"
)

func writeTestFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

func mustTTH(t *testing.T, path string) string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	h, err := tth.Of(f)
	if err != nil {
		t.Fatal(err)
	}
	return h.String()
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig
	cfg.Identity.Nickname = "tester"
	cfg.Directories.Settings = filepath.Join(dir, "Settings")
	cfg.Directories.Downloads = filepath.Join(dir, "Downloads")
	cfg.Directories.Incomplete = filepath.Join(dir, "Incomplete")
	cfg.Directories.Filelists = filepath.Join(dir, "Filelists")
	if err := cfg.Configure(); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	return &cfg
}

func TestNewOpensStoreAndBuildsManager(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if c.Downloads() == nil {
		t.Fatal("expected a download manager")
	}
	if c.Groups().Find("nobody") != group.Default {
		t.Fatal("expected unassigned nick to resolve to the default group")
	}
}

func TestResolveUploadRejectsUnknownIdentifier(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if _, _, err := c.resolveUpload("bob", "garbage"); err == nil {
		t.Fatal("expected an error for an unrecognized ADCGET identifier")
	}
}

func TestResolveUploadFindsTTHWithinGroup(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	dir := t.TempDir()
	c.files.AddRoot(group.Default, dir)
	path := filepath.Join(dir, "movie.mkv")
	if err := writeTestFile(path, []byte("hello world")); err != nil {
		t.Fatal(err)
	}
	if err := c.files.Generate(group.Default); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	resolved, size, err := c.resolveUpload("bob", "TTH/"+mustTTH(t, path))
	if err != nil {
		t.Fatalf("resolveUpload: %v", err)
	}
	if resolved != path || size != int64(len("hello world")) {
		t.Fatalf("expected (%s,%d), got (%s,%d)", path, len("hello world"), resolved, size)
	}
}

func TestSnapshotAndRestoreGroupsRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if err := c.groups.Create("music"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.groups.Add("music", "bob"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := c.snapshot(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	c2 := &Client{db: c.db, groups: group.New()}
	c2.restore()
	if got := c2.groups.Find("bob"); got != "music" {
		t.Fatalf("expected bob to restore into music, got %q", got)
	}
}

func TestSnapshotAndRestoreFileListRootsRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	shareDir := t.TempDir()
	c.files.AddRoot(group.Default, shareDir)
	if err := c.snapshot(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	cfg2 := testConfig(t)
	c2, err := New(cfg2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c2.Close()
	c2.db = c.db
	c2.files = c.files // same underlying store for this roundtrip check
	c2.restore()
	roots := c2.files.Roots()
	if len(roots[group.Default]) != 1 || roots[group.Default][0] != shareDir {
		t.Fatalf("expected restored root %q, got %v", shareDir, roots[group.Default])
	}
}

func TestSnapshotAndRestoreQueueViaRestoreQueue(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	c.dl.Queue().Add(&queue.Item{
		ID:             "tth-restore",
		IncompleteBase: "movie.mkv",
		PartIndex:      0,
		PartCount:      1,
		Candidates:     map[string]struct{}{"bob": {}},
		Length:         100,
		TargetName:     "movie.mkv",
	})
	if err := c.snapshot(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	cfg2 := testConfig(t)
	c2, err := New(cfg2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c2.Close()
	c2.db = c.db // reuse the same settings database as c
	c2.restoreQueue()

	if it := c2.dl.Queue().Get("tth-restore", 0); it == nil || it.TargetName != "movie.mkv" {
		t.Fatalf("expected restored queue item, got %+v", it)
	}
}

func TestMarshalQueueRoundTrip(t *testing.T) {
	q := queue.New()
	q.Add(&queue.Item{
		ID:             "tth1",
		IncompleteBase: "movie.mkv",
		PartIndex:      0,
		PartCount:      1,
		Candidates:     map[string]struct{}{"bob": {}},
		Length:         100,
		TargetName:     "movie.mkv",
	})
	blob, err := marshalQueue(q)
	if err != nil {
		t.Fatalf("marshalQueue: %v", err)
	}
	q2 := queue.New()
	if err := RestoreQueue(q2, blob, nil, nil); err != nil {
		t.Fatalf("RestoreQueue: %v", err)
	}
	it := q2.Get("tth1", 0)
	if it == nil || it.TargetName != "movie.mkv" {
		t.Fatalf("expected restored item, got %+v", it)
	}
}
