package checkout

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseo-sh/paseo/internal/common/config"
	"github.com/paseo-sh/paseo/internal/common/logger"
	"github.com/paseo-sh/paseo/internal/events"
	"github.com/paseo-sh/paseo/internal/events/bus"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

func TestParsePorcelain(t *testing.T) {
	out := " M internal/a.go\n?? newfile.txt\nD  gone.go\nA  added.go\nR  old.go -> new.go\n"
	entries := parsePorcelain(out)
	require.Len(t, entries, 5)

	assert.Equal(t, "internal/a.go", entries[0].Path)
	assert.False(t, entries[0].Untracked)

	assert.Equal(t, "newfile.txt", entries[1].Path)
	assert.True(t, entries[1].Untracked)

	assert.Equal(t, "gone.go", entries[2].Path)
	assert.True(t, entries[2].Deleted)

	assert.Equal(t, "added.go", entries[3].Path)
	assert.True(t, entries[3].Added)

	assert.Equal(t, "new.go", entries[4].Path)
	assert.Equal(t, "old.go", entries[4].OldPath)
	assert.True(t, entries[4].Renamed)
}

func TestParseNumstat(t *testing.T) {
	out := "3\t1\tinternal/a.go\n-\t-\timage.png\n10\t0\tcmd/{old => new}/main.go\n"
	stats := parseNumstat(out)

	assert.Equal(t, 3, stats["internal/a.go"].Additions)
	assert.Equal(t, 1, stats["internal/a.go"].Deletions)
	assert.True(t, stats["image.png"].Binary)
	assert.Equal(t, 10, stats["cmd/new/main.go"].Additions)
}

func TestParseUnifiedDiff(t *testing.T) {
	diff := `diff --git a/f.go b/f.go
index 123..456 100644
--- a/f.go
+++ b/f.go
@@ -1,3 +1,4 @@
 package f
+
+// added
 func A() {}
@@ -10 +12,2 @@ func B
-old line
+new line
+another
`
	hunks := parseUnifiedDiff(diff)
	require.Len(t, hunks, 2)

	assert.Equal(t, 1, hunks[0].OldStart)
	assert.Equal(t, 3, hunks[0].OldLines)
	assert.Equal(t, 1, hunks[0].NewStart)
	assert.Equal(t, 4, hunks[0].NewLines)
	assert.Len(t, hunks[0].Lines, 4)

	assert.Equal(t, 10, hunks[1].OldStart)
	assert.Equal(t, 1, hunks[1].OldLines)
	assert.Equal(t, 12, hunks[1].NewStart)
	assert.Equal(t, 2, hunks[1].NewLines)
	assert.Equal(t, "-old line", hunks[1].Lines[0])
}

func TestParseHunkHeaderDefaults(t *testing.T) {
	h := parseHunkHeader("@@ -5 +7 @@")
	assert.Equal(t, 5, h.OldStart)
	assert.Equal(t, 1, h.OldLines)
	assert.Equal(t, 7, h.NewStart)
	assert.Equal(t, 1, h.NewLines)
}

func TestExpandRenamePath(t *testing.T) {
	assert.Equal(t, "b.go", expandRenamePath("a.go => b.go"))
	assert.Equal(t, "cmd/new/main.go", expandRenamePath("cmd/{old => new}/main.go"))
	assert.Equal(t, "plain.go", expandRenamePath("plain.go"))
}

// initRepo creates a git repo with one committed file.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitRun(t, dir, "init", "-q")
	gitRun(t, dir, "config", "user.email", "test@example.com")
	gitRun(t, dir, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\ntwo\nthree\n"), 0o644))
	gitRun(t, dir, "add", ".")
	gitRun(t, dir, "commit", "-q", "-m", "init")
	return dir
}

func gitRun(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func TestComputeDiffCleanTree(t *testing.T) {
	dir := initRepo(t)
	files, err := ComputeDiff(context.Background(), dir, protocol.DiffUncommitted)
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.NotNil(t, files)
}

func TestComputeDiffSortsLexicographically(t *testing.T) {
	dir := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "zz.txt"), []byte("z\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "aa.txt"), []byte("a\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\nTWO\nthree\n"), 0o644))

	files, err := ComputeDiff(context.Background(), dir, protocol.DiffUncommitted)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "a.txt", files[0].Path)
	assert.Equal(t, "aa.txt", files[1].Path)
	assert.Equal(t, "zz.txt", files[2].Path)
}

func TestComputeDiffUntrackedFile(t *testing.T) {
	dir := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("alpha\nbeta\n"), 0o644))

	files, err := ComputeDiff(context.Background(), dir, protocol.DiffUncommitted)
	require.NoError(t, err)
	require.Len(t, files, 1)

	fd := files[0]
	assert.True(t, fd.IsNew)
	assert.Equal(t, 2, fd.Additions)
	require.Len(t, fd.Hunks, 1)
	assert.Equal(t, 0, fd.Hunks[0].OldLines)
	assert.Equal(t, []string{"+alpha", "+beta"}, fd.Hunks[0].Lines)
}

func TestComputeDiffModifiedFile(t *testing.T) {
	dir := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\nTWO\nthree\nfour\n"), 0o644))

	files, err := ComputeDiff(context.Background(), dir, protocol.DiffUncommitted)
	require.NoError(t, err)
	require.Len(t, files, 1)

	fd := files[0]
	assert.False(t, fd.IsNew)
	assert.Equal(t, 2, fd.Additions)
	assert.Equal(t, 1, fd.Deletions)
	require.NotEmpty(t, fd.Hunks)
}

func TestComputeDiffDeletedFile(t *testing.T) {
	dir := initRepo(t)
	require.NoError(t, os.Remove(filepath.Join(dir, "a.txt")))

	files, err := ComputeDiff(context.Background(), dir, protocol.DiffUncommitted)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, files[0].IsDeleted)
	assert.Equal(t, 3, files[0].Deletions)
}

func TestStatusReportsBranchAndDirty(t *testing.T) {
	dir := initRepo(t)
	st, err := Status(context.Background(), dir)
	require.NoError(t, err)
	assert.NotEmpty(t, st.Branch)
	assert.False(t, st.Dirty)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b\n"), 0o644))
	st, err = Status(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, st.Dirty)
	assert.Equal(t, 1, st.DirtyFiles)
}

func newTestCheckoutService(t *testing.T) *Service {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	require.NoError(t, err)
	svc := NewService(config.CheckoutConfig{DebounceMs: 50, PollSeconds: 1}, bus.NewMemoryEventBus(log), log)
	t.Cleanup(svc.Close)
	return svc
}

func TestSubscribeReturnsInitialState(t *testing.T) {
	svc := newTestCheckoutService(t)
	dir := initRepo(t)

	id, files, err := svc.Subscribe(context.Background(), dir, protocol.DiffUncommitted)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Empty(t, files)

	// Same (cwd, mode) joins the existing watch.
	id2, _, err := svc.Subscribe(context.Background(), dir, protocol.DiffUncommitted)
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	require.NoError(t, svc.Unsubscribe(id))
	require.NoError(t, svc.Unsubscribe(id))
	assert.Error(t, svc.Unsubscribe(id))
}

func TestSubscribeRejectsNonRepo(t *testing.T) {
	svc := newTestCheckoutService(t)
	_, _, err := svc.Subscribe(context.Background(), t.TempDir(), protocol.DiffUncommitted)
	require.Error(t, err)
}

func TestWatcherPublishesOnChange(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	require.NoError(t, err)
	eventBus := bus.NewMemoryEventBus(log)
	svc := NewService(config.CheckoutConfig{DebounceMs: 50, PollSeconds: 1}, eventBus, log)
	t.Cleanup(svc.Close)

	dir := initRepo(t)
	id, _, err := svc.Subscribe(context.Background(), dir, protocol.DiffUncommitted)
	require.NoError(t, err)

	updates := make(chan *bus.Event, 8)
	sub, err := eventBus.Subscribe(events.BuildCheckoutDiffSubject(id), func(ctx context.Context, ev *bus.Event) error {
		updates <- ev
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "watched.txt"), []byte("hi\n"), 0o644))

	select {
	case ev := <-updates:
		files, ok := ev.Data["files"].([]protocol.FileDiff)
		require.True(t, ok)
		require.Len(t, files, 1)
		assert.Equal(t, "watched.txt", files[0].Path)
	case <-time.After(5 * time.Second):
		t.Fatal("no checkout diff update after file change")
	}
}
