package detector

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/specforge/internal/logging"
	"github.com/msageha/specforge/internal/model"
)

type fixture struct {
	root     string
	specs    string
	snapshot string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	f := fixture{
		root:     root,
		specs:    filepath.Join(root, "specs"),
		snapshot: filepath.Join(root, ".specforge", "snapshot.yaml"),
	}
	require.NoError(t, os.MkdirAll(f.specs, 0o755))
	return f
}

func (f fixture) write(t *testing.T, name, content string) {
	t.Helper()
	path := filepath.Join(f.specs, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (f fixture) detector(t *testing.T, policy string) *Detector {
	t.Helper()
	filter, err := FilterByName(policy)
	require.NoError(t, err)
	d, err := New(Options{
		Dir:          f.specs,
		SnapshotPath: f.snapshot,
		WorkspaceDir: filepath.Join(f.root, ".specforge"),
		Filter:       filter,
	}, logging.Discard())
	require.NoError(t, err)
	return d
}

func kinds(events []model.ChangeEvent) map[string]model.ChangeKind {
	out := make(map[string]model.ChangeKind, len(events))
	for _, ev := range events {
		out[filepath.Base(ev.Path)] = ev.Kind
	}
	return out
}

func TestScan_CreatedModifiedDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "a.md", "# A\n")
	f.write(t, "b.txt", "B\n")
	f.write(t, "ignored.go", "package x\n")
	d := f.detector(t, PolicyStrict)

	events, err := d.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]model.ChangeKind{"a.md": model.ChangeCreated, "b.txt": model.ChangeCreated}, kinds(events))
	for _, ev := range events {
		assert.True(t, model.ValidateID(ev.ID))
		assert.Len(t, ev.ContentHash, 64)
		assert.Equal(t, f.specs, filepath.Dir(ev.Path))
	}

	f.write(t, "a.md", "# A changed\n")
	require.NoError(t, os.Remove(filepath.Join(f.specs, "b.txt")))

	events, err = d.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]model.ChangeKind{"a.md": model.ChangeModified, "b.txt": model.ChangeDeleted}, kinds(events))
}

func TestScan_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "a.md", "# A\n")
	d := f.detector(t, PolicyWhitespace)

	_, err := d.Scan(ctx)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		events, err := d.Scan(ctx)
		require.NoError(t, err)
		assert.Empty(t, events)
	}
}

func TestScan_SnapshotSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "a.md", "# A\n")

	first := f.detector(t, PolicyWhitespace)
	events, err := first.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)

	restarted := f.detector(t, PolicyWhitespace)
	events, err = restarted.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)

	f.write(t, "nested/b.md", "# B\n")
	events, err = restarted.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]model.ChangeKind{"b.md": model.ChangeCreated}, kinds(events))
}

func TestScan_CorruptSnapshotTakesBaseline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "a.md", "# A\n")
	require.NoError(t, os.MkdirAll(filepath.Dir(f.snapshot), 0o755))
	require.NoError(t, os.WriteFile(f.snapshot, []byte("{{{ not yaml"), 0o644))

	d := f.detector(t, PolicyWhitespace)
	events, err := d.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, events, "baseline scan reports nothing")

	matches, err := filepath.Glob(filepath.Join(f.root, ".specforge", "quarantine", "*"))
	require.NoError(t, err)
	assert.NotEmpty(t, matches)

	f.write(t, "a.md", "# A edited\n")
	events, err = d.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]model.ChangeKind{"a.md": model.ChangeModified}, kinds(events))
}

func TestScan_SignificancePolicies(t *testing.T) {
	tests := []struct {
		name   string
		policy string
		before string
		after  string
		want   bool
	}{
		{"strict sees whitespace", PolicyStrict, "a b\n", "a  b\n", true},
		{"whitespace ignores spacing", PolicyWhitespace, "a b\n", "a  b\n\n", false},
		{"whitespace sees words", PolicyWhitespace, "a b\n", "a c\n", true},
		{"whitespace sees comments", PolicyWhitespace, "a\n", "a <!-- note -->\n", true},
		{"comments ignores html comment", PolicyComments, "a\n", "a <!-- note\nmore -->\n", false},
		{"comments ignores line comment", PolicyComments, "a\n", "a\n// reviewer note\n", false},
		{"comments keeps urls", PolicyComments, "see http://a\n", "see http://b\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.write(t, "spec.md", tt.before)
			d := f.detector(t, tt.policy)
			_, err := d.Scan(ctx)
			require.NoError(t, err)

			f.write(t, "spec.md", tt.after)
			events, err := d.Scan(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, len(events) == 1, "events: %v", events)

			// The new raw content is the baseline either way.
			events, err = d.Scan(ctx)
			require.NoError(t, err)
			assert.Empty(t, events)
		})
	}
}

func TestScan_PolicyChangeReportsEditedFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "a.md", "a\n")
	f.write(t, "b.md", "b\n")
	_, err := f.detector(t, PolicyStrict).Scan(ctx)
	require.NoError(t, err)

	f.write(t, "b.md", "b  \n")
	events, err := f.detector(t, PolicyWhitespace).Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]model.ChangeKind{"b.md": model.ChangeModified}, kinds(events))
}

func TestScan_UnreadableFileWarns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "good.md", "# ok\n")
	require.NoError(t, os.Symlink(filepath.Join(f.root, "missing-target"), filepath.Join(f.specs, "broken.md")))
	d := f.detector(t, PolicyWhitespace)

	events, err := d.Scan(ctx)
	require.NoError(t, err)
	got := kinds(events)
	assert.Equal(t, model.ChangeCreated, got["good.md"])
	assert.Equal(t, model.ChangeWarning, got["broken.md"])
	for _, ev := range events {
		if ev.Kind == model.ChangeWarning {
			assert.NotEmpty(t, ev.Detail)
		}
	}
}

func TestScan_UnreadableDirectoryKeepsState(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions are not enforced for root")
	}
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "top.md", "# top\n")
	f.write(t, "nested/a.md", "# a\n")
	f.write(t, "nested/deeper/b.md", "# b\n")
	d := f.detector(t, PolicyStrict)
	_, err := d.Scan(ctx)
	require.NoError(t, err)

	locked := filepath.Join(f.specs, "nested")
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	events, err := d.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.ChangeWarning, events[0].Kind)
	assert.Equal(t, "nested", filepath.Base(events[0].Path))

	require.NoError(t, os.Chmod(locked, 0o755))
	events, err = d.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, events, "files under a recovered directory are not re-reported")
}

func TestScan_SkipsHiddenDirectories(t *testing.T) {
	f := newFixture(t)
	f.write(t, ".drafts/a.md", "# hidden\n")
	events, err := f.detector(t, PolicyStrict).Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestScan_MissingDirectory(t *testing.T) {
	d, err := New(Options{Dir: filepath.Join(t.TempDir(), "nope")}, logging.Discard())
	require.NoError(t, err)
	_, err = d.Scan(context.Background())
	assert.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{}, nil)
	assert.Error(t, err)
	_, err = New(Options{Dir: "x", Patterns: []string{"[bad"}}, nil)
	assert.Error(t, err)
	_, err = FilterByName("fuzzy")
	assert.Error(t, err)
}

func TestRun_TriggerForcesScan(t *testing.T) {
	f := newFixture(t)
	d := f.detector(t, PolicyStrict)

	var (
		mu  sync.Mutex
		got []model.ChangeEvent
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, time.Hour, func(_ context.Context, events []model.ChangeEvent) {
			mu.Lock()
			got = append(got, events...)
			mu.Unlock()
		})
		close(done)
	}()

	f.write(t, "late.md", "# late\n")
	require.Eventually(t, func() bool {
		d.Trigger()
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, model.ChangeCreated, got[0].Kind)
}

func TestCustomFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "a.md", "v1 body\n")

	firstLine := FilterFunc{Label: "first-line", Fn: func(b []byte) []byte {
		for i, c := range b {
			if c == '\n' {
				return b[:i]
			}
		}
		return b
	}}
	d, err := New(Options{Dir: f.specs, Filter: firstLine}, logging.Discard())
	require.NoError(t, err)
	_, err = d.Scan(ctx)
	require.NoError(t, err)

	f.write(t, "a.md", "v1 body\nappendix\n")
	events, err := d.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestWatch_DebouncesBursts(t *testing.T) {
	f := newFixture(t)
	d, err := New(Options{Dir: f.specs, Debounce: 150 * time.Millisecond}, logging.Discard())
	require.NoError(t, err)

	events := make(chan fsnotify.Event)
	errs := make(chan error)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.watchEvents(ctx, events, errs)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	name := filepath.Join(f.specs, "a.md")
	for range 5 {
		events <- fsnotify.Event{Name: name, Op: fsnotify.Write}
		time.Sleep(10 * time.Millisecond)
	}
	events <- fsnotify.Event{Name: name, Op: fsnotify.Chmod}
	assert.Empty(t, d.trigger, "no trigger while the burst is still settling")

	require.Eventually(t, func() bool { return len(d.trigger) == 1 }, 2*time.Second, 10*time.Millisecond)
	<-d.trigger
	assert.Never(t, func() bool { return len(d.trigger) > 0 }, 400*time.Millisecond, 20*time.Millisecond)
}
