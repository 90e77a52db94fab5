package profile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		event  fsnotify.Event
		want   Event
		wantOk bool
	}{
		{
			name:   "profile created",
			event:  fsnotify.Event{Name: "/p/work.json", Op: fsnotify.Create},
			want:   Event{Kind: Created, Name: "work", Path: "/p/work.json"},
			wantOk: true,
		},
		{
			name:   "profile written",
			event:  fsnotify.Event{Name: "/p/work.json", Op: fsnotify.Write},
			want:   Event{Kind: Updated, Name: "work", Path: "/p/work.json"},
			wantOk: true,
		},
		{
			name:   "profile renamed away",
			event:  fsnotify.Event{Name: "/p/work.json", Op: fsnotify.Rename},
			want:   Event{Kind: Removed, Name: "work", Path: "/p/work.json"},
			wantOk: true,
		},
		{
			name:   "atomic write temp file",
			event:  fsnotify.Event{Name: "/p/.work.json123.tmp", Op: fsnotify.Create},
			wantOk: false,
		},
		{
			name:   "foreign file",
			event:  fsnotify.Event{Name: "/p/notes.txt", Op: fsnotify.Create},
			wantOk: false,
		},
		{
			name:   "chmod only",
			event:  fsnotify.Event{Name: "/p/work.json", Op: fsnotify.Chmod},
			wantOk: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := classify(tt.event)
			require.Equal(t, tt.wantOk, ok)
			if tt.wantOk {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestWatchReportsSavedProfile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "profiles")
	store := NewStore(dir, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan Event, 16)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- store.Watch(ctx, func(e Event) { events <- e })
	}()

	// wait for the directory to exist and the watch to be armed
	require.Eventually(t, func() bool {
		_, err := os.Stat(dir)
		return err == nil
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	_, err := store.Save("home", validDescriptor())
	require.NoError(t, err)

	select {
	case e := <-events:
		assert.Equal(t, "home", e.Name)
		assert.Equal(t, filepath.Join(dir, "home.json"), e.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("no profile event received")
	}

	cancel()
	select {
	case err := <-watchErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}
