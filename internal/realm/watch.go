package realm

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// latestVersionFunc reads the newest committed version from the file.
type latestVersionFunc func(ctx context.Context) (uint64, error)

// commitWatcher publishes commits made by other processes.
//
// SQLite appends every commit to the -wal file (or rewrites the main file after
// a checkpoint), so any write to either file triggers a re-read of the commit
// counter. In-process commits publish directly and arrive here as duplicates,
// which commitSignal ignores.
type commitWatcher struct {
	w    *fsnotify.Watcher
	stop context.CancelFunc
	done chan struct{}
}

// watchCommits starts watching the directory holding dbPath.
func watchCommits(dbPath string, latest latestVersionFunc, sig *commitSignal) (*commitWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watching the directory survives the -wal file being created and removed.
	if err := w.Add(filepath.Dir(dbPath)); err != nil {
		_ = w.Close()
		return nil, err
	}

	ctx, stop := context.WithCancel(context.Background())
	cw := &commitWatcher{w: w, stop: stop, done: make(chan struct{})}
	base := filepath.Clean(dbPath)
	wal := base + "-wal"

	go func() {
		defer close(cw.done)
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				name := filepath.Clean(event.Name)
				if name != base && name != wal {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				readCtx, cancel := context.WithTimeout(ctx, time.Second)
				v, err := latest(readCtx)
				cancel()
				if err != nil {
					if ctx.Err() == nil {
						slog.Debug("commit watcher read failed", "path", dbPath, "error", err)
					}
					continue
				}
				sig.publish(v)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("error watching realm file", "path", dbPath, "error", err)
			}
		}
	}()
	return cw, nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (cw *commitWatcher) Close() {
	if cw == nil {
		return
	}
	cw.stop()
	<-cw.done
}
