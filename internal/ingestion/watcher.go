package ingestion

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pterm/pterm"
)

// DirWatcher watches a log directory and signals, debounced, when a
// matching file is written, created or rotated away
type DirWatcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	match    func(name string) bool
	debounce time.Duration
	events   chan struct{}
	errors   chan error
	logger   *pterm.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewDirWatcher creates a new watcher on dir. match selects the file names
// (full paths) that count as activity; nil matches every file.
func NewDirWatcher(dir string, match func(name string) bool, debounce time.Duration, logger *pterm.Logger) (*DirWatcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("log directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("log directory %s is not a directory", dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.WithCaller().Error("Failed to create file watcher", logger.Args("error", err))
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	if match == nil {
		match = func(string) bool { return true }
	}

	dw := &DirWatcher{
		watcher:  watcher,
		dir:      dir,
		match:    match,
		debounce: debounce,
		events:   make(chan struct{}, 1),
		errors:   make(chan error, 10),
		logger:   logger,
		stopCh:   make(chan struct{}),
	}

	dw.wg.Add(1)
	go dw.eventLoop()

	logger.Info("Log directory watcher initialized", logger.Args("dir", dir, "debounce", debounce))
	return dw, nil
}

// eventLoop coalesces bursts of file system events into single signals
func (dw *DirWatcher) eventLoop() {
	defer dw.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-dw.stopCh:
			dw.logger.Debug("Log directory watcher stopped")
			return

		case event, ok := <-dw.watcher.Events:
			if !ok {
				dw.logger.Warn("File watcher events channel closed")
				return
			}
			if !dw.relevant(event) {
				continue
			}
			dw.logger.Trace("Log activity detected", dw.logger.Args("file", event.Name, "op", event.Op.String()))

			if dw.debounce <= 0 {
				dw.notify()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(dw.debounce)
				timerC = timer.C
			}

		case <-timerC:
			timer, timerC = nil, nil
			dw.notify()

		case err, ok := <-dw.watcher.Errors:
			if !ok {
				dw.logger.Warn("File watcher errors channel closed")
				return
			}
			dw.logger.WithCaller().Error("File watcher error", dw.logger.Args("error", err))
			select {
			case dw.errors <- err:
			default:
				dw.logger.Warn("Error channel full, dropping error")
			}
		}
	}
}

func (dw *DirWatcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	return dw.match(event.Name)
}

// notify never blocks, a pending signal already covers this one
func (dw *DirWatcher) notify() {
	select {
	case dw.events <- struct{}{}:
	default:
	}
}

// Events returns the channel signalled on log activity
func (dw *DirWatcher) Events() <-chan struct{} {
	return dw.events
}

// Errors returns the channel for watcher errors
func (dw *DirWatcher) Errors() <-chan error {
	return dw.errors
}

// Dir returns the watched directory
func (dw *DirWatcher) Dir() string {
	return dw.dir
}

// Close stops the watcher and cleans up resources
func (dw *DirWatcher) Close() error {
	dw.logger.Debug("Closing log directory watcher...")
	close(dw.stopCh)
	dw.wg.Wait()

	if err := dw.watcher.Close(); err != nil {
		dw.logger.WithCaller().Error("Failed to close file watcher", dw.logger.Args("error", err))
		return err
	}

	close(dw.events)
	close(dw.errors)
	dw.logger.Info("Log directory watcher closed")
	return nil
}
