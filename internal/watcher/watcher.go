// Package watcher monitors the history directory for out-of-band changes
// to conversation files and notifies the owning sessions so clients can
// refetch the version list.
package watcher

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceInterval = 500 * time.Millisecond

// UpdateCallback is invoked with the conversation id whose file changed.
type UpdateCallback func(conversationID string)

// Watcher watches one directory of per-conversation JSON files.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	callback  UpdateCallback
	logger    *zap.Logger
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New starts watching dir. The callback fires debounced, once per burst of
// events on the same conversation file.
func New(dir string, callback UpdateCallback, logger *zap.Logger) (*Watcher, error) {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsW.Add(dir); err != nil {
		fsW.Close()
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Watcher{
		fsWatcher: fsW,
		callback:  callback,
		logger:    logger,
		done:      make(chan struct{}),
		timers:    make(map[string]*time.Timer),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
				continue
			}
			id, ok := conversationID(event.Name)
			if !ok {
				continue
			}
			w.schedule(id)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("history watcher error", zap.Error(err))
		}
	}
}

// schedule debounces: each event on a conversation resets its timer.
func (w *Watcher) schedule(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.timers[id]; ok {
		timer.Stop()
	}
	w.timers[id] = time.AfterFunc(debounceInterval, func() {
		w.mu.Lock()
		delete(w.timers, id)
		w.mu.Unlock()
		if w.callback != nil {
			w.callback(id)
		}
	})
}

// Close stops the watcher and cancels pending notifications.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
		w.fsWatcher.Close()

		w.mu.Lock()
		for id, timer := range w.timers {
			timer.Stop()
			delete(w.timers, id)
		}
		w.mu.Unlock()
	})
}

// conversationID maps a history file path back to its conversation id.
// Temp files from atomic replacement are ignored.
func conversationID(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".json") {
		return "", false
	}
	return strings.TrimSuffix(base, ".json"), true
}
