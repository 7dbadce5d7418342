package config

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangedEvent is published whenever the watched configuration file is
// written, created or renamed on disk and a reload has been attempted;
// Err reports a failed reload.
type ChangedEvent struct {
	Config Config
	At     time.Time
	Err    error // non-nil if the reload attempt itself failed
}

// Watcher wraps an fsnotify.Watcher on a single config file and
// publishes ChangedEvent to subscribers instead of mutating a
// package-level global.
type Watcher struct {
	path     string
	resolver resolverFn
	fsw      *fsnotify.Watcher

	mu   sync.Mutex
	subs []chan ChangedEvent
}

type resolverFn func(path string) (Config, error)

// NewWatcher starts watching path for writes/creates/renames, reloading
// via load on each event. load is injected so tests can watch without a
// real secret.Resolver.
func NewWatcher(path string, load func(path string) (Config, error)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{path: path, resolver: load, fsw: fsw}
	go w.run()
	return w, nil
}

// Subscribe registers a new receiver for configuration changes. The
// returned channel is buffered (depth 1) so a slow subscriber never
// blocks the watcher; only the most recent pending change is kept.
func (w *Watcher) Subscribe() <-chan ChangedEvent {
	ch := make(chan ChangedEvent, 1)
	w.mu.Lock()
	w.subs = append(w.subs, ch)
	w.mu.Unlock()
	return ch
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := w.resolver(w.path)
			w.publish(ChangedEvent{Config: cfg, At: time.Now(), Err: err})
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// publish delivers ev to every subscriber, replacing any stale pending
// value rather than blocking (copy-on-write snapshot of the subscriber
// list).
func (w *Watcher) publish(ev ChangedEvent) {
	w.mu.Lock()
	subs := make([]chan ChangedEvent, len(w.subs))
	copy(subs, w.subs)
	w.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Close stops the underlying fsnotify watcher and closes every
// subscriber channel.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subs {
		close(ch)
	}
	w.subs = nil
	return err
}

// Context-aware convenience wrapper used by callers that want a single
// blocking wait instead of owning the channel.
func WaitForChange(ctx context.Context, w *Watcher) (ChangedEvent, error) {
	ch := w.Subscribe()
	select {
	case ev := <-ch:
		return ev, nil
	case <-ctx.Done():
		return ChangedEvent{}, ctx.Err()
	}
}
