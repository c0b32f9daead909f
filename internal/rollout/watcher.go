package rollout

import (
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/kestrelmem/kestrel/internal/events"
	"github.com/kestrelmem/kestrel/internal/observability"
)

// EventPublisher receives rollout lifecycle events. *events.Hub satisfies it.
type EventPublisher interface {
	Publish(evt events.Event)
}

// Watcher reloads the rollout config file on change and feeds validated
// snapshots to a Controller. A bad edit is logged and the previous snapshot
// stays active, so a typo in production config never takes down fan-out.
type Watcher struct {
	path       string
	controller *Controller
	metrics    *observability.Metrics
	hub        EventPublisher
	watcher    *fsnotify.Watcher
	done       chan struct{}
}

// NewWatcher creates a watcher for the config file at path. metrics and hub
// may be nil.
func NewWatcher(path string, controller *Controller, metrics *observability.Metrics, hub EventPublisher) *Watcher {
	return &Watcher{
		path:       path,
		controller: controller,
		metrics:    metrics,
		hub:        hub,
		done:       make(chan struct{}),
	}
}

// Start begins watching. The parent directory is watched rather than the
// file itself so atomic rename-over-file editors still trigger a reload.
// Call Stop to clean up.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return err
	}
	w.watcher = fw

	go w.loop()
	log.Printf("rollout: watching %s for config changes", w.path)
	return nil
}

// Stop shuts down the watcher.
func (w *Watcher) Stop() {
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(evt.Name) != filepath.Clean(w.path) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("rollout: watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	s, err := LoadFile(w.path)
	if err == nil {
		err = w.controller.Update(s)
	}
	if err != nil {
		log.Printf("rollout: rejected config reload, keeping previous: %v", err)
		w.countReload("rejected")
		return
	}

	log.Printf("rollout: config reloaded (mode=%s adapters=%d)", s.Mode, len(s.ActiveAdapters))
	w.countReload("applied")
	if w.hub != nil {
		ev := events.NewEvent(events.TypeRolloutChanged)
		ev.Mode = string(s.Mode)
		w.hub.Publish(ev)
	}
}

func (w *Watcher) countReload(result string) {
	if w.metrics != nil {
		w.metrics.ConfigReloads.WithLabelValues(result).Inc()
	}
}
