package settings

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/jordanhubbard/tripdesk/pkg/models"
)

// LoadFile reads settings from a YAML file. Fields missing from the file keep
// their default values.
func LoadFile(path string) (models.AutomationSettings, error) {
	s := models.DefaultAutomationSettings()
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("failed to read settings file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &s); err != nil {
		return s, fmt.Errorf("failed to parse settings file: %w", err)
	}
	return s, nil
}

// Watcher re-applies a settings file to a Store whenever it changes
type Watcher struct {
	path     string
	store    *Store
	debounce time.Duration
	watcher  *fsnotify.Watcher
}

// NewWatcher applies the file once and prepares to watch it
func NewWatcher(path string, store *Store) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: abs, store: store, debounce: 250 * time.Millisecond}
	if err := w.apply(); err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are still seen
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	w.watcher = fw
	return w, nil
}

func (w *Watcher) apply() error {
	next, err := LoadFile(w.path)
	if err != nil {
		return err
	}
	return w.store.Update(next)
}

// Run blocks until ctx is done, reloading after each burst of writes
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := w.apply(); err != nil {
				log.Printf("[Settings] Ignoring change to %s: %v", w.path, err)
				continue
			}
			log.Printf("[Settings] Reloaded %s", w.path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[Settings] Watcher error: %v", err)
		}
	}
}
