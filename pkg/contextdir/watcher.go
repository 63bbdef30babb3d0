package contextdir

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ChangeCallback is called with the document name after an operator-visible
// change settles. Reserved dynamic documents never trigger it.
type ChangeCallback func(name string)

// Watcher monitors the context directory for operator edits made outside the
// HTTP API (direct file edits, engine-side writes).
type Watcher struct {
	watcher            *fsnotify.Watcher
	contextDir         string
	stabilityThreshold time.Duration
	onChange           ChangeCallback
	done               chan struct{}
	debounceTimers     map[string]*time.Timer
	debounceMu         sync.Mutex
	stopOnce           sync.Once
}

// WatcherConfig holds configuration for the watcher
type WatcherConfig struct {
	ContextDir         string
	StabilityThreshold time.Duration
	OnChange           ChangeCallback
}

// NewWatcher creates a new context directory watcher
func NewWatcher(config WatcherConfig) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if config.StabilityThreshold == 0 {
		config.StabilityThreshold = 100 * time.Millisecond
	}

	return &Watcher{
		watcher:            watcher,
		contextDir:         config.ContextDir,
		stabilityThreshold: config.StabilityThreshold,
		onChange:           config.OnChange,
		done:               make(chan struct{}),
		debounceTimers:     make(map[string]*time.Timer),
	}, nil
}

// Start starts watching the context directory
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.contextDir); err != nil {
		return fmt.Errorf("failed to watch context directory: %w", err)
	}

	go w.eventLoop()

	log.Info().Str("path", w.contextDir).Msg("Context watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.debounceMu.Lock()
	for _, timer := range w.debounceTimers {
		timer.Stop()
	}
	clear(w.debounceTimers)
	w.debounceMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	log.Info().Msg("Context watcher stopped")
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Context watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	name := documentName(event.Name)
	if name == "" || IsReserved(name) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	// Debounce rapid changes to the same file
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debounceTimers[event.Name]; exists {
		timer.Stop()
	}

	path := event.Name
	w.debounceTimers[path] = time.AfterFunc(w.stabilityThreshold, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, path)
		w.debounceMu.Unlock()

		select {
		case <-w.done:
		default:
			if w.onChange != nil {
				w.onChange(name)
			}
		}
	})
}

// documentName maps a watched path to a document name, empty when the path
// is not a context document.
func documentName(path string) string {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".md") {
		return ""
	}
	name := strings.TrimSuffix(base, ".md")
	if ValidateName(name) != nil {
		return ""
	}
	return name
}
