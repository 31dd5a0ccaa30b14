package config

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeHandler receives the newly loaded config after a file change.
type ChangeHandler func(cfg *Config)

// Watcher watches the config file and reloads it on change. Writes are
// debounced (300ms) so editors that write in bursts trigger one reload.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	handlers []ChangeHandler
	debounce time.Duration
	stopChan chan struct{}
	mu       sync.Mutex
}

// NewWatcher creates a config file watcher.
func NewWatcher(configPath string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     configPath,
		watcher:  w,
		debounce: 300 * time.Millisecond,
	}, nil
}

// OnChange registers a handler called after each successful reload.
func (cw *Watcher) OnChange(handler ChangeHandler) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.handlers = append(cw.handlers, handler)
}

// Start begins watching the config file.
func (cw *Watcher) Start() error {
	if err := cw.watcher.Add(cw.path); err != nil {
		return err
	}
	cw.stopChan = make(chan struct{})
	go cw.watchLoop()
	slog.Info("config watcher started", "path", cw.path)
	return nil
}

// Stop halts the watcher.
func (cw *Watcher) Stop() {
	if cw.stopChan != nil {
		close(cw.stopChan)
	}
	cw.watcher.Close()
	slog.Info("config watcher stopped")
}

func (cw *Watcher) watchLoop() {
	var debounceTimer *time.Timer

	for {
		select {
		case <-cw.stopChan:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(cw.debounce, cw.reload)

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		}
	}
}

// reload parses the file and fans the result out to handlers. A config
// that fails to parse or validate keeps the previous one in effect.
func (cw *Watcher) reload() {
	slog.Info("config file changed, reloading", "path", cw.path)

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Error("config reload failed, keeping previous config", "error", err)
		return
	}

	cw.mu.Lock()
	handlers := make([]ChangeHandler, len(cw.handlers))
	copy(handlers, cw.handlers)
	cw.mu.Unlock()

	for _, h := range handlers {
		h(cfg)
	}
	slog.Info("config reloaded")
}
