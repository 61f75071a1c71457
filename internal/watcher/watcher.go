// Package watcher provides file system monitoring for the cargabot
// configuration file. When the file changes on disk it is re-parsed and the
// registered reload callback receives the new configuration, enabling
// hot-reload of runtime-mutable settings without restarting the bot.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/cargabot/cargabot/internal/config"
)

// Watcher monitors the configuration file for changes.
type Watcher struct {
	configPath     string
	reloadCallback func(*config.Config)
	watcher        *fsnotify.Watcher
	lastConfigHash string
}

// debounce window: editors often emit several write events per save.
const reparseDelay = 100 * time.Millisecond

// NewWatcher creates a new file watcher instance.
func NewWatcher(configPath string, reloadCallback func(*config.Config)) (*Watcher, error) {
	w, errNewWatcher := fsnotify.NewWatcher()
	if errNewWatcher != nil {
		return nil, errNewWatcher
	}
	return &Watcher{
		configPath:     configPath,
		reloadCallback: reloadCallback,
		watcher:        w,
	}, nil
}

// Start begins watching the configuration file. Watching the parent directory
// keeps the watch alive across rename-based atomic saves.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		log.Errorf("failed to watch config directory %s: %v", filepath.Dir(w.configPath), err)
		return err
	}
	log.Debugf("watching config file: %s", w.configPath)

	w.lastConfigHash = w.hashFile()

	go w.processEvents(ctx)
	return nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", errWatch)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	time.Sleep(reparseDelay)

	hash := w.hashFile()
	if hash == "" || hash == w.lastConfigHash {
		return
	}
	w.lastConfigHash = hash

	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("config reload failed, keeping previous configuration: %v", err)
		return
	}
	log.Infof("config file changed, reloading")
	w.reloadCallback(cfg)
}

func (w *Watcher) hashFile() string {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
