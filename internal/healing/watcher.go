package healing

import (
	"context"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchRules watches the rules directory (and promoted/) and reloads the
// engine when rule files change. Events are debounced because editors and
// the sync layer produce write bursts. Blocks until ctx is done.
func (e *Engine) WatchRules(ctx context.Context) error {
	if e.rulesDir == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(e.rulesDir); err != nil {
		return err
	}
	// promoted/ may not exist yet; the learning engine creates it on first
	// promotion, after which a reload re-arms the watch.
	promotedDir := filepath.Join(e.rulesDir, "promoted")
	if err := watcher.Add(promotedDir); err != nil {
		log.Printf("[l1] not watching %s yet: %v", promotedDir, err)
	}

	var pending bool
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isRuleFile(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !pending {
				pending = true
				debounce.Reset(2 * time.Second)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[l1] rules watcher error: %v", err)

		case <-debounce.C:
			pending = false
			log.Printf("[l1] rules directory changed, reloading")
			e.ReloadRules()
			// Pick up promoted/ if it appeared since the last attempt.
			_ = watcher.Add(promotedDir)
		}
	}
}

func isRuleFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
