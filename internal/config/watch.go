package config

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it changes on disk and calls onChange
// with each successfully validated result. Invalid intermediate states (half
// -saved files, editors writing via rename) are skipped silently; the watcher
// re-arms on rename/remove because many editors replace the file wholesale.
// Returns when ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory, not the file — the file inode may be replaced.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(path)

	// Debounce bursts: editors commonly emit write+chmod+rename clusters.
	var pending *time.Timer
	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			log.Printf("CONFIG: reload skipped: %v", err)
			return
		}
		log.Printf("CONFIG: reloaded %s", path)
		onChange(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			if pending != nil {
				pending.Stop()
			}
			return ctx.Err()
		case evt, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(evt.Name) != base {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(200*time.Millisecond, reload)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Printf("CONFIG: watch error: %v", err)
		}
	}
}
