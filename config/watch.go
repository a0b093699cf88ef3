package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/fsnotify/fsnotify"
)

// debounce collapses the burst of filesystem events a single editor save
// produces into one reload.
const debounce = 2 * time.Second

// Watch returns a component.Proc that reloads the configuration whenever the
// file at path changes and hands the validated result to apply.
//
// A reload that fails to parse or validate is logged and discarded; the
// configuration applied last stays in force. Apply runs on the watcher's
// goroutine, so it must not block.
func Watch(path string, apply func(*Config) error) component.Proc {
	return func(l *component.L) {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			l.Fatal(fmt.Errorf("create config watcher: %w", err))
		}
		defer watcher.Close()

		abs, err := filepath.Abs(path)
		if err != nil {
			l.Fatal(fmt.Errorf("resolve config path: %w", err))
		}
		// Watch the directory, not the file: editors typically save by writing
		// a temporary file and renaming it over the original, which silently
		// drops a watch set on the file itself.
		if err := watcher.Add(filepath.Dir(abs)); err != nil {
			l.Fatal(fmt.Errorf("watch config directory: %w", err))
		}

		var last time.Time
		for l.Continue() {
			select {
			case <-l.GraceContext().Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if name, err := filepath.Abs(event.Name); err != nil || name != abs {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
					continue
				}
				if time.Since(last) < debounce {
					continue
				}
				last = time.Now()

				cfg, err := Load(path)
				if err != nil {
					l.Errorf("reload configuration: %v", err)
					continue
				}
				if err := apply(cfg); err != nil {
					l.Errorf("apply updated configuration: %v", err)
					continue
				}
				l.Logf("Applied updated configuration from %v", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.Errorf("config watcher: %v", err)
			}
		}
	}
}
