package eventsource

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// configDirWatch watches a directory for XML file changes as a third
// corroborating refresh signal, using fsnotify's standard recursive-free
// directory watch, the same way a config reload path watches its own config
// files.
type configDirWatch struct {
	watcher *fsnotify.Watcher
	events  chan struct{}
}

func newConfigDirWatch(dir string) (*configDirWatch, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	cdw := &configDirWatch{watcher: w, events: make(chan struct{}, 1)}
	go cdw.pump()
	return cdw, nil
}

func (c *configDirWatch) pump() {
	defer close(c.events)
	for event := range c.watcher.Events {
		if !strings.EqualFold(filepath.Ext(event.Name), ".xml") {
			continue
		}
		select {
		case c.events <- struct{}{}:
		default:
		}
	}
}

func (c *configDirWatch) Events() <-chan struct{} { return c.events }

func (c *configDirWatch) Errors() <-chan error { return c.watcher.Errors }

func (c *configDirWatch) Close() error { return c.watcher.Close() }
