package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// LevelWatcher re-reads logging.level from a config file whenever the file
// changes.
type LevelWatcher struct {
	watcher  *fsnotify.Watcher
	filename string
	apply    func(level string) error
	done     chan struct{}
}

// WatchLevel starts watching filename and calls apply with every new
// non-empty level. The directory is watched so that editors replacing the
// file are noticed too.
func WatchLevel(filename string, apply func(level string) error) (*LevelWatcher, error) {
	filename = filepath.Clean(filename)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("new file watch: %w", err)
	}
	if err := watcher.Add(filepath.Dir(filename)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config file %s: %w", filename, err)
	}
	w := &LevelWatcher{
		watcher:  watcher,
		filename: filename,
		apply:    apply,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *LevelWatcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.filename || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			log.Debugf("Received event %s", event)
			if err := w.reload(); err != nil {
				log.Errorf("reload log level: %v", err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("%v", err)
		}
	}
}

func (w *LevelWatcher) reload() error {
	v := viper.New()
	v.SetConfigFile(w.filename)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", w.filename, err)
	}
	level := v.GetString("logging.level")
	if level == "" {
		return nil
	}
	if err := w.apply(level); err != nil {
		return err
	}
	log.Infof("Log level set to %s", level)
	return nil
}

// Close stops watching and waits for the watch loop to exit.
func (w *LevelWatcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
