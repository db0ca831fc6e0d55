/*
DESCRIPTION
  watch.go watches the configuration file for modifications and hot-reloads
  the parts of it that are safe to change without a restart.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package ltconfig

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/ausocean/utils/logging"
)

// Watch watches the config file's directory and calls Reload whenever the
// file is modified. Technically the directory is watched instead of the
// file itself, since watching the file directly misbehaves when an editor
// replaces it atomically rather than writing in place.
// See fsnotify documentation:
// https://godocs.io/github.com/fsnotify/fsnotify#hdr-Watching_files
func (l *Live) Watch(l2 logging.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("could not create config watcher: %w", err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					l2.Warning("config watcher events chan closed, terminating")
					return
				}
				if event.Op&fsnotify.Write != fsnotify.Write || event.Name != l.path {
					continue
				}
				l2.Info("config file modification event", "file", l.path)
				if err := l.Reload(); err != nil {
					l2.Warning("could not reload config, keeping previous values", "error", err)
					continue
				}
				l2.Info("config reloaded", "streamers", len(l.Streamers()), "id_blacklist", len(l.IDBlacklist()))
			case err, ok := <-watcher.Errors:
				if !ok {
					l2.Warning("config watcher error chan closed, terminating")
					return
				}
				l2.Error("config watcher error", "error", err)
			}
		}
	}()

	err = watcher.Add(filepath.Dir(l.path))
	if err != nil {
		return fmt.Errorf("could not add config file %s to watcher: %w", l.path, err)
	}
	return nil
}
