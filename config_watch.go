// config_watch.go: optional live reload of a clause-string config file
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pmbd

import (
	"os"

	"github.com/agilira/argus"
)

// ConfigWatcher watches a clause-string config file on disk and re-parses
// it on every change, handing the result to onChange. It does not apply the
// new Config to any running Device itself — per spec.md §7, devices are
// immutable once constructed, so a caller wiring hot-reload is expected to
// tear down and recreate devices whose DeviceConfig actually changed.
type ConfigWatcher struct {
	watcher *argus.Watcher
}

// WatchConfig starts watching path and calls onChange with the freshly
// parsed Config (or a non-nil error if the file became unparsable)
// whenever the file's contents change. Call Close to stop watching.
func WatchConfig(path string, onChange func(*Config, error)) (*ConfigWatcher, error) {
	watcher, err := argus.New(argus.Config{
		PollInterval: argus.DefaultPollInterval,
	})
	if err != nil {
		return nil, newError(KindConfigInvalid, "WatchConfig", err.Error())
	}

	err = watcher.Watch(path, func(event argus.ChangeEvent) {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			onChange(nil, readErr)
			return
		}
		cfg, parseErr := ParseConfig(string(data))
		onChange(cfg, parseErr)
	})
	if err != nil {
		return nil, newError(KindConfigInvalid, "WatchConfig", err.Error())
	}

	watcher.Start()
	return &ConfigWatcher{watcher: watcher}, nil
}

// Close stops the underlying file watch.
func (w *ConfigWatcher) Close() error {
	return w.watcher.Stop()
}
