/*
Copyright 2021 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Agent watches a path and automatically loads the config stored therein.
type Agent struct {
	mut sync.RWMutex // do not export Lock, etc methods
	c   *Config
}

// Getter returns the current Config in a thread-safe manner.
type Getter func() *Config

func lastConfigModTime(path string) (time.Time, error) {
	// os.Stat follows symbolic links, which is how mounted configs work.
	stat, err := os.Stat(path)
	if err != nil {
		logrus.WithField("config", path).WithError(err).Error("Error stating config.")
		return time.Time{}, err
	}
	return stat.ModTime(), nil
}

// Start will begin polling the config file at the path. If the first load
// fails, Start will return the error and abort. Future load failures will log
// the failure message but continue attempting to load.
func (ca *Agent) Start(path string) error {
	lastModTime, err := lastConfigModTime(path)
	if err != nil {
		lastModTime = time.Time{}
	}
	c, err := Load(path)
	if err != nil {
		return err
	}
	ca.Set(c)
	go func() {
		// Rarely, if two changes happen in the same second, mtime will
		// be the same for the second change, and an mtime-based check would
		// fail. Reload periodically just in case.
		skips := 0
		for range time.Tick(1 * time.Second) {
			if skips < 600 {
				recentModTime, err := lastConfigModTime(path)
				if err != nil {
					continue
				}
				if !recentModTime.After(lastModTime) {
					skips++
					continue // file hasn't been modified
				}
				lastModTime = recentModTime
			}
			if c, err := Load(path); err != nil {
				logrus.WithField("config", path).WithError(err).Error("Error loading config.")
			} else {
				skips = 0
				ca.Set(c)
			}
		}
	}()
	return nil
}

// StartWatch begins watching the config file at the path with fsnotify. If
// the first load fails, StartWatch returns the error and aborts. Future load
// failures log the failure message but the watch continues.
//
// The watch is on the parent directory: atomic saves replace the file, which
// would drop a watch held on the file itself.
func (ca *Agent) StartWatch(ctx context.Context, path string) error {
	c, err := Load(path)
	if err != nil {
		return err
	}
	ca.Set(c)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return err
	}
	logrus.Debugf("Watching %s", abs)
	go func() {
		for {
			select {
			case <-ctx.Done():
				if err := w.Close(); err != nil {
					logrus.WithField("config", path).WithError(err).Error("Error closing fsnotify watcher.")
				}
				return
			case event := <-w.Events:
				if event.Name != abs {
					continue
				}
				if c, err := Load(path); err != nil {
					logrus.WithField("config", path).WithError(err).Error("Error loading config.")
				} else {
					ca.Set(c)
				}
			case err := <-w.Errors:
				logrus.WithField("config", path).WithError(err).Error("Received fsnotify error.")
			}
		}
	}()
	return nil
}

// Config returns the latest config. Do not modify the config.
func (ca *Agent) Config() *Config {
	ca.mut.RLock()
	defer ca.mut.RUnlock()
	return ca.c
}

// Set sets the config. Useful for testing.
func (ca *Agent) Set(c *Config) {
	ca.mut.Lock()
	defer ca.mut.Unlock()
	ca.c = c
}
