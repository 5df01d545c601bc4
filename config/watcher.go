package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

var (
	gLock     sync.RWMutex
	gConfig   = Default()
	listeners []func(*Config)
)

// configFromFile reads path over the defaults, so a file only needs to name
// the values it changes.
func configFromFile(path string) (*Config, error) {
	config := Default()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	p := json.NewDecoder(f)
	p.DisallowUnknownFields()
	if err := p.Decode(config); err != nil {
		return nil, fmt.Errorf("parse %v: %w", path, err)
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("%v: %w", path, err)
	}
	log.Infof("Loaded configuration: %v", spew.Sdump(config))
	return config, nil
}

func (c *Config) validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port %d", c.Port)
	case c.ReadTimeoutSec <= 0:
		return fmt.Errorf("ReadTimeoutSec must be positive")
	case c.IdleTimeoutSec <= 0:
		return fmt.Errorf("IdleTimeoutSec must be positive")
	case c.SendIntervalSec < 0:
		return fmt.Errorf("SendIntervalSec must not be negative")
	case c.ReconnectBackoffSec <= 0:
		return fmt.Errorf("ReconnectBackoffSec must be positive")
	case c.ClientWidth <= 0 || c.ClientHeight <= 0:
		return fmt.Errorf("invalid client size %dx%d", c.ClientWidth, c.ClientHeight)
	case c.ServerWidth < 0 || c.ServerHeight < 0 || (c.ServerWidth == 0) != (c.ServerHeight == 0):
		// 0x0 keeps the transmitted resolution.
		return fmt.Errorf("invalid server size %dx%d", c.ServerWidth, c.ServerHeight)
	}
	return nil
}

// Get returns the current configuration. The returned value must not be
// modified.
func Get() *Config {
	gLock.RLock()
	defer gLock.RUnlock()
	return gConfig
}

// OnChange registers fn to run after every successful reload.
func OnChange(fn func(*Config)) {
	gLock.Lock()
	defer gLock.Unlock()
	listeners = append(listeners, fn)
}

func set(config *Config) {
	gLock.Lock()
	gConfig = config
	ls := append([]func(*Config){}, listeners...)
	gLock.Unlock()
	for _, fn := range ls {
		fn(config)
	}
}

func waitForChange(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-watcher.Errors:
		return err
	case <-watcher.Events:
	}
	// Editors write in several steps; let the file settle.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second / 10):
	}
	return ctx.Err()
}

// Load reads path and keeps watching it until ctx is done, replacing the
// current configuration whenever the file changes and still parses.
func Load(ctx context.Context, path string) error {
	config, err := configFromFile(path)
	if err != nil {
		return err
	}
	set(config)
	go func() {
		for ctx.Err() == nil {
			if err := waitForChange(ctx, path); err != nil {
				if ctx.Err() == nil {
					log.Errorf("Error waiting for file change: %v", err)
					time.Sleep(time.Second)
				}
				continue
			}

			config, err := configFromFile(path)
			if err != nil {
				log.Errorf("Failed to load new config: %v", err)
				continue
			}
			set(config)
		}
	}()
	return nil
}
