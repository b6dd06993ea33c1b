package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/pilotstreams/errors"
	"github.com/c360/pilotstreams/natsclient"
)

// DefaultBucket holds the runtime configuration of every agent sharing a
// NATS server
const DefaultBucket = "PILOT_CONFIG"

// Update represents a configuration change notification
type Update struct {
	Path   string      // changed section, e.g. "log"
	Config *SafeConfig // full latest configuration
}

// Manager keeps the configuration in a NATS KV bucket, one key per top-level
// section, and applies changes made there at runtime.
type Manager struct {
	config      *SafeConfig
	base        *Config // sections revert to this when their key is deleted
	kv          jetstream.KeyValue
	kvStore     *natsclient.KVStore
	watcher     jetstream.KeyWatcher
	subscribers map[string][]chan Update
	mu          sync.RWMutex
	logger      *slog.Logger

	shutdownCh chan struct{}
	wg         sync.WaitGroup
	stopped    atomic.Bool
}

// NewConfigManager creates a manager over bucket, DefaultBucket when empty
func NewConfigManager(ctx context.Context, cfg *Config, client *natsclient.Client, bucket string, logger *slog.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "NewConfigManager", "check config")
	}
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrNoConnection, "Manager", "NewConfigManager", "check client")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if bucket == "" {
		bucket = DefaultBucket
	}

	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "pilot agent runtime configuration",
		History:     5,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Manager", "NewConfigManager", "create kv bucket")
	}

	return &Manager{
		config:      NewSafeConfig(cfg.Clone()),
		base:        cfg.Clone(),
		kv:          kv,
		kvStore:     client.NewKVStore(kv),
		subscribers: make(map[string][]chan Update),
		logger:      logger.With("component", "config"),
		shutdownCh:  make(chan struct{}),
	}, nil
}

// GetConfig returns the current configuration
func (cm *Manager) GetConfig() *SafeConfig {
	return cm.config
}

// OnChange subscribes to changes of sections matching pattern: an exact
// section name, "*" for all, or a prefix ending in "*". The channel receives
// the current configuration first.
func (cm *Manager) OnChange(pattern string) <-chan Update {
	ch := make(chan Update, 1)

	cm.mu.Lock()
	cm.subscribers[pattern] = append(cm.subscribers[pattern], ch)
	cm.mu.Unlock()

	ch <- Update{Path: pattern, Config: cm.config}
	return ch
}

// Start reconciles the file configuration with the bucket and starts
// watching it. A newer file version is pushed; otherwise the bucket wins.
func (cm *Manager) Start(ctx context.Context) error {
	keys, err := cm.kvStore.Keys(ctx)
	if err != nil {
		cm.logger.Warn("Failed to list config keys, assuming first boot", "error", err)
		keys = nil
	}

	if len(keys) == 0 {
		cm.logger.Info("First boot detected, pushing config to KV")
		if err := cm.PushToKV(ctx); err != nil {
			cm.logger.Error("Failed to push initial config to KV", "error", err)
		}
	} else {
		fileVersion := cm.config.Get().Version
		kvVersion := cm.kvVersion(ctx)
		cmp, err := CompareVersions(fileVersion, kvVersion)
		switch {
		case err == nil && cmp > 0:
			cm.logger.Info("File version is newer than KV, updating KV",
				"file_version", fileVersion, "kv_version", kvVersion)
			if err := cm.PushToKV(ctx); err != nil {
				cm.logger.Error("Failed to update KV with newer config", "error", err)
			}
		case err == nil && cmp < 0:
			cm.logger.Warn("File version is older than KV, using KV config",
				"file_version", fileVersion, "kv_version", kvVersion,
				"hint", "bump file version to update KV")
			cm.syncFromKV(ctx, keys)
		default:
			cm.syncFromKV(ctx, keys)
		}
	}

	watcher, err := cm.kv.WatchAll(ctx, jetstream.UpdatesOnly())
	if err != nil {
		return errors.WrapTransient(err, "Manager", "Start", "watch config bucket")
	}
	cm.watcher = watcher

	cm.wg.Add(1)
	go cm.processWatcher(ctx)
	return nil
}

// Stop stops watching and closes every subscriber channel
func (cm *Manager) Stop(timeout time.Duration) error {
	if !cm.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(cm.shutdownCh)
	if cm.watcher != nil {
		_ = cm.watcher.Stop()
	}

	done := make(chan struct{})
	go func() {
		cm.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.WrapTransient(errors.ErrStopTimeout, "Manager", "Stop", "wait for watcher")
	}

	cm.mu.Lock()
	for _, channels := range cm.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}
	cm.subscribers = make(map[string][]chan Update)
	cm.mu.Unlock()
	return err
}

func (cm *Manager) processWatcher(ctx context.Context) {
	defer cm.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-cm.shutdownCh:
			return
		case entry, ok := <-cm.watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				continue
			}
			var value []byte
			if entry.Operation() == jetstream.KeyValuePut {
				value = entry.Value()
			}
			cm.handleUpdate(entry.Key(), value)
		}
	}
}

// handleUpdate applies one section and notifies matching subscribers
func (cm *Manager) handleUpdate(key string, value []byte) {
	if cm.stopped.Load() {
		return
	}
	if err := cm.updateConfig(key, value); err != nil {
		cm.logger.Error("Failed to apply config update", "key", key, "error", err)
		return
	}

	update := Update{Path: key, Config: cm.config}

	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for pattern, channels := range cm.subscribers {
		if !matchesPattern(key, pattern) {
			continue
		}
		for _, ch := range channels {
			if cm.stopped.Load() {
				return
			}
			// A subscriber that has not read the previous update gets
			// this one later through Config.
			select {
			case ch <- update:
			default:
			}
		}
	}
}

func matchesPattern(key, pattern string) bool {
	if pattern == key || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(key, prefix)
	}
	return false
}

// sections are the top-level keys of Config, which are also the KV keys
func sections() []string {
	return []string{"version", "nats", "bridges", "pilot", "stages", "component",
		"debug", "log", "api", "manager", "profile"}
}

// updateConfig replaces one section. An empty value restores the section
// from the configuration the manager started with.
func (cm *Manager) updateConfig(key string, value []byte) error {
	if !slices.Contains(sections(), key) {
		cm.logger.Debug("Ignoring unknown config key", "key", key)
		return nil
	}
	if len(value) > maxConfigSize {
		return fmt.Errorf("%w: config value too large: %d bytes", errors.ErrInvalidConfig, len(value))
	}

	current, err := toMap(cm.config.Get())
	if err != nil {
		return err
	}

	if len(value) == 0 {
		base, err := toMap(cm.base)
		if err != nil {
			return err
		}
		if v, ok := base[key]; ok {
			current[key] = v
		} else {
			delete(current, key)
		}
	} else {
		if err := validateJSONDepth(value); err != nil {
			return err
		}
		var section any
		if err := json.Unmarshal(value, &section); err != nil {
			return fmt.Errorf("%w: section %s: %w", errors.ErrInvalidData, key, err)
		}
		wrapped := map[string]any{key: section}
		if err := parseDurations(wrapped); err != nil {
			return err
		}
		current[key] = wrapped[key]
	}

	data, err := json.Marshal(current)
	if err != nil {
		return err
	}
	var next Config
	if err := json.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("%w: section %s: %w", errors.ErrInvalidData, key, err)
	}
	return cm.config.Update(&next)
}

// PushToKV writes every section of the current configuration
func (cm *Manager) PushToKV(ctx context.Context) error {
	m, err := toMap(cm.config.Get())
	if err != nil {
		return errors.WrapFatal(err, "Manager", "PushToKV", "encode config")
	}
	for _, key := range sections() {
		v, ok := m[key]
		if !ok {
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return errors.WrapFatal(err, "Manager", "PushToKV", "encode "+key)
		}
		if _, err := cm.kvStore.Put(ctx, key, data); err != nil {
			return errors.WrapTransient(err, "Manager", "PushToKV", "put "+key)
		}
	}
	return nil
}

func (cm *Manager) kvVersion(ctx context.Context) string {
	entry, err := cm.kvStore.Get(ctx, "version")
	if err != nil {
		return "0.0.0"
	}
	var version string
	if err := json.Unmarshal(entry.Value, &version); err != nil || version == "" {
		return "0.0.0"
	}
	return version
}

func (cm *Manager) syncFromKV(ctx context.Context, keys []string) {
	applied := 0
	for _, key := range keys {
		entry, err := cm.kvStore.Get(ctx, key)
		if err != nil {
			cm.logger.Warn("Failed to get config key during sync", "key", key, "error", err)
			continue
		}
		if err := cm.updateConfig(key, entry.Value); err != nil {
			cm.logger.Warn("Failed to apply config key during sync", "key", key, "error", err)
			continue
		}
		applied++
	}
	cm.logger.Info("Synced configuration from KV", "keys", len(keys), "applied", applied)
}
