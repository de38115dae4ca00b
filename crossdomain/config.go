package crossdomain

import (
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// Config is the component's only externally variable state: the permitted
// external socket paths grouped by channel type, and the allocator
// capability flags a software/reference allocator should advertise. It is
// loaded from a TOML file, matching pkg/katautils/config.go's tomlConfig
// shape (a flat struct decoded directly by BurntSushi/toml).
type Config struct {
	SupportsDmabuf            bool           `toml:"supports_dmabuf"`
	SupportsExternalGpuMemory bool           `toml:"supports_external_gpu_memory"`
	Channels                  []channelEntry `toml:"channel"`
}

type channelEntry struct {
	Type uint32 `toml:"type"`
	Path string `toml:"path"`
}

// Paths renders the config's channel table as ChannelPath entries.
func (c Config) Paths() []ChannelPath {
	paths := make([]ChannelPath, len(c.Channels))
	for i, ch := range c.Channels {
		paths[i] = ChannelPath{ChannelType: ch.Type, Path: ch.Path}
	}
	return paths
}

// LoadConfig decodes path as TOML into a Config.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "crossdomain: load config %s", path)
	}
	return cfg, nil
}

// ConfigWatcher reloads a Config from disk whenever the underlying file
// changes and hands the new value to onReload. It never touches an existing
// Context: only the Component's paths are swapped, and only Contexts created
// after the change observe it (a Context keeps the paths it was created
// with, even for an INIT issued later), matching the config watchers in
// virtcontainers/fs_share_linux.go and pkg/kata-monitor/monitor.go.
type ConfigWatcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
	mu      sync.Mutex
}

// WatchConfig starts watching path and calls onReload with every
// successfully-decoded Config after a write. Decode failures are logged and
// skipped, leaving the previous Config in effect.
func WatchConfig(path string, onReload func(Config)) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "crossdomain: config watcher")
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "crossdomain: watch %s", path)
	}

	cw := &ConfigWatcher{watcher: w, done: make(chan struct{})}
	go cw.run(path, onReload)
	return cw, nil
}

func (cw *ConfigWatcher) run(path string, onReload func(Config)) {
	defer close(cw.done)
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := LoadConfig(path)
			if err != nil {
				log.WithError(err).Warn("crossdomain: config reload failed, keeping previous config")
				continue
			}
			onReload(cfg)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("crossdomain: config watcher error")
		}
	}
}

// Close stops the watcher goroutine.
func (cw *ConfigWatcher) Close() error {
	err := cw.watcher.Close()
	<-cw.done
	return err
}
