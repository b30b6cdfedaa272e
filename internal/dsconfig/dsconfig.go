// Package dsconfig persists the small set of per-datastore settings that
// must survive process restarts and stay fixed for the life of a
// datastore: principally the chunk-store fan-out depth chosen at
// creation time (DESIGN.md's Open Question decision). Encoded with
// msgpack rather than the teacher's JSON envelope, keeping this internal
// format visibly distinct from the manifest's canonical JSON.
package dsconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

// ConfigFileName is the well-known file holding a datastore's settings,
// sibling to .chunks/ and .lock at the datastore root.
const ConfigFileName = ".dsconfig"

// CurrentVersion is the only envelope version this implementation reads
// or writes.
const CurrentVersion = 1

var ErrUnsupportedVersion = errors.New("dsconfig: unsupported config version")

// Config holds the settings fixed at datastore creation.
type Config struct {
	// FanoutPrefixLen/FanoutSuffixLen record the chunk store's two-level
	// hex fan-out depth, so it can never silently change underneath an
	// existing datastore even if a future version's default changes
	// (spec.md §4.1's Open Question on fan-out depth).
	FanoutPrefixLen int `msgpack:"fanout_prefix_len"`
	FanoutSuffixLen int `msgpack:"fanout_suffix_len"`

	// GCScheduleCron records an operator-chosen cron expression for
	// garbage collection. It is persisted only: nothing in this module
	// reads it or schedules GC, which runs only when RunGC is called.
	GCScheduleCron string `msgpack:"gc_schedule_cron,omitempty"`
}

// envelope is the on-disk wrapper: a version tag plus the payload, so a
// future incompatible layout can be detected before it's misread as the
// current one.
type envelope struct {
	Version int    `msgpack:"version"`
	Config  Config `msgpack:"config"`
}

// Default returns the Config a brand-new datastore is created with.
func Default() Config {
	return Config{
		FanoutPrefixLen: 2,
		FanoutSuffixLen: 2,
	}
}

// Load reads and decodes the datastore config at root/.dsconfig.
func Load(root string) (Config, error) {
	path := filepath.Join(root, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Config{}, fmt.Errorf("dsconfig: decoding %s: %w", path, err)
	}
	if env.Version != CurrentVersion {
		return Config{}, fmt.Errorf("%w: got %d want %d", ErrUnsupportedVersion, env.Version, CurrentVersion)
	}
	return env.Config, nil
}

// Save atomically writes cfg to root/.dsconfig via a temp-file-then-rename
// publish, the same durability idiom the chunk store uses for chunk
// writes (internal/chunkstore.Insert).
func Save(root string, cfg Config) error {
	env := envelope{Version: CurrentVersion, Config: cfg}
	data, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("dsconfig: encoding: %w", err)
	}

	path := filepath.Join(root, ConfigFileName)
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("dsconfig: creating temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("dsconfig: writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("dsconfig: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("dsconfig: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("dsconfig: publishing config: %w", err)
	}
	return nil
}

// LoadOrCreate loads an existing config, or creates and persists the
// default one if none exists yet.
func LoadOrCreate(root string) (Config, error) {
	cfg, err := Load(root)
	if err == nil {
		return cfg, nil
	}
	if !os.IsNotExist(err) {
		return Config{}, err
	}
	cfg = Default()
	if err := Save(root, cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
