package env

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// Preference keys.
const (
	KeyVersion          = "prefs.version"
	KeyDisplayName      = "device.display_name"
	KeyLastAddress      = "device.last_address"
	KeyMaxPlausibleRate = "heartrate.max_plausible"
)

const (
	prefsVersion     = 1
	prefsFileMode    = 0o600
	prefsDirMode     = 0o700
	prefsTempPattern = ".preferences-*.toml.tmp"
)

// prefsFile is the on-disk layout written when no preference file exists yet.
type prefsFile struct {
	Prefs struct {
		Version int `toml:"version"`
	} `toml:"prefs"`
	Device struct {
		DisplayName string `toml:"display_name"`
		LastAddress string `toml:"last_address"`
	} `toml:"device"`
	HeartRate struct {
		MaxPlausible int `toml:"max_plausible"`
	} `toml:"heartrate"`
}

func defaultPrefsFile(displayName string) prefsFile {
	var f prefsFile
	f.Prefs.Version = prefsVersion
	f.Device.DisplayName = displayName
	f.HeartRate.MaxPlausible = 220
	return f
}

// Preferences is the host's default preference store: a TOML file read
// through viper. Writes go back to the same file.
type Preferences struct {
	mu   sync.RWMutex
	path string
	v    *viper.Viper
}

// OpenPreferences loads the preference file at path, creating it with
// defaults when it does not exist.
func OpenPreferences(path, displayName string) (*Preferences, error) {
	if path == "" {
		return nil, errors.New("preferences path is empty")
	}

	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat preferences file: %w", err)
		}
		data, err := toml.Marshal(defaultPrefsFile(displayName))
		if err != nil {
			return nil, fmt.Errorf("encode default preferences: %w", err)
		}
		if err := writeFileAtomic(path, data); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetDefault(KeyMaxPlausibleRate, 220)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read preferences file: %w", err)
	}

	return &Preferences{path: path, v: v}, nil
}

// Path returns the preference file location.
func (p *Preferences) Path() string {
	return p.path
}

func (p *Preferences) GetString(key string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.v.GetString(key)
}

func (p *Preferences) GetInt(key string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.v.GetInt(key)
}

// Set stores value under key and persists the whole preference set.
func (p *Preferences) Set(key string, value any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.v.Set(key, value)
	data, err := toml.Marshal(p.v.AllSettings())
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	return writeFileAtomic(p.path, data)
}

// All returns a snapshot of every setting.
func (p *Preferences) All() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.v.AllSettings()
}

// Verify re-reads the file from disk and checks the version stamp.
func (p *Preferences) Verify() error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read preferences file: %w", err)
	}
	var f prefsFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("decode preferences file: %w", err)
	}
	if f.Prefs.Version != prefsVersion {
		return fmt.Errorf("unsupported preferences version %d", f.Prefs.Version)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, prefsDirMode); err != nil {
		return fmt.Errorf("create preferences directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, prefsTempPattern)
	if err != nil {
		return fmt.Errorf("create temp preferences file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp preferences file: %w", err)
	}
	if err := tmp.Chmod(prefsFileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp preferences file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp preferences file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace preferences file: %w", err)
	}
	cleanup = false
	return nil
}
