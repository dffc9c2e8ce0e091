// Package config loads the coordinator's server configuration and watches
// the user list and the TLS certificate pair for changes on disk. What a
// change triggers is up to the caller's callbacks.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Config is the coordinator's on-disk server configuration (spec section 6:
// "TLS key/certificate paths, bind address and port, and optional master
// token for token masking").
type Config struct {
	BindAddress string `json:"bind_address"`
	Port        int    `json:"port"`

	TLSCertPath string `json:"tls_cert_path"`
	TLSKeyPath  string `json:"tls_key_path"`

	// MasterToken, if set, must be a 32-character hex string used to mask
	// issued session tokens. If empty, a random value is generated at
	// startup (and tokens issued before a restart become unverifiable,
	// which is intentional — they are session-scoped, not durable).
	MasterToken string `json:"master_token,omitempty"`

	UserListPath    string `json:"user_list_path"`
	ArtifactRoot    string `json:"artifact_root"`
	CatalogNatsURL  string `json:"catalog_nats_url"`
	APIVersion      string `json:"api_version"`
	BcryptCost      int    `json:"bcrypt_cost"`
	WorkerPoolSize  int    `json:"worker_pool_size"`
	ReadTimeoutSecs int    `json:"read_timeout_seconds"`
}

// Load reads and validates a Config from path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var c Config
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.BindAddress == "" {
		c.BindAddress = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 41984
	}
	if c.APIVersion == "" {
		c.APIVersion = "1"
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = 12
	}
	if c.WorkerPoolSize == 0 {
		c.WorkerPoolSize = 32
	}
	if c.ReadTimeoutSecs == 0 {
		c.ReadTimeoutSecs = 30
	}
}

func (c *Config) validate() error {
	if c.TLSCertPath == "" || c.TLSKeyPath == "" {
		return fmt.Errorf("config: tls_cert_path and tls_key_path are required")
	}
	if c.UserListPath == "" {
		return fmt.Errorf("config: user_list_path is required")
	}
	if c.ArtifactRoot == "" {
		return fmt.Errorf("config: artifact_root is required")
	}
	return nil
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// WatchReloadables watches the user-list file and the TLS cert/key pair for
// changes, invoking onUserList / onTLS respectively with a small debounce so
// editors that write-then-rename don't trigger a double reload.
func WatchReloadables(c *Config, onUserList func(), onTLS func()) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	for _, dir := range uniqueDirs(c.UserListPath, c.TLSCertPath, c.TLSKeyPath) {
		if err := watcher.Add(dir); err != nil {
			logrus.WithField("component", "config").WithError(err).Warnf("cannot watch %s", dir)
		}
	}

	go func() {
		var pending *time.Timer
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				path := ev.Name
				pending = time.AfterFunc(250*time.Millisecond, func() {
					switch path {
					case c.UserListPath:
						onUserList()
					case c.TLSCertPath, c.TLSKeyPath:
						onTLS()
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logrus.WithField("component", "config").WithError(err).Warn("file watcher error")
			}
		}
	}()

	return watcher, nil
}

func uniqueDirs(paths ...string) []string {
	seen := map[string]bool{}
	var dirs []string
	for _, p := range paths {
		d := filepath.Dir(p)
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	return dirs
}
