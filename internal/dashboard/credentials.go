package dashboard

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Credentials holds the secrets for one data source. Which fields are used
// depends on the source's auth method. Secrets are stored plaintext; a
// deployment that needs encryption at rest layers it under this store.
type Credentials struct {
	Token    string `json:"token,omitempty"`
	APIKey   string `json:"apiKey,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// CredentialStore keeps per-source secrets in a single JSON file keyed by
// source name. The backing file is watched so out-of-band edits (secret
// rotation by an operator) are picked up without a restart.
type CredentialStore struct {
	mu      sync.Mutex
	path    string
	secrets map[string]Credentials
	loaded  bool
	watcher *fsnotify.Watcher
	done    chan struct{}
	logger  zerolog.Logger
}

func NewCredentialStore(path string, logger zerolog.Logger) *CredentialStore {
	return &CredentialStore{
		path:   strings.TrimSpace(path),
		logger: logger,
	}
}

// Watch starts reloading the backing file on filesystem changes. The parent
// directory is watched because editors and atomic writers replace the file
// inode rather than writing in place.
func (c *CredentialStore) Watch() error {
	if c == nil || c.path == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(c.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}
	c.watcher = watcher
	c.done = make(chan struct{})
	go c.watchLoop(watcher, c.done)
	return nil
}

func (c *CredentialStore) watchLoop(watcher *fsnotify.Watcher, done chan struct{}) {
	target := filepath.Clean(c.path)
	for {
		select {
		case <-done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			c.mu.Lock()
			c.loaded = false
			err := c.ensureLoadedLocked()
			c.mu.Unlock()
			if err != nil {
				c.logger.Warn().Err(err).Str("path", c.path).Msg("credential reload failed")
			} else {
				c.logger.Info().Str("path", c.path).Msg("credentials reloaded")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn().Err(err).Msg("credential watcher error")
		}
	}
}

// SetCredentials stores the secrets for a source and persists the file.
func (c *CredentialStore) SetCredentials(sourceName string, credentials Credentials) error {
	sourceName = strings.TrimSpace(sourceName)
	if sourceName == "" {
		return fmt.Errorf("%w: source name is required", ErrInvalidInput)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoadedLocked(); err != nil {
		return err
	}
	c.secrets[sourceName] = credentials
	return c.persistLocked()
}

// GetCredentials returns the secrets for a source, if any.
func (c *CredentialStore) GetCredentials(sourceName string) (Credentials, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoadedLocked(); err != nil {
		return Credentials{}, false, err
	}
	credentials, ok := c.secrets[strings.TrimSpace(sourceName)]
	return credentials, ok, nil
}

// DeleteCredentials removes a source's secrets. Absent names are a no-op.
func (c *CredentialStore) DeleteCredentials(sourceName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoadedLocked(); err != nil {
		return err
	}
	sourceName = strings.TrimSpace(sourceName)
	if _, ok := c.secrets[sourceName]; !ok {
		return nil
	}
	delete(c.secrets, sourceName)
	return c.persistLocked()
}

// AuthHeaders builds the outbound request headers for a source given its
// auth method. Content-Type is always set; the credential header depends on
// the method.
func (c *CredentialStore) AuthHeaders(sourceName, authMethod string) (http.Header, error) {
	credentials, ok, err := c.GetCredentials(sourceName)
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	if !ok {
		return headers, fmt.Errorf("%w: no credentials for source %s", ErrNotFound, sourceName)
	}
	switch strings.ToLower(strings.TrimSpace(authMethod)) {
	case AuthMethodToken, AuthMethodOAuth:
		// OAuth access tokens travel as bearer tokens; acquiring and
		// refreshing them is outside this store.
		headers.Set("Authorization", "Bearer "+credentials.Token)
	case AuthMethodAPIKey:
		headers.Set("X-API-Key", credentials.APIKey)
	case AuthMethodBasic:
		encoded := base64.StdEncoding.EncodeToString([]byte(credentials.Username + ":" + credentials.Password))
		headers.Set("Authorization", "Basic "+encoded)
	default:
		return headers, fmt.Errorf("%w: auth method %q", ErrInvalidInput, authMethod)
	}
	return headers, nil
}

// Close stops the watcher. The store itself stays usable.
func (c *CredentialStore) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watcher == nil {
		return nil
	}
	close(c.done)
	err := c.watcher.Close()
	c.watcher = nil
	c.done = nil
	return err
}

func (c *CredentialStore) ensureLoadedLocked() error {
	if c.loaded {
		return nil
	}
	c.secrets = map[string]Credentials{}
	if c.path == "" {
		c.loaded = true
		return nil
	}
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		c.loaded = true
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &c.secrets); err != nil {
			// A corrupt secrets file is surfaced, not silently reset.
			return fmt.Errorf("decode credentials file %s: %w", c.path, err)
		}
	}
	if c.secrets == nil {
		c.secrets = map[string]Credentials{}
	}
	c.loaded = true
	return nil
}

func (c *CredentialStore) persistLocked() error {
	if c.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(c.secrets, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
