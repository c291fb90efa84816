package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/perimetric/periscope/errext"
	"github.com/perimetric/periscope/log"
)

// Store owns the persisted config. It loads the file once, serves reads from
// memory, and writes the whole file back on every mutation. Secrets are held
// decrypted in memory and encrypted on the way to disk.
type Store struct {
	fs     afero.Fs
	dir    string
	logger *log.Logger
	enc    *Encryptor
	encSet bool

	mu  sync.Mutex
	cfg *Config
}

// StoreOption adjusts how a store is constructed.
type StoreOption func(*Store)

// WithEncryptor replaces the default machine-derived encryptor. Passing nil
// disables encryption at rest.
func WithEncryptor(enc *Encryptor) StoreOption {
	return func(s *Store) { s.enc = enc; s.encSet = true }
}

// NewStore opens (or initializes) the config directory and loads config.json.
func NewStore(fs afero.Fs, dir string, logger *log.Logger, opts ...StoreOption) (*Store, error) {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	s := &Store{fs: fs, dir: dir, logger: logger}
	for _, opt := range opts {
		opt(s)
	}

	if err := fs.MkdirAll(dir, dirMode); err != nil {
		return nil, errext.WithKind(fmt.Errorf("creating config dir %s: %w", dir, err), errext.KindConfigIO)
	}

	if s.enc == nil && !s.encSet {
		salt, err := LoadOrCreateSalt(fs, filepath.Join(dir, saltFilename))
		if err != nil {
			return nil, err
		}
		enc, err := NewEncryptor(MachineSecret(), salt)
		if err != nil {
			return nil, err
		}
		s.enc = enc
	}

	cfg, err := s.load()
	if err != nil {
		return nil, err
	}
	s.cfg = cfg

	return s, nil
}

func (s *Store) load() (*Config, error) {
	path := filepath.Join(s.dir, configFilename)
	data, err := afero.ReadFile(s.fs, path)
	if os.IsNotExist(err) {
		s.logger.Debugf("Store:load", "no config at %s, starting fresh", path)
		return NewConfig(), nil
	}
	if err != nil {
		return nil, errext.WithKind(fmt.Errorf("reading %s: %w", path, err), errext.KindConfigIO)
	}

	cfg := NewConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errext.WithKind(fmt.Errorf("parsing %s: %w", path, err), errext.KindConfigInvalid)
	}

	for i := range cfg.Connections {
		if err := s.decryptSecrets(&cfg.Connections[i]); err != nil {
			return nil, fmt.Errorf("connection %q: %w", cfg.Connections[i].Name, err)
		}
	}

	s.logger.Debugf("Store:load", "loaded %d connections from %s", len(cfg.Connections), path)
	return cfg, nil
}

func (s *Store) decryptSecrets(d *Descriptor) error {
	if s.enc == nil {
		return nil
	}
	var err error
	if IsEncrypted(d.Password) {
		if d.Password, err = s.enc.Decrypt(d.Password); err != nil {
			return err
		}
	}
	if IsEncrypted(d.Passphrase) {
		if d.Passphrase, err = s.enc.Decrypt(d.Passphrase); err != nil {
			return err
		}
	}
	return nil
}

// save writes the config back to disk. The caller must hold s.mu.
func (s *Store) save() error {
	out := *s.cfg
	if s.enc != nil {
		out.Connections = make([]Descriptor, len(s.cfg.Connections))
		copy(out.Connections, s.cfg.Connections)
		for i := range out.Connections {
			var err error
			d := &out.Connections[i]
			if d.Password, err = s.enc.Encrypt(d.Password); err != nil {
				return err
			}
			if d.Passphrase, err = s.enc.Encrypt(d.Passphrase); err != nil {
				return err
			}
		}
	}

	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, configFilename)
	if err := afero.WriteFile(s.fs, path, data, fileMode); err != nil {
		return errext.WithKind(fmt.Errorf("writing %s: %w", path, err), errext.KindConfigIO)
	}
	return nil
}

// Connections returns a copy of every descriptor with secrets decrypted.
func (s *Store) Connections() []Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Descriptor, len(s.cfg.Connections))
	copy(out, s.cfg.Connections)
	return out
}

// Get returns the descriptor with the given id.
func (s *Store) Get(id string) (Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.cfg.Connections {
		if d.ID == id {
			return d, nil
		}
	}
	return Descriptor{}, errext.New(errext.KindNotFound, "connection %q not found", id)
}

// Add validates the descriptor, assigns it an id and persists it.
func (s *Store) Add(d Descriptor) (Descriptor, error) {
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d.ID = uuid.New().String()
	s.cfg.Connections = append(s.cfg.Connections, d)
	if err := s.save(); err != nil {
		s.cfg.Connections = s.cfg.Connections[:len(s.cfg.Connections)-1]
		return Descriptor{}, err
	}
	s.logger.Infof("Store:add", "added connection %q (%s)", d.Name, d.ID)
	return d, nil
}

// Update applies a partial update to the descriptor with the given id.
func (s *Store) Update(id string, p UpdateParams) (Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, d := range s.cfg.Connections {
		if d.ID != id {
			continue
		}
		updated, err := p.Apply(d)
		if err != nil {
			return Descriptor{}, err
		}
		updated.ID = id
		prev := s.cfg.Connections[i]
		s.cfg.Connections[i] = updated
		if err := s.save(); err != nil {
			s.cfg.Connections[i] = prev
			return Descriptor{}, err
		}
		s.logger.Infof("Store:update", "updated connection %q (%s)", updated.Name, id)
		return updated, nil
	}
	return Descriptor{}, errext.New(errext.KindNotFound, "connection %q not found", id)
}

// Remove deletes the descriptor with the given id.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, d := range s.cfg.Connections {
		if d.ID != id {
			continue
		}
		removed := s.cfg.Connections[i]
		s.cfg.Connections = append(s.cfg.Connections[:i], s.cfg.Connections[i+1:]...)
		if s.cfg.LastConnectionID == id {
			s.cfg.LastConnectionID = ""
		}
		if err := s.save(); err != nil {
			s.cfg.Connections = append(s.cfg.Connections[:i], append([]Descriptor{removed}, s.cfg.Connections[i:]...)...)
			return err
		}
		s.logger.Infof("Store:remove", "removed connection %q (%s)", d.Name, id)
		return nil
	}
	return errext.New(errext.KindNotFound, "connection %q not found", id)
}

// SetLastConnection records the most recently used connection id.
func (s *Store) SetLastConnection(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, d := range s.cfg.Connections {
		if d.ID == id {
			found = true
			break
		}
	}
	if !found {
		return errext.New(errext.KindNotFound, "connection %q not found", id)
	}
	s.cfg.LastConnectionID = id
	return s.save()
}

// LastConnection returns the most recently used connection id, if any.
func (s *Store) LastConnection() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.LastConnectionID
}

// BrowserSettings returns the persisted browser defaults.
func (s *Store) BrowserSettings() BrowserSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.BrowserSettings
}

// PortForwardDefaults returns the persisted port-forward defaults.
func (s *Store) PortForwardDefaults() PortForwardDefaults {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.PortForwardDefaults
}
