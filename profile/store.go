package profile

import (
	"bytes"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	atomicfs "github.com/proxyns/proxyns/internal/fs"
	"go.uber.org/zap"
)

const (
	// Extension is appended to every profile file name.
	Extension = ".json"

	dirPerm  fs.FileMode = 0o700
	filePerm fs.FileMode = 0o600
)

var (
	ErrDecode      = errors.New("profile does not match the expected format")
	ErrNotFound    = errors.New("profile not found")
	ErrInvalidName = errors.New("invalid profile name")
)

// Entry is one profile found by List.
type Entry struct {
	Name       string     `json:"name"`
	Filename   string     `json:"filename"`
	Path       string     `json:"path"`
	Descriptor Descriptor `json:"descriptor"`
}

// Store keeps one JSON file per profile in a single directory.
type Store struct {
	dir    string
	logger *zap.Logger
}

func NewStore(dir string, logger *zap.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: logger.With(zap.String("component", "profile-store")),
	}
}

// Dir is the profiles directory.
func (s *Store) Dir() string {
	return s.dir
}

// FileName derives the file name of a profile: spaces become underscores and the extension is appended.
func FileName(name string) string {
	return strings.ReplaceAll(name, " ", "_") + Extension
}

// Path returns where the profile called name is stored.
func (s *Store) Path(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || strings.ContainsAny(trimmed, `/\`) || strings.HasPrefix(trimmed, ".") {
		return "", errors.Wrapf(ErrInvalidName, "%q", name)
	}
	return filepath.Join(s.dir, FileName(trimmed)), nil
}

func (s *Store) ensureDir() error {
	if err := os.MkdirAll(s.dir, dirPerm); err != nil {
		return errors.Wrapf(err, "failed to create profiles directory %s", s.dir)
	}
	return nil
}

// Save fills defaults into d, validates it and writes it under name, replacing any previous profile with that
// name. It returns the file path.
func (s *Store) Save(name string, d Descriptor) (string, error) {
	path, err := s.Path(name)
	if err != nil {
		return "", err
	}
	d = d.WithDefaults()
	if err := d.Validate(); err != nil {
		return "", errors.Wrapf(err, "refusing to save profile %s", name)
	}
	if err := s.ensureDir(); err != nil {
		return "", err
	}

	content, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to serialize profile")
	}
	if err := atomicfs.WriteFile(path, append(content, '\n'), filePerm); err != nil {
		return "", errors.Wrapf(err, "failed to write profile %s", path)
	}
	s.logger.Info("saved profile", zap.String("path", path), zap.String("protocol", string(d.Protocol)))
	return path, nil
}

// Load reads the profile at path. Unknown keys or a missing protocol or namespace are decode failures.
func (s *Store) Load(path string) (Descriptor, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, errors.Wrapf(err, "failed to read profile %s", path)
	}
	return decode(path, content)
}

func decode(path string, content []byte) (Descriptor, error) {
	var d Descriptor
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return Descriptor{}, errors.Wrapf(ErrDecode, "failed to parse profile %s: %v", path, err)
	}
	if d.Protocol == "" || d.NamespaceName == "" {
		return Descriptor{}, errors.Wrapf(ErrDecode, "failed to parse profile %s: protocol and namespace_name are required", path)
	}
	return d, nil
}

// Fetch loads the profile saved under name.
func (s *Store) Fetch(name string) (Descriptor, string, error) {
	path, err := s.Path(name)
	if err != nil {
		return Descriptor{}, "", err
	}
	d, err := s.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Descriptor{}, path, errors.Wrapf(ErrNotFound, "%s", name)
		}
		return Descriptor{}, path, err
	}
	return d, path, nil
}

// List returns every readable profile sorted by file name. The directory is created when missing; files that
// cannot be read, parsed or validated are skipped.
func (s *Store) List() ([]Entry, error) {
	if err := s.ensureDir(); err != nil {
		return nil, err
	}
	dirContents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", s.dir)
	}

	entries := make([]Entry, 0, len(dirContents))
	for _, file := range dirContents {
		if file.IsDir() || filepath.Ext(file.Name()) != Extension {
			continue
		}
		path := filepath.Join(s.dir, file.Name())
		d, err := s.Load(path)
		if err != nil {
			s.logger.Debug("skipping unreadable profile", zap.String("path", path), zap.Error(err))
			continue
		}
		if err := d.WithDefaults().Validate(); err != nil {
			s.logger.Debug("skipping invalid profile", zap.String("path", path), zap.Error(err))
			continue
		}
		entries = append(entries, Entry{
			Name:       strings.TrimSuffix(file.Name(), Extension),
			Filename:   file.Name(),
			Path:       path,
			Descriptor: d,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Filename < entries[j].Filename })
	return entries, nil
}

// Delete removes the profile file at path.
func (s *Store) Delete(path string) error {
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errors.Wrapf(ErrNotFound, "failed to delete profile %s", path)
		}
		return errors.Wrapf(err, "failed to delete profile %s", path)
	}
	s.logger.Info("deleted profile", zap.String("path", path))
	return nil
}
