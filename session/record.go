package session

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	atomicfs "github.com/proxyns/proxyns/internal/fs"
	"github.com/proxyns/proxyns/profile"
	"golang.org/x/sys/unix"
)

const (
	recordExtension = ".json"
	lockExtension   = ".lock"

	dirPerm  fs.FileMode = 0o700
	filePerm fs.FileMode = 0o600
)

var (
	ErrNoRecord         = errors.New("no session record")
	ErrDecode           = errors.New("session record does not match the expected format")
	ErrInvalidNamespace = errors.New("invalid namespace name")
	ErrInvalidPID       = errors.New("invalid tunnel pid")
)

// Record is the persisted state of one namespace and its tunnel process.
type Record struct {
	ID        string           `json:"id"`
	Namespace string           `json:"namespace_name"`
	PID       string           `json:"tunnel_pid"`
	State     State            `json:"state"`
	Protocol  profile.Protocol `json:"protocol"`
	Profile   string           `json:"profile,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// RecordStore keeps one record file per namespace. Writers of the same namespace are serialized across
// processes with an advisory lock file.
type RecordStore struct {
	dir string
}

func NewRecordStore(dir string) *RecordStore {
	return &RecordStore{dir: dir}
}

func (s *RecordStore) path(namespace, ext string) (string, error) {
	if !profile.ValidNamespaceName(namespace) {
		return "", errors.Wrapf(ErrInvalidNamespace, "%q", namespace)
	}
	return filepath.Join(s.dir, namespace+ext), nil
}

// lock takes an exclusive flock on the namespace lock file. The returned func releases it.
func (s *RecordStore) lock(namespace string) (func(), error) {
	lockPath, err := s.path(namespace, lockExtension)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.dir, dirPerm); err != nil {
		return nil, errors.Wrapf(err, "failed to create session directory %s", s.dir)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, filePerm)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open lock file %s", lockPath)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "failed to lock %s", lockPath)
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:errcheck // closing releases the lock too
		f.Close()
	}, nil
}

// Write persists rec, replacing any previous record of the namespace.
func (s *RecordStore) Write(rec *Record) error {
	path, err := s.path(rec.Namespace, recordExtension)
	if err != nil {
		return err
	}
	unlock, err := s.lock(rec.Namespace)
	if err != nil {
		return err
	}
	defer unlock()

	content, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize session record")
	}
	return errors.Wrapf(atomicfs.WriteFile(path, content, filePerm), "failed to write session record %s", path)
}

// Load returns the record of namespace, or ErrNoRecord.
func (s *RecordStore) Load(namespace string) (*Record, error) {
	path, err := s.path(namespace, recordExtension)
	if err != nil {
		return nil, err
	}
	return readRecord(path)
}

func readRecord(path string) (*Record, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(ErrNoRecord, "%s", path)
		}
		return nil, errors.Wrapf(err, "failed to read session record %s", path)
	}
	var rec Record
	if err := json.Unmarshal(content, &rec); err != nil {
		return nil, errors.Wrapf(ErrDecode, "failed to parse session record %s: %v", path, err)
	}
	if rec.Namespace == "" || rec.PID == "" {
		return nil, errors.Wrapf(ErrDecode, "failed to parse session record %s: namespace_name and tunnel_pid are required", path)
	}
	return &rec, nil
}

// Remove deletes the record of namespace. A missing record is not an error.
func (s *RecordStore) Remove(namespace string) error {
	path, err := s.path(namespace, recordExtension)
	if err != nil {
		return err
	}
	unlock, err := s.lock(namespace)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "failed to remove session record %s", path)
	}
	return nil
}

// List returns every readable record sorted by namespace. A missing directory yields no records.
func (s *RecordStore) List() ([]*Record, error) {
	dirContents, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read %s", s.dir)
	}
	var records []*Record
	for _, file := range dirContents {
		if file.IsDir() || filepath.Ext(file.Name()) != recordExtension || strings.HasPrefix(file.Name(), ".") {
			continue
		}
		rec, err := readRecord(filepath.Join(s.dir, file.Name()))
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Namespace < records[j].Namespace })
	return records, nil
}

// ReadPIDFile reads a tunnel pid from path, which holds either a session record or a bare pid.
func ReadPIDFile(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read tunnel pid file %s", path)
	}
	trimmed := strings.TrimSpace(string(content))
	if strings.HasPrefix(trimmed, "{") {
		rec, err := readRecord(path)
		if err != nil {
			return "", err
		}
		trimmed = rec.PID
	}
	pid, err := parsePID(trimmed)
	if err != nil {
		return "", errors.Wrapf(err, "tunnel pid file %s", path)
	}
	return pid, nil
}

// parsePID checks that out is a positive process id and returns it normalized.
func parsePID(out string) (string, error) {
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil || pid <= 0 {
		return "", errors.Wrapf(ErrInvalidPID, "%q", out)
	}
	return strconv.Itoa(pid), nil
}
