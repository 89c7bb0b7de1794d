package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"
)

const recordFileSuffix = ".kernel.json"

// FileStore keeps one JSON file per kernel in a directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
	log logger.Logger
}

// NewFileStore creates the directory if needed and returns a FileStore rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "failed to create kernel record directory %s", dir)
	}

	s := &FileStore{dir: dir}
	config.InitLogger(&s.log, s)
	return s, nil
}

func (s *FileStore) path(kernelId string) string {
	return filepath.Join(s.dir, kernelId+recordFileSuffix)
}

func (s *FileStore) Save(_ context.Context, r *KernelRecord) error {
	if err := r.validate(); err != nil {
		return err
	}

	content, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode record of kernel %s", r.KernelId)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+r.KernelId+"-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary record file")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err = tmp.Write(content); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "failed to write temporary record file")
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close temporary record file")
	}

	if err = os.Rename(tmp.Name(), s.path(r.KernelId)); err != nil {
		return errors.Wrapf(err, "failed to save record of kernel %s", r.KernelId)
	}

	s.log.Debug("Saved record of kernel %s.", r.KernelId)
	return nil
}

func (s *FileStore) Load(_ context.Context, kernelId string) (*KernelRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.read(s.path(kernelId))
}

func (s *FileStore) read(path string) (*KernelRecord, error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}

	var r KernelRecord
	if err = json.Unmarshal(content, &r); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRecord, path, err)
	}
	return &r, nil
}

func (s *FileStore) Delete(_ context.Context, kernelId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(kernelId))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "failed to delete record of kernel %s", kernelId)
	}
	return nil
}

func (s *FileStore) List(_ context.Context) ([]*KernelRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", s.dir)
	}

	records := make([]*KernelRecord, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordFileSuffix) {
			continue
		}

		r, err := s.read(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.log.Warn("Skipping unreadable kernel record %s: %v", entry.Name(), err)
			continue
		}
		records = append(records, r)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].KernelId < records[j].KernelId })
	return records, nil
}

func (s *FileStore) Close() error {
	return nil
}
