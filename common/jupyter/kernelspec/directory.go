package kernelspec

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/fsnotify/fsnotify"

	"github.com/scusemua/kernel-manager/common/utils/hashmap"
)

const (
	KernelSpecFileName = "kernel.json"
)

// DirectoryResolver resolves kernel specs installed as "<dir>/<name>/kernel.json" in a list of directories.
// Earlier directories take precedence.
//
// Parsed specs are cached. When watching is enabled, changes below the directories evict the affected entries.
type DirectoryResolver struct {
	dirs  []string
	cache *hashmap.CornelkMap[string, *KernelSpec]

	watcher   *fsnotify.Watcher
	closeOnce sync.Once
	done      chan struct{}

	log logger.Logger
}

// NewDirectoryResolver creates a DirectoryResolver over dirs. Directories that do not exist are skipped.
func NewDirectoryResolver(dirs ...string) *DirectoryResolver {
	r := &DirectoryResolver{
		dirs:  dirs,
		cache: hashmap.NewCornelkMap[string, *KernelSpec](64),
		done:  make(chan struct{}),
	}
	config.InitLogger(&r.log, r)
	return r
}

// Watch starts watching the directories for changes. Close stops watching.
func (r *DirectoryResolver) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	for _, dir := range r.dirs {
		if err := r.watchTree(watcher, dir); err != nil {
			_ = watcher.Close()
			return err
		}
	}

	r.watcher = watcher
	go r.watchLoop()
	return nil
}

// watchTree watches dir and its immediate kernel directories.
func (r *DirectoryResolver) watchTree(watcher *fsnotify.Watcher, dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		r.log.Debug("Kernel spec directory \"%s\" does not exist; not watching it.", dir)
		return nil
	} else if err != nil {
		return err
	}

	if err = watcher.Add(dir); err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			if err = watcher.Add(filepath.Join(dir, entry.Name())); err != nil {
				return err
			}
		}
	}

	return nil
}

func (r *DirectoryResolver) watchLoop() {
	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.handleEvent(event)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn("Error while watching kernel spec directories: %v", err)
		}
	}
}

func (r *DirectoryResolver) handleEvent(event fsnotify.Event) {
	name, isKernelDir := r.kernelNameOf(event.Name)
	if name == "" {
		return
	}

	r.log.Debug("Kernel spec \"%s\" changed (%v); evicting it from the cache.", name, event.Op)
	r.cache.Delete(name)

	// Newly created kernel directories must be watched so that later edits of their kernel.json are observed.
	if isKernelDir && event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err = r.watcher.Add(event.Name); err != nil {
				r.log.Warn("Failed to watch new kernel spec directory \"%s\": %v", event.Name, err)
			}
		}
	}
}

// kernelNameOf maps a path below one of the directories to the name of the kernel it belongs to.
func (r *DirectoryResolver) kernelNameOf(path string) (name string, isKernelDir bool) {
	for _, dir := range r.dirs {
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}

		parts := strings.Split(rel, string(filepath.Separator))
		return strings.ToLower(parts[0]), len(parts) == 1
	}
	return "", false
}

func (r *DirectoryResolver) Resolve(name string) (*KernelSpec, error) {
	name = strings.ToLower(name)
	if spec, ok := r.cache.Load(name); ok {
		return spec.Clone(), nil
	}

	for _, dir := range r.dirs {
		resourceDir := filepath.Join(dir, name)
		content, err := os.ReadFile(filepath.Join(resourceDir, KernelSpecFileName))
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}

		spec, err := Load(name, resourceDir, content)
		if err != nil {
			r.log.Warn("Ignoring invalid kernel spec at \"%s\": %v", resourceDir, err)
			return nil, err
		}

		r.log.Debug("Loaded kernel spec \"%s\" from \"%s\".", name, resourceDir)
		r.cache.Store(name, spec)
		return spec.Clone(), nil
	}

	return nil, noSuchKernel(name)
}

// List returns the names of all installed kernel specs.
func (r *DirectoryResolver) List() []string {
	seen := make(map[string]struct{})
	for _, dir := range r.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			if _, err = os.Stat(filepath.Join(dir, entry.Name(), KernelSpecFileName)); err == nil {
				seen[strings.ToLower(entry.Name())] = struct{}{}
			}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *DirectoryResolver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		if r.watcher != nil {
			err = r.watcher.Close()
		}
	})
	return err
}
