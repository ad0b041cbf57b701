// Package config loads the repository-binding file that maps a git
// repository/branch pattern to the hosts a push should deploy to, and
// keeps it hot-reloaded so operators never have to restart the controller
// to add a binding.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/deploybot/controller/internal/apperrors"
)

// RepoBinding maps a repository pattern to the hosts a matching push should
// deploy to. An empty Branches list matches every branch.
type RepoBinding struct {
	Repository   string   `yaml:"repository"`
	Hosts        []string `yaml:"hosts"`
	DeployOnPush bool     `yaml:"deploy_on_push"`
	Branches     []string `yaml:"branches"`
}

// file is the on-disk shape of the binding config.
type file struct {
	Bindings []RepoBinding `yaml:"bindings"`
}

// Loader holds the current set of bindings and reloads them from disk on
// change. Safe for concurrent use: callers read the current snapshot via
// Bindings(), which never blocks on the reload goroutine.
type Loader struct {
	path    string
	log     *zap.Logger
	current atomic.Pointer[[]RepoBinding]
}

// New loads path once and returns a ready Loader. Call Watch to start
// hot-reloading on subsequent edits.
func New(path string, log *zap.Logger) (*Loader, error) {
	l := &Loader{path: path, log: log}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Bindings returns the current snapshot of repo bindings.
func (l *Loader) Bindings() []RepoBinding {
	return *l.current.Load()
}

func (l *Loader) reload() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("%w: read binding config %s: %s", apperrors.ErrConfig, l.path, err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("%w: parse binding config %s: %s", apperrors.ErrConfig, l.path, err)
	}

	bindings := f.Bindings
	l.current.Store(&bindings)
	return nil
}

// Watch starts a background fsnotify watch on the binding file's directory
// and reloads on any write/create/rename targeting that file. Malformed
// edits are logged and ignored — the previous good snapshot stays active
// until a valid file is written.
func (l *Loader) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != filepath.Clean(l.path) {
					continue
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := l.reload(); err != nil {
					l.log.Warn("binding config reload failed, keeping previous bindings", zap.Error(err))
					continue
				}
				l.log.Info("binding config reloaded", zap.Int("bindings", len(l.Bindings())))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.log.Warn("binding config watcher error", zap.Error(err))
			}
		}
	}()

	return nil
}

// Match returns the union of hosts from every binding whose repository
// pattern matches repo, DeployOnPush is true, and whose branch list either
// is empty (matches all branches) or contains ref. Hosts are deduplicated
// within this single call; cross-call deduplication of the resulting jobs
// relies on the Queue/Store idempotency guard, not on this function.
func Match(bindings []RepoBinding, repo, ref string) []string {
	seen := make(map[string]struct{})
	var hosts []string

	for _, b := range bindings {
		if !b.DeployOnPush {
			continue
		}
		if !repoMatches(b.Repository, repo) {
			continue
		}
		if !branchMatches(b.Branches, ref) {
			continue
		}
		for _, h := range b.Hosts {
			if _, ok := seen[h]; ok {
				continue
			}
			seen[h] = struct{}{}
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// repoMatches supports an exact match or a simple "*" glob via
// filepath.Match, which covers the common "org/*" binding pattern without
// pulling in a full regex-based matcher.
func repoMatches(pattern, repo string) bool {
	if pattern == repo {
		return true
	}
	ok, err := filepath.Match(pattern, repo)
	return err == nil && ok
}

// branchMatches treats ref as a full git ref (e.g. "refs/heads/main") and
// matches it against the Branches list by short name or full ref. An empty
// Branches list matches every branch.
func branchMatches(branches []string, ref string) bool {
	if len(branches) == 0 {
		return true
	}
	short := strings.TrimPrefix(ref, "refs/heads/")
	for _, b := range branches {
		if b == ref || b == short {
			return true
		}
	}
	return false
}
