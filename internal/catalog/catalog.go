// Package catalog records which package protocol owns each repository.
package catalog

import (
	"context"
	"sync"

	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/logging"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/ocidist"
)

// Memory is an in-process repository kind table.
//
// It implements [ocidist.KindRecorder].
type Memory struct {
	mu    sync.RWMutex
	kinds map[ocidist.Repository]string
}

var _ ocidist.KindRecorder = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{kinds: make(map[ocidist.Repository]string)}
}

func (m *Memory) SetRepositoryKind(ctx context.Context, repo ocidist.Repository, kind string) error {
	m.mu.Lock()
	prev, existed := m.kinds[repo]
	m.kinds[repo] = kind
	m.mu.Unlock()

	if !existed || prev != kind {
		logging.ContextLogger(ctx).WithField("repository", repo.String()).Infof("repository kind is now %q", kind)
	}
	return nil
}

// RepositoryKind returns the kind recorded for the given repository, if any.
func (m *Memory) RepositoryKind(repo ocidist.Repository) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kind, ok := m.kinds[repo]
	return kind, ok
}

// Forget removes whatever kind is recorded for the given repository.
func (m *Memory) Forget(repo ocidist.Repository) {
	m.mu.Lock()
	delete(m.kinds, repo)
	m.mu.Unlock()
}
