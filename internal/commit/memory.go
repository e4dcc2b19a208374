package commit

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process ArtifactStore for single-node runs and tests.
type MemoryStore struct {
	mu        sync.Mutex
	artifacts map[string]Artifact
	order     []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{artifacts: make(map[string]Artifact)}
}

func (m *MemoryStore) SaveArtifact(ctx context.Context, artifact Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artifacts[artifact.ID]; ok {
		return nil
	}
	artifact.Document = artifact.Document.Clone()
	m.artifacts[artifact.ID] = artifact
	m.order = append(m.order, artifact.ID)
	return nil
}

func (m *MemoryStore) FindBySessionVersion(ctx context.Context, sessionID string, version int64) (Artifact, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	artifact, ok := m.artifacts[ArtifactID(sessionID, version)]
	return artifact, ok, nil
}

func (m *MemoryStore) GetArtifact(ctx context.Context, id string) (Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	artifact, ok := m.artifacts[id]
	if !ok {
		return Artifact{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
	}
	return artifact, nil
}

func (m *MemoryStore) LatestForTemplate(ctx context.Context, templateID string) (Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		artifact := m.artifacts[m.order[i]]
		if artifact.TemplateID == templateID {
			return artifact, nil
		}
	}
	return Artifact{}, fmt.Errorf("%w: template %s", ErrArtifactNotFound, templateID)
}
