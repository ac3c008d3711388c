package templates

import (
	"context"
	"sync"

	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// MemoryStore implements Store using in-memory storage.
type MemoryStore struct {
	mu        sync.RWMutex
	templates map[string]*types.Template
}

// NewMemoryStore creates a new in-memory template store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates: make(map[string]*types.Template),
	}
}

// Create saves a new template.
func (s *MemoryStore) Create(_ context.Context, t *types.Template) (*types.Template, error) {
	stored, err := prepareNew(t)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.templates[stored.ID]; exists {
		return nil, ErrTemplateExists
	}
	s.templates[stored.ID] = stored
	return clone(stored)
}

// Get retrieves a template by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (*types.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.templates[id]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	return clone(t)
}

// Put creates or replaces a template.
func (s *MemoryStore) Put(_ context.Context, t *types.Template) (*types.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		stored *types.Template
		err    error
	)
	if prev, ok := s.templates[t.ID]; ok && t.ID != "" {
		stored, err = replace(prev, t)
		if err == nil && t.Version == "" {
			stored.Version = prev.Version
		}
	} else {
		stored, err = prepareNew(t)
	}
	if err != nil {
		return nil, err
	}
	s.templates[stored.ID] = stored
	return clone(stored)
}

// Update replaces an existing template.
func (s *MemoryStore) Update(_ context.Context, id string, t *types.Template) (*types.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.templates[id]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	stored, err := replace(prev, t)
	if err != nil {
		return nil, err
	}
	s.templates[id] = stored
	return clone(stored)
}

// Delete removes a template.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.templates[id]; !ok {
		return ErrTemplateNotFound
	}
	delete(s.templates, id)
	return nil
}

// List returns templates matching the options.
func (s *MemoryStore) List(_ context.Context, opts *ListOptions) ([]*types.TemplateMeta, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	s.mu.RLock()
	metas := make([]*types.TemplateMeta, 0, len(s.templates))
	for _, t := range s.templates {
		if matches(t, opts) {
			metas = append(metas, t.Meta())
		}
	}
	s.mu.RUnlock()

	return paginate(metas, opts), nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
