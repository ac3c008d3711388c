// Package templates stores reusable workflow templates and loads them from
// YAML files.
package templates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// Common errors returned by Store implementations.
var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrTemplateExists   = errors.New("template already exists")
)

// DefaultVersion is assigned to templates created without a version.
const DefaultVersion = "1.0.0"

// ListOptions configures list queries.
type ListOptions struct {
	// Tag filters templates carrying the tag.
	Tag string
	// Source filters templates loaded from files under this path prefix.
	Source string
	Limit  int
	Offset int
}

// Store defines the interface for template persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create saves a new template, generating an ID when empty.
	// Returns ErrTemplateExists if the ID is taken.
	Create(ctx context.Context, t *types.Template) (*types.Template, error)

	// Get retrieves a template by ID. Returns ErrTemplateNotFound if not found.
	Get(ctx context.Context, id string) (*types.Template, error)

	// Put creates or replaces a template, keeping CreatedAt of an existing one.
	Put(ctx context.Context, t *types.Template) (*types.Template, error)

	// Update replaces an existing template. An empty version bumps the
	// stored one. Returns ErrTemplateNotFound if not found.
	Update(ctx context.Context, id string, t *types.Template) (*types.Template, error)

	// Delete removes a template. Returns ErrTemplateNotFound if not found.
	Delete(ctx context.Context, id string) error

	// List returns templates matching the options, ordered by ID.
	List(ctx context.Context, opts *ListOptions) ([]*types.TemplateMeta, error)

	// Close releases any resources.
	Close() error
}

// validate checks the fields the store relies on. Schema-level validation
// lives in the validator package.
func validate(t *types.Template) error {
	if t.Name == "" {
		return errors.New("template name is required")
	}
	if len(t.Tasks) == 0 {
		return errors.New("template must define at least one task")
	}
	return nil
}

// prepareNew stamps a template about to be created.
func prepareNew(t *types.Template) (*types.Template, error) {
	if err := validate(t); err != nil {
		return nil, err
	}
	c, err := clone(t)
	if err != nil {
		return nil, err
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	return c, nil
}

// replace builds the stored form of next replacing prev.
func replace(prev, next *types.Template) (*types.Template, error) {
	if err := validate(next); err != nil {
		return nil, err
	}
	c, err := clone(next)
	if err != nil {
		return nil, err
	}
	c.ID = prev.ID
	if c.Version == "" {
		c.Version = bumpVersion(prev.Version)
	}
	c.CreatedAt = prev.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	return c, nil
}

// bumpVersion increments the last numeric component of v.
func bumpVersion(v string) string {
	if v == "" {
		return DefaultVersion
	}
	parts := strings.Split(v, ".")
	last := len(parts) - 1
	n, err := strconv.Atoi(parts[last])
	if err != nil {
		return v + ".1"
	}
	parts[last] = strconv.Itoa(n + 1)
	return strings.Join(parts, ".")
}

func clone(t *types.Template) (*types.Template, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal template: %w", err)
	}
	var c types.Template
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal template: %w", err)
	}
	return &c, nil
}

func matches(t *types.Template, opts *ListOptions) bool {
	if opts.Source != "" && !strings.HasPrefix(t.Source, opts.Source) {
		return false
	}
	if opts.Tag == "" {
		return true
	}
	for _, tag := range t.Tags {
		if tag == opts.Tag {
			return true
		}
	}
	return false
}

func paginate(metas []*types.TemplateMeta, opts *ListOptions) []*types.TemplateMeta {
	sort.Slice(metas, func(i, j int) bool { return metas[i].ID < metas[j].ID })
	if opts.Offset > 0 {
		if opts.Offset >= len(metas) {
			return []*types.TemplateMeta{}
		}
		metas = metas[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(metas) {
		metas = metas[:opts.Limit]
	}
	return metas
}
