package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// TemplateStore loads workflow templates by ID.
//
// Load returns an error wrapping ErrTemplateNotFound when no template has the
// ID, and ErrTemplateInvalid when the stored definition fails DAG validation.
type TemplateStore interface {
	Load(id string) (*WorkflowTemplate, error)
}

// TemplateLister is implemented by stores that can enumerate their templates.
type TemplateLister interface {
	IDs() []string
}

// MemTemplateStore keeps validated templates in memory.
//
// Templates are registered at startup and read concurrently afterwards.
type MemTemplateStore struct {
	mu        sync.RWMutex
	templates map[string]*WorkflowTemplate
}

// NewMemTemplateStore creates a store holding tmpls.
func NewMemTemplateStore(tmpls ...*WorkflowTemplate) *MemTemplateStore {
	s := &MemTemplateStore{templates: make(map[string]*WorkflowTemplate, len(tmpls))}
	for _, t := range tmpls {
		if t != nil {
			s.templates[t.ID()] = t
		}
	}
	return s
}

// Register adds or replaces a template.
func (s *MemTemplateStore) Register(t *WorkflowTemplate) error {
	if t == nil {
		return &EngineError{Message: "template cannot be nil", Code: CodeTemplateInvalid}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID()] = t
	return nil
}

// Load returns the template registered under id.
func (s *MemTemplateStore) Load(id string) (*WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, &EngineError{
			Message: fmt.Sprintf("template %q", id),
			Code:    CodeTemplateNotFound,
		}
	}
	return t, nil
}

// IDs returns registered template IDs, sorted.
func (s *MemTemplateStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.templates))
	for id := range s.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ChainTemplateStore consults each store in order and returns the first hit.
// Errors other than ErrTemplateNotFound stop the search.
type ChainTemplateStore []TemplateStore

// Load implements TemplateStore.
func (c ChainTemplateStore) Load(id string) (*WorkflowTemplate, error) {
	for _, s := range c {
		t, err := s.Load(id)
		if err == nil {
			return t, nil
		}
		if !isNotFound(err) {
			return nil, err
		}
	}
	return nil, &EngineError{Message: fmt.Sprintf("template %q", id), Code: CodeTemplateNotFound}
}

// IDs merges the IDs of every store that can list them.
func (c ChainTemplateStore) IDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, s := range c {
		l, ok := s.(TemplateLister)
		if !ok {
			continue
		}
		for _, id := range l.IDs() {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrTemplateNotFound)
}
