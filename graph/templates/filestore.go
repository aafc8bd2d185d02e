package templates

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/stepgraph/graph"
)

// FileStore serves templates from *.yaml and *.yml files in a file system.
// The file name without extension is the template ID and must match the
// document's id field.
//
// Templates are parsed on first Load and cached; templates are immutable, so
// the cache only needs clearing when files change (see Reload).
type FileStore struct {
	fsys   fs.FS
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]*graph.WorkflowTemplate
}

// NewFileStore creates a store reading from fsys.
func NewFileStore(fsys fs.FS, logger *zap.Logger) *FileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{
		fsys:   fsys,
		logger: logger.With(zap.String("component", "templates")),
		cache:  make(map[string]*graph.WorkflowTemplate),
	}
}

// NewDirStore creates a store over the directory dir.
func NewDirStore(dir string, logger *zap.Logger) (*FileStore, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("template dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("template dir %s is not a directory", dir)
	}
	return NewFileStore(os.DirFS(dir), logger), nil
}

// Load implements graph.TemplateStore.
func (s *FileStore) Load(id string) (*graph.WorkflowTemplate, error) {
	s.mu.RLock()
	t, ok := s.cache[id]
	s.mu.RUnlock()
	if ok {
		return t, nil
	}

	if !validID(id) {
		return nil, notFound(id)
	}
	data, err := s.read(id)
	if err != nil {
		return nil, err
	}

	doc, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if doc.ID != id {
		return nil, invalid(id, fmt.Errorf("document id %q does not match file name", doc.ID))
	}
	t, err = doc.Build()
	if err != nil {
		s.logger.Warn("invalid template", zap.String("template_id", id), zap.Error(err))
		return nil, err
	}

	s.mu.Lock()
	s.cache[id] = t
	s.mu.Unlock()
	s.logger.Debug("template loaded", zap.String("template_id", id), zap.Int("steps", t.Len()))
	return t, nil
}

func (s *FileStore) read(id string) ([]byte, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		data, err := fs.ReadFile(s.fsys, id+ext)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read template %s: %w", id, err)
		}
	}
	return nil, notFound(id)
}

// IDs implements graph.TemplateLister.
func (s *FileStore) IDs() []string {
	entries, err := fs.ReadDir(s.fsys, ".")
	if err != nil {
		s.logger.Warn("cannot list templates", zap.Error(err))
		return nil
	}
	seen := make(map[string]bool)
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := path.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ext)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Describe returns the parsed document of id, for listings.
func (s *FileStore) Describe(id string) (*Document, error) {
	if !validID(id) {
		return nil, notFound(id)
	}
	data, err := s.read(id)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Validate loads every template and returns the joined errors of those that
// fail.
func (s *FileStore) Validate() error {
	var errs []error
	for _, id := range s.IDs() {
		if _, err := s.Load(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reload clears the cache so the next Load rereads files.
func (s *FileStore) Reload() {
	s.mu.Lock()
	s.cache = make(map[string]*graph.WorkflowTemplate)
	s.mu.Unlock()
}

// validID rejects IDs that would escape the template directory.
func validID(id string) bool {
	return id != "" && fs.ValidPath(id) && !strings.Contains(id, "/")
}

func notFound(id string) error {
	return &graph.EngineError{Message: fmt.Sprintf("template %q", id), Code: graph.CodeTemplateNotFound}
}
