package orgpolicy

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"simlab-telemetry/internal/telemetry/domain"
)

// fileDoc is the YAML layout:
//
//	orgs:
//	  acme:
//	    capture_mouse: true
//	    sampling_rate: 0.5
type fileDoc struct {
	Orgs map[string]domain.PolicyOverride `yaml:"orgs"`
}

// FileSource serves overrides from a YAML file. Reload re-reads it; Watch reloads on change.
type FileSource struct {
	path string

	mu   sync.RWMutex
	orgs map[string]domain.PolicyOverride
}

// NewFileSource reads path. A missing or malformed file is an error.
func NewFileSource(path string) (*FileSource, error) {
	s := &FileSource{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file. On error the previous contents stay in effect.
func (s *FileSource) Reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("orgpolicy: %w", err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("orgpolicy: parse %s: %w", s.path, err)
	}
	if doc.Orgs == nil {
		doc.Orgs = map[string]domain.PolicyOverride{}
	}
	s.mu.Lock()
	s.orgs = doc.Orgs
	s.mu.Unlock()
	return nil
}

// Overrides implements OverrideSource.
func (s *FileSource) Overrides(_ context.Context, orgID string) (*domain.PolicyOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orgs[orgID]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

// Watch reloads the file whenever it is written or replaced, until ctx is cancelled. The parent
// directory is watched so editors that rename over the file are seen.
func (s *FileSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return err
	}
	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			if err := s.Reload(); err != nil {
				log.Printf("telemetry: org policy reload failed: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("telemetry: org policy watcher: %v", err)
		}
	}
}
