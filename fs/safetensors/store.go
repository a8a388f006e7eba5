// store.go - Namensaufloesung ueber ein oder mehrere Safetensors-Shards
//
// Enthaelt:
// - Store: Name -> Shard Zuordnung (weight_map) plus offene Files
// - OpenStore: index.json, einzelne model.safetensors oder deterministisch gebauter Index
// - Tensor/Names/Has/Close
package safetensors

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ollama/asrexport/ml"
)

const (
	IndexFile  = "model.safetensors.index.json"
	SingleFile = "model.safetensors"
)

var ErrDuplicateWeight = errors.New("duplicate weight")

// Index entspricht model.safetensors.index.json.
type Index struct {
	Metadata  map[string]any    `json:"metadata,omitempty"`
	WeightMap map[string]string `json:"weight_map"`
}

// Store loest Tensor-Namen ueber alle Shards eines Modellverzeichnisses auf.
// Tensor ist sicher fuer parallele Aufrufe.
type Store struct {
	dir   string
	index map[string]string

	mu    sync.Mutex
	files map[string]*File
}

// OpenStore oeffnet das Modellverzeichnis dir. Reihenfolge:
// model.safetensors.index.json, model.safetensors, sonst alle *.safetensors.
func OpenStore(dir string) (*Store, error) {
	s := &Store{dir: dir, files: make(map[string]*File)}

	bts, err := os.ReadFile(filepath.Join(dir, IndexFile))
	switch {
	case err == nil:
		var idx Index
		if err := json.Unmarshal(bts, &idx); err != nil {
			return nil, fmt.Errorf("%s: %w", IndexFile, err)
		}
		if len(idx.WeightMap) == 0 {
			return nil, fmt.Errorf("%s: empty weight_map", IndexFile)
		}
		s.index = idx.WeightMap
		slog.Debug("weight index loaded", "tensors", len(s.index))
		return s, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	shards := []string{SingleFile}
	if _, err := os.Stat(filepath.Join(dir, SingleFile)); errors.Is(err, os.ErrNotExist) {
		matches, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no safetensors files in %s", dir)
		}

		shards = shards[:0]
		for _, m := range matches {
			shards = append(shards, filepath.Base(m))
		}
	}

	if err := s.buildIndex(shards); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// buildIndex parst alle Shard-Header parallel und baut die weight_map.
// Ein Name in zwei Shards ist ein Fehler.
func (s *Store) buildIndex(shards []string) error {
	slices.Sort(shards)

	files := make([]*File, len(shards))
	var g errgroup.Group
	for i, name := range shards {
		g.Go(func() error {
			f, err := Open(filepath.Join(s.dir, name))
			if err != nil {
				return err
			}
			files[i] = f
			return nil
		})
	}

	err := g.Wait()
	for i, f := range files {
		if f != nil {
			s.files[shards[i]] = f
		}
	}
	if err != nil {
		return err
	}

	s.index = make(map[string]string)
	for i, f := range files {
		for _, name := range f.Names() {
			if prev, ok := s.index[name]; ok {
				return fmt.Errorf("%w: %s in %s and %s", ErrDuplicateWeight, name, prev, shards[i])
			}
			s.index[name] = shards[i]
		}
	}

	slog.Debug("weight index built", "shards", len(shards), "tensors", len(s.index))
	return nil
}

func (s *Store) file(shard string) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.files[shard]; ok {
		return f, nil
	}

	f, err := Open(filepath.Join(s.dir, shard))
	if err != nil {
		return nil, err
	}
	s.files[shard] = f
	return f, nil
}

// Has meldet, ob name im Store vorhanden ist.
func (s *Store) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

// Tensor liest name aus dem zugehoerigen Shard.
func (s *Store) Tensor(name string) (*ml.Tensor, error) {
	shard, ok := s.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWeightNotFound, name)
	}

	f, err := s.file(shard)
	if err != nil {
		return nil, err
	}
	return f.Tensor(name)
}

// Rows liest einen Zeilenblock von name, siehe File.Rows.
func (s *Store) Rows(name string, row, count int) ([]float32, error) {
	shard, ok := s.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWeightNotFound, name)
	}

	f, err := s.file(shard)
	if err != nil {
		return nil, err
	}
	return f.Rows(name, row, count)
}

// Info gibt den Header-Eintrag von name zurueck, ohne Daten zu lesen.
func (s *Store) Info(name string) (TensorInfo, error) {
	shard, ok := s.index[name]
	if !ok {
		return TensorInfo{}, fmt.Errorf("%w: %s", ErrWeightNotFound, name)
	}

	f, err := s.file(shard)
	if err != nil {
		return TensorInfo{}, err
	}

	ti, ok := f.Info(name)
	if !ok {
		return TensorInfo{}, fmt.Errorf("%w: %s listed for %s but absent", ErrWeightNotFound, name, shard)
	}
	return ti, nil
}

// Names gibt alle Tensor-Namen sortiert zurueck.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.index))
	for name := range s.index {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Shards gibt die referenzierten Shard-Dateien sortiert zurueck.
func (s *Store) Shards() []string {
	var shards []string
	for _, shard := range s.index {
		if !slices.Contains(shards, shard) {
			shards = append(shards, shard)
		}
	}
	slices.Sort(shards)
	return shards
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for name, f := range s.files {
		errs = append(errs, f.Close())
		delete(s.files, name)
	}
	return errors.Join(errs...)
}
