package graph

import (
	"embed"
	"io/fs"
	"os"
	"sync"

	"upscaler/internal/pkg/errors"
)

//go:embed templates/*.json
var embedded embed.FS

// Definition names a template file and the slots a job binds in it.
type Definition struct {
	File  string
	Slots map[SlotKey]SlotRef
}

// Definitions lists the built-in task templates keyed by task type.
var Definitions = map[string]Definition{
	"upscale": {
		File: "upscale.json",
		Slots: map[SlotKey]SlotRef{
			SlotInput:      {Node: "8", Input: "video"},
			SlotResolution: {Node: "10", Input: "new_resolution"},
		},
	},
	"upscale_and_interpolation": {
		File: "upscale_and_interpolation.json",
		Slots: map[SlotKey]SlotRef{
			SlotInput:      {Node: "8", Input: "video"},
			SlotResolution: {Node: "10", Input: "new_resolution"},
			SlotFrameRate:  {Node: "12", Input: "frame_rate"},
		},
	},
	"image_upscale": {
		File: "image_upscale.json",
		Slots: map[SlotKey]SlotRef{
			SlotInput:      {Node: "1", Input: "image"},
			SlotResolution: {Node: "2", Input: "new_resolution"},
		},
	},
}

// Store loads templates from a filesystem and caches them. Templates are
// immutable, so cached values are shared across jobs.
type Store struct {
	fsys fs.FS
	defs map[string]Definition

	mu    sync.Mutex
	cache map[string]*Template
}

// NewStore reads the templates named in defs from fsys.
func NewStore(fsys fs.FS, defs map[string]Definition) *Store {
	return &Store{fsys: fsys, defs: defs, cache: make(map[string]*Template)}
}

// DefaultStore serves the templates compiled into the binary.
func DefaultStore() *Store {
	sub, err := fs.Sub(embedded, "templates")
	if err != nil {
		panic(err)
	}
	return NewStore(sub, Definitions)
}

// DirStore serves templates from dir, using the built-in definitions.
func DirStore(dir string) *Store {
	return NewStore(os.DirFS(dir), Definitions)
}

// Load returns the template registered under name.
func (s *Store) Load(name string) (*Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.cache[name]; ok {
		return t, nil
	}

	def, ok := s.defs[name]
	if !ok {
		return nil, errors.Newf(errors.CodeInternal, "no template registered for %q", name)
	}
	raw, err := fs.ReadFile(s.fsys, def.File)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeInternal, "graph.load", "read template "+def.File)
	}
	t, err := Parse(name, raw, def.Slots)
	if err != nil {
		return nil, err
	}
	s.cache[name] = t
	return t, nil
}

// Validate loads every registered template, failing on the first defect.
// Binaries call it at startup so a broken template is caught before any job.
func (s *Store) Validate() error {
	for name := range s.defs {
		if _, err := s.Load(name); err != nil {
			return err
		}
	}
	return nil
}
