package snap

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"labsnap/internal/fs"
)

// PinSet is the set of artifact base names that retention must never delete.
type PinSet struct {
	names map[string]struct{}
}

// NewPinSet returns a PinSet holding names.
func NewPinSet(names ...string) *PinSet {
	p := &PinSet{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		p.names[n] = struct{}{}
	}
	return p
}

// Has reports whether name is pinned.
func (p *PinSet) Has(name string) bool {
	_, ok := p.names[name]
	return ok
}

// Add pins name. It reports whether the set changed.
func (p *PinSet) Add(name string) bool {
	if p.Has(name) {
		return false
	}
	p.names[name] = struct{}{}
	return true
}

// Remove unpins name. It reports whether the set changed.
func (p *PinSet) Remove(name string) bool {
	if !p.Has(name) {
		return false
	}
	delete(p.names, name)
	return true
}

// Names returns the pinned names in sorted order.
func (p *PinSet) Names() []string {
	out := make([]string, 0, len(p.names))
	for n := range p.names {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

type pinFile struct {
	Pinned []string `json:"pinned"`
}

// PinRepository persists a PinSet as a JSON sidecar next to the artifacts.
// Load and Save each touch the file exactly once.
type PinRepository struct {
	path string
}

func NewPinRepository(path string) *PinRepository {
	return &PinRepository{path: path}
}

// Path returns the location of the pin file.
func (r *PinRepository) Path() string {
	return r.path
}

// Load reads the pin set. A missing file is an empty set.
func (r *PinRepository) Load() (*PinSet, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return NewPinSet(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading pin file: %w", err)
	}

	var f pinFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing pin file %s: %w", r.path, err)
	}
	return NewPinSet(f.Pinned...), nil
}

// Save replaces the pin file with the contents of p.
func (r *PinRepository) Save(p *PinSet) error {
	data, err := json.MarshalIndent(pinFile{Pinned: p.Names()}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding pin file: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("creating pin file directory: %w", err)
	}
	if err := fs.WriteFileAtomic(r.path, bytes.NewReader(data), 0o644); err != nil {
		return fmt.Errorf("writing pin file: %w", err)
	}
	return nil
}

// PinResult is the outcome of Pin and Unpin.
type PinResult struct {
	Schema  string   `json:"schema"`
	OK      bool     `json:"ok"`
	RC      int      `json:"rc"`
	Ref     string   `json:"ref"`
	Name    string   `json:"name,omitempty"`
	Changed bool     `json:"changed"`
	Pinned  []string `json:"pinned"`
	Error   string   `json:"error,omitempty"`
}

func (s *Service) newPinResult(schema, ref string) (*PinResult, func(error) (*PinResult, error)) {
	res := &PinResult{Schema: schema, RC: 2, Ref: ref, Pinned: []string{}}
	return res, func(err error) (*PinResult, error) {
		res.Error = Code(err)
		res.RC = verdictRC(err)
		s.logger.Warn("pin update failed", "ref", ref, "error", err)
		return res, err
	}
}

// pinName reduces an artifact reference (base name, archive file name or path)
// to its base name.
func pinName(ref string) (string, error) {
	name := filepath.Base(filepath.Clean(ref))
	if base, ok := archiveBase(name); ok {
		name = base
	}
	if err := validateBaseName(name); err != nil {
		return "", err
	}
	return name, nil
}

// Pin marks an artifact as non-deletable. Either half of the artifact must
// exist under the exports dir.
func (s *Service) Pin(ref string) (*PinResult, error) {
	res, fail := s.newPinResult("snapshot_pin_result", ref)
	name, err := pinName(ref)
	if err != nil {
		return fail(err)
	}
	res.Name = name

	pop, err := scanArtifacts(s.opts.ExportsDir)
	if err != nil {
		return fail(err)
	}
	if _, ok := pop.byName[name]; !ok {
		return fail(fmt.Errorf("%w: no artifact named %s in %s", ErrArtifactResolution, name, s.opts.ExportsDir))
	}

	pins, err := s.pins.Load()
	if err != nil {
		return fail(err)
	}
	res.Changed = pins.Add(name)
	if res.Changed {
		if err := s.pins.Save(pins); err != nil {
			res.Changed = false
			return fail(err)
		}
		s.logger.Info("pinned snapshot", "name", name)
	}
	res.OK, res.RC, res.Pinned = true, 0, pins.Names()
	return res, nil
}

// Unpin removes a pin. Unpinning a name that is not pinned is a no-op.
func (s *Service) Unpin(ref string) (*PinResult, error) {
	res, fail := s.newPinResult("snapshot_unpin_result", ref)
	name, err := pinName(ref)
	if err != nil {
		return fail(err)
	}
	res.Name = name

	pins, err := s.pins.Load()
	if err != nil {
		return fail(err)
	}
	res.Changed = pins.Remove(name)
	if res.Changed {
		if err := s.pins.Save(pins); err != nil {
			res.Changed = false
			return fail(err)
		}
		s.logger.Info("unpinned snapshot", "name", name)
	}
	res.OK, res.RC, res.Pinned = true, 0, pins.Names()
	return res, nil
}

// Pins returns the current pin set.
func (s *Service) Pins() ([]string, error) {
	pins, err := s.pins.Load()
	if err != nil {
		return nil, err
	}
	return pins.Names(), nil
}
