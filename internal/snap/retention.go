package snap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// Artifact kinds.
const (
	KindDir     = "dir"
	KindArchive = "archive"
)

// artifact is one logical snapshot in the exports dir: a directory and/or
// one or more archives sharing a base name.
type artifact struct {
	name     Name
	dir      string
	archives []string
}

func (a *artifact) complete() bool {
	return a.dir != "" && len(a.archives) > 0
}

func (a *artifact) paths() []Candidate {
	var out []Candidate
	if a.dir != "" {
		out = append(out, Candidate{Name: a.name.Base, Kind: KindDir, Path: a.dir})
	}
	for _, p := range a.archives {
		out = append(out, Candidate{Name: a.name.Base, Kind: KindArchive, Path: p})
	}
	return out
}

// population is the set of artifacts found directly under one root.
type population struct {
	byName map[string]*artifact
	// newest first
	ordered []*artifact
}

// scanArtifacts classifies the entries of root by the naming convention.
// Entries that do not follow it are ignored. A missing root is empty.
func scanArtifacts(root string) (*population, error) {
	pop := &population{byName: make(map[string]*artifact)}

	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return pop, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading artifact root: %w", err)
	}

	get := func(n Name) *artifact {
		a, ok := pop.byName[n.Base]
		if !ok {
			a = &artifact{name: n}
			pop.byName[n.Base] = a
		}
		return a
	}

	for _, e := range entries {
		path := filepath.Join(root, e.Name())
		switch {
		case e.IsDir():
			if n, ok := ParseName(e.Name()); ok {
				get(n).dir = path
			}
		case e.Type().IsRegular():
			base, ok := archiveBase(e.Name())
			if !ok {
				continue
			}
			if n, ok := ParseName(base); ok {
				a := get(n)
				a.archives = append(a.archives, path)
			}
		}
	}

	for _, a := range pop.byName {
		slices.Sort(a.archives)
		pop.ordered = append(pop.ordered, a)
	}
	slices.SortFunc(pop.ordered, func(x, y *artifact) int {
		switch {
		case x.name.Newer(y.name):
			return -1
		case y.name.Newer(x.name):
			return 1
		}
		return 0
	})
	return pop, nil
}

// Candidate is one filesystem path retention would delete (or did delete).
type Candidate struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	Path string `json:"path"`
}

// RetentionContext is what GC and Prune operate on: an artifact root and the
// pin set loaded for this invocation.
type RetentionContext struct {
	Root string
	Pins *PinSet
}

// RetentionReport is the outcome of GC or Prune. For a dry run Candidates is
// what would be deleted and Deleted is empty; for an apply run Deleted is what
// was removed, in Candidates order.
type RetentionReport struct {
	Schema     string      `json:"schema"`
	OK         bool        `json:"ok"`
	RC         int         `json:"rc"`
	Policy     string      `json:"policy"`
	DryRun     bool        `json:"dry_run"`
	Root       string      `json:"root"`
	Keep       int         `json:"keep,omitempty"`
	Pinned     []string    `json:"pinned"`
	Kept       []string    `json:"kept"`
	Candidates []Candidate `json:"candidates"`
	Deleted    []Candidate `json:"deleted"`
	Error      string      `json:"error,omitempty"`
}

// planGC returns every orphan half that is not pinned.
// Complete pairs are never candidates.
func planGC(rc RetentionContext, pop *population) (candidates []Candidate, kept []string) {
	for _, a := range pop.ordered {
		if a.complete() || rc.Pins.Has(a.name.Base) {
			kept = append(kept, a.name.Base)
			continue
		}
		candidates = append(candidates, a.paths()...)
	}
	return candidates, kept
}

// planPrune keeps the keep newest artifacts plus every pinned one and
// returns every path of the rest.
func planPrune(rc RetentionContext, pop *population, keep int) (candidates []Candidate, kept []string) {
	for rank, a := range pop.ordered {
		if rank < keep || rc.Pins.Has(a.name.Base) {
			kept = append(kept, a.name.Base)
			continue
		}
		candidates = append(candidates, a.paths()...)
	}
	return candidates, kept
}

// GC deletes orphaned artifact halves. Nothing is removed unless apply is set.
func (s *Service) GC(apply bool) (*RetentionReport, error) {
	return s.runRetention("gc", 0, apply, func(rc RetentionContext, pop *population) ([]Candidate, []string) {
		return planGC(rc, pop)
	})
}

// Prune keeps the keep newest artifacts and every pinned artifact, deleting
// the rest. Nothing is removed unless apply is set.
func (s *Service) Prune(keep int, apply bool) (*RetentionReport, error) {
	return s.runRetention("prune", keep, apply, func(rc RetentionContext, pop *population) ([]Candidate, []string) {
		return planPrune(rc, pop, keep)
	})
}

func (s *Service) retentionContext() (RetentionContext, error) {
	pins, err := s.pins.Load()
	if err != nil {
		return RetentionContext{}, err
	}
	return RetentionContext{Root: s.opts.ExportsDir, Pins: pins}, nil
}

// runRetention computes the plan once and, when applying, deletes exactly the
// planned candidates. Dry run and apply share the plan so their candidate
// sets cannot diverge.
func (s *Service) runRetention(policy string, keep int, apply bool, plan func(RetentionContext, *population) ([]Candidate, []string)) (*RetentionReport, error) {
	rep := &RetentionReport{
		Schema:     "snapshot_" + policy + "_result",
		Policy:     policy,
		DryRun:     !apply,
		Root:       s.opts.ExportsDir,
		Keep:       keep,
		Pinned:     []string{},
		Kept:       []string{},
		Candidates: []Candidate{},
		Deleted:    []Candidate{},
	}
	fail := func(err error) (*RetentionReport, error) {
		rep.OK = false
		rep.Error = Code(err)
		rep.RC = verdictRC(err)
		s.logger.Warn("retention failed", "policy", policy, "error", err)
		return rep, err
	}

	if policy == "prune" && keep < 1 {
		return fail(fmt.Errorf("%w: keep must be at least 1, got %d", ErrInvalidArgument, keep))
	}
	rc, err := s.retentionContext()
	if err != nil {
		return fail(err)
	}
	rep.Pinned = rc.Pins.Names()

	pop, err := scanArtifacts(rc.Root)
	if err != nil {
		return fail(err)
	}
	candidates, kept := plan(rc, pop)
	rep.OK = true
	rep.Kept = nonNil(kept)
	rep.Candidates = nonNil(candidates)
	if !apply {
		s.logger.Info("retention dry run", "policy", policy, "candidates", len(candidates))
		return rep, nil
	}

	for _, c := range candidates {
		if err := os.RemoveAll(c.Path); err != nil {
			return fail(fmt.Errorf("deleting %s: %w", c.Path, err))
		}
		s.logger.Info("deleted artifact", "policy", policy, "name", c.Name, "kind", c.Kind, "path", c.Path)
		rep.Deleted = append(rep.Deleted, c)
	}
	return rep, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
