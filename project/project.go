// Package project models a beaver project: a named collection of
// targets rooted at a base directory, plus (for foreign projects) the
// external build system that produced its targets.
package project

import (
	"fmt"
	"sync"

	"github.com/Jomy10/beaver/target"
)

// Kind is the closed set of project origins.
type Kind int

const (
	KindNative Kind = iota
	KindCargo
	KindCMake
	KindMeson
	KindSwiftPM
)

// ErrNoExecutable is returned by DefaultExecutable when a project has
// no executable targets.
type ErrNoExecutable struct {
	Project string
}

func (e *ErrNoExecutable) Error() string {
	return fmt.Sprintf("project: %q has no executable target", e.Project)
}

// ErrManyExecutables is returned by DefaultExecutable when a project has
// more than one executable target and none was explicitly selected.
type ErrManyExecutables struct {
	Project    string
	Candidates []string
}

func (e *ErrManyExecutables) Error() string {
	return fmt.Sprintf("project: %q has multiple executable targets %v, specify one explicitly", e.Project, e.Candidates)
}

// Project is a named collection of targets. One struct serves native
// and foreign (imported) projects alike: the per-system differences
// live in Kind and in how the targets were populated, never in the
// project surface itself.
type Project struct {
	id       int
	hasID    bool
	name     string
	baseDir  string
	buildDir string
	kind     Kind

	mu      sync.RWMutex
	targets []target.Target
}

// New constructs an empty project rooted at baseDir with the given
// build directory; UpdateBuildDir can rewrite it later.
func New(name, baseDir, buildDir string, kind Kind) *Project {
	return &Project{
		name:     name,
		baseDir:  baseDir,
		buildDir: buildDir,
		kind:     kind,
	}
}

func (p *Project) Name() string     { return p.name }
func (p *Project) BaseDir() string  { return p.baseDir }
func (p *Project) BuildDir() string { return p.buildDir }
func (p *Project) Kind() Kind       { return p.kind }

// ID returns the project's position in the root context's project list.
// The second value is false before the project has been added to a
// root context -- the id is assigned exactly once, by AddProject, and
// never changes afterward.
func (p *Project) ID() (int, bool) {
	return p.id, p.hasID
}

// SetID assigns the project's id; called exactly once, by the beaver
// root context's AddProject.
func (p *Project) SetID(id int) error {
	if p.hasID {
		return fmt.Errorf("project: %q already has id %d, can't reassign to %d", p.name, p.id, id)
	}
	p.id = id
	p.hasID = true
	return nil
}

// UpdateBuildDir rewrites the project's build directory, used when the
// root context's global build directory changes after the project was
// constructed (e.g. a CLI --build-dir override applied after project
// scripts already ran).
func (p *Project) UpdateBuildDir(newBuildDir string) {
	p.buildDir = newBuildDir
}

// Targets returns a snapshot of the project's current target list,
// copied out under the read lock.
func (p *Project) Targets() []target.Target {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]target.Target, len(p.targets))
	copy(out, p.targets)
	return out
}

// AddTarget appends t to the project's target list and returns its
// index (to be combined with the project's own id into a TargetRef).
func (p *Project) AddTarget(t target.Target) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets = append(p.targets, t)
	return len(p.targets) - 1
}

// DefaultExecutable scans the project's targets for exactly one
// Executable-kind target and returns its TargetRef.
func (p *Project) DefaultExecutable() (target.TargetRef, error) {
	id, ok := p.ID()
	if !ok {
		return target.TargetRef{}, fmt.Errorf("project: %q has not been added to a root context yet", p.name)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	var candidates []string
	var found int
	foundIdx := -1
	for i, t := range p.targets {
		if t.Kind() == target.KindExecutable {
			candidates = append(candidates, t.Name())
			found++
			foundIdx = i
		}
	}

	switch found {
	case 0:
		return target.TargetRef{}, &ErrNoExecutable{Project: p.name}
	case 1:
		return target.TargetRef{Project: id, Target: foundIdx}, nil
	default:
		return target.TargetRef{}, &ErrManyExecutables{Project: p.name, Candidates: candidates}
	}
}
