// Package beaver implements the root build context: the owner of every
// project and target in a build, the single place dependency
// resolution, ninja emission, and custom-target coordination all go
// through.
package beaver

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Jomy10/beaver/cache"
	"github.com/Jomy10/beaver/coordinate"
	"github.com/Jomy10/beaver/optimize"
	"github.com/Jomy10/beaver/project"
	"github.com/Jomy10/beaver/target"
	"github.com/Jomy10/beaver/tools"
	"github.com/Jomy10/beaver/triple"
)

var log = logrus.WithField("component", "beaver")

// Beaver is the root context a build runs against: every project it
// knows about, the tool registry used to locate external programs, the
// file-change cache, and (once EnableCoordination is called) the
// Unix-socket server custom targets dispatch their build commands
// through.
type Beaver struct {
	mu       sync.RWMutex
	projects []*project.Project

	BuildDir string
	Mode     optimize.Mode
	Triple   triple.Triple

	Tools *tools.Registry
	Cache *cache.Cache

	coordServer *coordinate.Server

	phaseMu sync.Mutex
	hooks   map[Phase][]func() error
}

// New constructs a root context rooted at buildDir, with tools resolved
// lazily through a fresh tools.Registry. cacheFile, when non-empty,
// opens (or creates) the file-change cache at that path; pass "" to run
// without one (every target is always considered changed).
func New(buildDir string, mode optimize.Mode, t triple.Triple, cacheFile string) (*Beaver, error) {
	b := &Beaver{
		BuildDir: buildDir,
		Mode:     mode,
		Triple:   t,
		Tools:    tools.NewRegistry(),
		hooks:    make(map[Phase][]func() error),
	}
	if cacheFile != "" {
		c, err := cache.Open(cacheFile)
		if err != nil {
			return nil, fmt.Errorf("beaver: opening cache %s: %w", cacheFile, err)
		}
		b.Cache = c
	}
	return b, nil
}

// AddProject appends p to the context's project list, assigning its id
// via project.Project.SetID.
func (b *Beaver) AddProject(p *project.Project) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := len(b.projects)
	if err := p.SetID(id); err != nil {
		return 0, err
	}
	b.projects = append(b.projects, p)
	return id, nil
}

// Projects returns a snapshot of the context's current project list.
func (b *Beaver) Projects() []*project.Project {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*project.Project, len(b.projects))
	copy(out, b.projects)
	return out
}

// Project returns the project with the given id.
func (b *Beaver) Project(id int) (*project.Project, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if id < 0 || id >= len(b.projects) {
		return nil, fmt.Errorf("beaver: no project with id %d", id)
	}
	return b.projects[id], nil
}

// Resolve implements target.Resolver, letting the emit package and
// target.Dependency look up another target by TargetRef without
// importing project or beaver themselves.
func (b *Beaver) Resolve(ref target.TargetRef) (target.ProjectInfo, target.Target, error) {
	p, err := b.Project(ref.Project)
	if err != nil {
		return nil, nil, err
	}
	targets := p.Targets()
	if ref.Target < 0 || ref.Target >= len(targets) {
		return nil, nil, fmt.Errorf("beaver: project %q has no target %d", p.Name(), ref.Target)
	}
	return p, targets[ref.Target], nil
}

// FindDefaultExecutable scans every project for a single executable
// target across the whole context; the run command uses it to pick the
// executable to launch.
func (b *Beaver) FindDefaultExecutable() (target.TargetRef, error) {
	var candidates []target.TargetRef
	for _, p := range b.Projects() {
		if ref, err := p.DefaultExecutable(); err == nil {
			candidates = append(candidates, ref)
		}
	}
	switch len(candidates) {
	case 0:
		return target.TargetRef{}, fmt.Errorf("beaver: no executable target found in any loaded project")
	case 1:
		return candidates[0], nil
	default:
		return target.TargetRef{}, fmt.Errorf("beaver: multiple projects declare a default executable, specify one explicitly")
	}
}
