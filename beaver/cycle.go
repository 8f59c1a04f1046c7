package beaver

import (
	"fmt"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/Jomy10/beaver/target"
)

// checkAcyclic builds a directed graph of every target's DepList
// (DepLibrary edges only -- the other dependency kinds never point
// back into the target graph) and rejects the whole build if it
// contains a cycle, using gonum's cycle finder (Johnson's algorithm). Running
// this once up front means downstream flag resolution can DFS the
// graph without its own cycle defense; nothing stops a script from
// declaring mutually-dependent targets through plain TargetRef
// indices.
func (b *Beaver) checkAcyclic() error {
	g := simple.NewDirectedGraph()

	nodeID := func(ref target.TargetRef) int64 {
		return int64(ref.Project)<<32 | int64(uint32(ref.Target))
	}

	for _, p := range b.Projects() {
		projID, _ := p.ID()
		for idx, t := range p.Targets() {
			self := target.TargetRef{Project: projID, Target: idx}
			from := nodeID(self)
			if g.Node(from) == nil {
				g.AddNode(simple.Node(from))
			}
			deps := dependenciesOf(t)
			for _, dep := range deps {
				if dep.Kind != target.DepLibrary {
					continue
				}
				if dep.Library.Target == self {
					return fmt.Errorf("beaver: target %q depends on itself", t.Name())
				}
				to := nodeID(dep.Library.Target)
				if g.Node(to) == nil {
					g.AddNode(simple.Node(to))
				}
				g.SetEdge(g.NewEdge(simple.Node(from), simple.Node(to)))
			}
		}
	}

	cycles := topo.DirectedCyclesIn(g)
	if len(cycles) > 0 {
		return fmt.Errorf("beaver: dependency graph contains %d cycle(s)", len(cycles))
	}
	return nil
}

// dependenciesOf extracts a target's dependency list across every
// variant that carries one.
func dependenciesOf(t target.Target) []target.Dependency {
	switch v := t.(type) {
	case *target.NativeLibrary:
		return v.DepList
	case *target.NativeExecutable:
		return v.DepList
	case *target.ForeignLibrary:
		return v.DepList
	case *target.ForeignExecutable:
		return v.DepList
	default:
		return nil
	}
}
