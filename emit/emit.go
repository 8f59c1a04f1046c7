// Package emit lowers the in-memory target graph into a ninja build
// file: a flat text format of "rule" templates and "build" steps, plus
// "phony" alias steps used to group a target's (and a project's)
// artifacts under one invokable name.
package emit

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Rule is a reusable ninja command template.
type Rule struct {
	Name    string
	Options []KV // e.g. {"command", "..."}, {"description", "..."}
}

// KV is an ordered option key/value pair; ninja rule/build options are
// positional (order affects readability, not semantics), so a plain
// slice of pairs is used instead of a map.
type KV struct {
	Key, Value string
}

// Step is a tagged union of the two things a scope can emit: a phony
// alias, or a real build step invoking a rule.
type Step struct {
	Phony *PhonyStep
	Build *BuildStep
}

// PhonyStep aliases a set of other steps under one symbolic name.
type PhonyStep struct {
	Name         string
	Args         []string
	Dependencies []string
}

// BuildStep invokes Rule to produce Output from Input.
type BuildStep struct {
	Rule         *Rule
	Output       string
	Input        []string
	Dependencies []string // order-only dependencies, written after "||"
	Options      []KV
}

// Builder accumulates rules and a root-level buffer. One Builder
// corresponds to one emitted build file; ninja is the only backend, so
// there is no indirection over the output format.
type Builder struct {
	buf       strings.Builder
	ruleNames map[string]bool
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{ruleNames: make(map[string]bool)}
}

// AddRule appends rule's "rule NAME\n  key = value\n..." block if it
// hasn't already been added.
func (b *Builder) AddRule(rule *Rule) {
	if b.ruleNames[rule.Name] {
		return
	}
	b.ruleNames[rule.Name] = true
	fmt.Fprintf(&b.buf, "rule %s\n", rule.Name)
	for _, opt := range rule.Options {
		fmt.Fprintf(&b.buf, "  %s = %s\n", opt.Key, opt.Value)
	}
}

// HasRule reports whether rule has already been added.
func (b *Builder) HasRule(name string) bool { return b.ruleNames[name] }

// NewScope returns a Scope that rewrites paths relative to baseDir when
// merged from a build directory of buildDir; the base-to-build relative
// path is computed once here.
func (b *Builder) NewScope(baseDir, buildDir string) (*Scope, error) {
	rel, err := filepath.Rel(buildDir, baseDir)
	if err != nil {
		return nil, fmt.Errorf("emit: computing relative path from %s to %s: %w", buildDir, baseDir, err)
	}
	return &Scope{relPath: rel}, nil
}

// ApplyScope appends scope's buffer to the builder's.
func (b *Builder) ApplyScope(scope *Scope) {
	b.buf.WriteString(scope.buf.String())
}

// AddComment writes a "# comment" line directly to the root buffer.
func (b *Builder) AddComment(comment string) {
	fmt.Fprintf(&b.buf, "# %s\n", comment)
}

// AddInclude writes a "subninja path" directive, pulling in a
// separately-written ninja file with its own rule scope -- ninja
// scopes rules per subninja, so two projects emitted to their own
// files may reuse a rule name (e.g. "cc") without colliding. This is
// what lets the root context emit one project's graph per goroutine
// instead of serializing every project through a single Builder.
func (b *Builder) AddInclude(path string) {
	fmt.Fprintf(&b.buf, "subninja %s\n", path)
}

// String returns the accumulated ninja file text.
func (b *Builder) String() string {
	return b.buf.String()
}

// Scope accumulates build/phony steps for one project, rewriting every
// path through relPath before writing it out.
type Scope struct {
	buf     strings.Builder
	relPath string
}

// FormatPath rewrites a base-dir-relative path to be relative to the
// scope's build directory. Absolute paths and symbolic step names
// (which carry the reserved ':' separator and aren't paths at all)
// pass through unchanged.
func (s *Scope) FormatPath(path string) string {
	if s.relPath == "" || s.relPath == "." || filepath.IsAbs(path) || strings.Contains(path, ":") {
		return path
	}
	return filepath.Join(s.relPath, path)
}

// AddComment writes a "# comment" line to the scope's buffer.
func (s *Scope) AddComment(comment string) {
	fmt.Fprintf(&s.buf, "# %s\n", comment)
}

// AddStep writes one phony or build step. Names and paths in step
// position are escaped on the way out (see escapeNinja); option values
// are written verbatim, since only the build line is
// position-sensitive.
func (s *Scope) AddStep(step Step) error {
	switch {
	case step.Phony != nil:
		p := step.Phony
		fmt.Fprintf(&s.buf, "build %s: phony %s", escapeNinja(p.Name), joinEscaped(p.Args))
		s.writeDependencies(p.Dependencies)
		s.buf.WriteByte('\n')
	case step.Build != nil:
		bld := step.Build
		inputs := make([]string, len(bld.Input))
		for i, in := range bld.Input {
			inputs[i] = s.FormatPath(in)
		}
		fmt.Fprintf(&s.buf, "build %s: %s %s", escapeNinja(s.FormatPath(bld.Output)), bld.Rule.Name, joinEscaped(inputs))
		s.writeDependencies(bld.Dependencies)
		s.buf.WriteByte('\n')
		for _, opt := range bld.Options {
			fmt.Fprintf(&s.buf, "  %s = %s\n", opt.Key, opt.Value)
		}
	default:
		return fmt.Errorf("emit: empty Step")
	}
	return nil
}

func (s *Scope) writeDependencies(deps []string) {
	if len(deps) == 0 {
		return
	}
	s.buf.WriteString(" || ")
	for _, d := range deps {
		s.buf.WriteString(escapeNinja(d))
		s.buf.WriteByte(' ')
	}
}

// escapeNinja escapes the characters ninja reserves in build-line
// position -- '$' itself, the ':' output separator, and spaces -- by
// prefixing each with '$'. Step names carrying the ':' separator
// ("p:mylib:staticlib") therefore appear in the file as
// "p$:mylib$:staticlib"; invoking ninja with the unescaped spelling
// still works, since the escaping is file syntax only.
func escapeNinja(s string) string {
	s = strings.ReplaceAll(s, "$", "$$")
	s = strings.ReplaceAll(s, ":", "$:")
	return strings.ReplaceAll(s, " ", "$ ")
}

func joinEscaped(items []string) string {
	escaped := make([]string, len(items))
	for i, it := range items {
		escaped[i] = escapeNinja(it)
	}
	return strings.Join(escaped, " ")
}
