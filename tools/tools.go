// Package tools locates external programs (compilers, linkers, package
// config, build systems) and detects compiler family/version. An
// environment variable override is consulted before falling back to
// PATH and the tool's aliases. Everything else in the module goes
// through the Registry type, so core packages never call exec.LookPath
// directly.
package tools

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "tools")

// Tool describes how to locate a single external program.
type Tool struct {
	Name    string   // primary executable name, e.g. "cc"
	Aliases []string // fallback names tried in order, e.g. "clang", "gcc"
	Env     string   // environment variable that may override the path, e.g. "CC"
}

// ErrNotFound is returned when a required tool cannot be located on PATH
// or via its override environment variable.
type ErrNotFound struct {
	Tool string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("tools: can't find %q in PATH", e.Tool)
}

// Registry resolves and caches tool paths for one beaver invocation.
// Looked-up paths are memoized; re-running `exec.LookPath` per target
// would be wasteful for large graphs.
type Registry struct {
	mu       sync.Mutex
	resolved map[string]string
	warned   map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		resolved: make(map[string]string),
		warned:   make(map[string]bool),
	}
}

// Find resolves t, returning its absolute path. An environment
// variable override pointing at a nonexistent path is a warning, not
// an error, and the registry falls through to PATH/aliases.
func (r *Registry) Find(t Tool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.resolved[t.Name]; ok {
		return p, nil
	}

	if t.Env != "" {
		if envVal := os.Getenv(t.Env); envVal != "" {
			if _, err := os.Stat(envVal); err == nil {
				r.resolved[t.Name] = envVal
				return envVal, nil
			}
			if p, err := exec.LookPath(envVal); err == nil {
				r.resolved[t.Name] = p
				return p, nil
			}
			if !r.warned[t.Env] {
				log.Warnf("environment variable %s=%q does not point to a valid executable, falling back to PATH", t.Env, envVal)
				r.warned[t.Env] = true
			}
		}
	}

	names := append([]string{t.Name}, t.Aliases...)
	for _, name := range names {
		if p, err := exec.LookPath(name); err == nil {
			r.resolved[t.Name] = p
			return p, nil
		}
	}

	return "", &ErrNotFound{Tool: t.Name}
}

// Well-known tools.
var (
	CC = Tool{Name: "cc", Aliases: []string{"clang", "gcc"}, Env: "CC"}
	CXX = Tool{Name: "c++", Aliases: []string{"clang++", "g++"}, Env: "CXX"}
	AR  = Tool{Name: "ar", Env: "AR"}

	PkgConfig = Tool{Name: "pkg-config", Aliases: []string{"pkgconf", "pkg-conf"}, Env: "PKG_CONFIG"}

	Ninja = Tool{Name: "ninja"}
	Cargo = Tool{Name: "cargo"}
	Swift = Tool{Name: "swift"}
	CMake = Tool{Name: "cmake"}
	Meson = Tool{Name: "meson"}

	Sh     = Tool{Name: "sh", Aliases: []string{"bash", "zsh"}}
	Netcat = Tool{Name: "nc"}
	Mkfifo = Tool{Name: "mkfifo"}
	Cat    = Tool{Name: "cat"}
	Test   = Tool{Name: "test"}
)

// CompilerFamily is the closed set of C/C++ compiler drivers the
// optimization-mode flag table cares about.
type CompilerFamily int

const (
	UnknownCompiler CompilerFamily = iota
	Clang
	GCC
)

// CompilerVersion is the detected family+version of a `cc`-like binary.
type CompilerVersion struct {
	Family  CompilerFamily
	Version *semver.Version
}

// DetectCompilerVersion runs `ccPath -dM -E -x c /dev/null` and parses the
// predefined macros to determine compiler family and version.
func DetectCompilerVersion(ccPath string) (CompilerVersion, error) {
	cmd := exec.Command(ccPath, "-dM", "-E", "-x", "c", os.DevNull)
	out, err := cmd.Output()
	if err != nil {
		return CompilerVersion{}, fmt.Errorf("tools: detecting compiler version for %s: %w", ccPath, err)
	}

	isClang := strings.Contains(string(out), "#define __clang__ 1")

	var major, minor, patch string
	for _, line := range strings.Split(string(out), "\n") {
		switch {
		case strings.HasPrefix(line, "#define __clang_major__ "):
			major = strings.TrimSpace(strings.TrimPrefix(line, "#define __clang_major__ "))
		case strings.HasPrefix(line, "#define __clang_minor__ "):
			minor = strings.TrimSpace(strings.TrimPrefix(line, "#define __clang_minor__ "))
		case strings.HasPrefix(line, "#define __clang_patchlevel__ "):
			patch = strings.TrimSpace(strings.TrimPrefix(line, "#define __clang_patchlevel__ "))
		case strings.HasPrefix(line, "#define __GNUC__ "):
			major = strings.TrimSpace(strings.TrimPrefix(line, "#define __GNUC__ "))
		case strings.HasPrefix(line, "#define __GNUC_MINOR__ "):
			minor = strings.TrimSpace(strings.TrimPrefix(line, "#define __GNUC_MINOR__ "))
		case strings.HasPrefix(line, "#define __GNUC_PATCHLEVEL__ "):
			patch = strings.TrimSpace(strings.TrimPrefix(line, "#define __GNUC_PATCHLEVEL__ "))
		}
	}

	if major == "" {
		return CompilerVersion{Family: UnknownCompiler}, nil
	}
	if patch == "" {
		patch = "0"
	}
	v, err := semver.NewVersion(fmt.Sprintf("%s.%s.%s", major, minor, patch))
	if err != nil {
		return CompilerVersion{}, fmt.Errorf("tools: parsing compiler version %s.%s.%s: %w", major, minor, patch, err)
	}

	family := GCC
	if isClang {
		family = Clang
	}
	return CompilerVersion{Family: family, Version: v}, nil
}
