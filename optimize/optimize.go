// Package optimize holds the optimization-mode flag tables shared by
// the emitter and the root beaver context. Split out from the beaver
// package so that emit (which needs these flags to generate cc/link
// rules) doesn't have to import the root context package, and the root
// context (which needs these flags to report to the user) doesn't have
// to import emit.
package optimize

import (
	"fmt"
	"strings"

	"github.com/Jomy10/beaver/tools"
)

// Mode is the closed set of build profiles beaver supports.
type Mode int

const (
	Debug Mode = iota
	Release
)

func (m Mode) String() string {
	switch m {
	case Release:
		return "release"
	default:
		return "debug"
	}
}

// Parse accepts "debug"/"release", case-insensitively.
func Parse(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "debug":
		return Debug, nil
	case "release":
		return Release, nil
	default:
		return 0, fmt.Errorf("optimize: %q is not a valid optimization mode, expected \"debug\" or \"release\"", s)
	}
}

// CFlags returns the compiler flags for m. In Release mode the LTO
// fat-object flag is gated on the detected compiler: Clang >= 18 or
// any GCC.
func (m Mode) CFlags(cc tools.CompilerVersion) []string {
	switch m {
	case Debug:
		return []string{"-g", "-O0"}
	case Release:
		return appendFatLTOIfSupported([]string{"-O3", "-flto", "-DNDEBUG"}, cc)
	default:
		return nil
	}
}

// LinkerFlags returns the linker flags for m.
func (m Mode) LinkerFlags(cc tools.CompilerVersion) []string {
	switch m {
	case Debug:
		return []string{"-g", "-O0"}
	case Release:
		return appendFatLTOIfSupported([]string{"-O3", "-flto"}, cc)
	default:
		return nil
	}
}

func appendFatLTOIfSupported(flags []string, cc tools.CompilerVersion) []string {
	switch cc.Family {
	case tools.Clang:
		if cc.Version != nil && cc.Version.Major() >= 18 {
			flags = append(flags, "-ffat-lto-objects")
		}
	case tools.GCC:
		flags = append(flags, "-ffat-lto-objects")
	}
	return flags
}

// CargoFlags returns the extra `cargo build` flags for m.
func (m Mode) CargoFlags() []string {
	if m == Release {
		return []string{"--release"}
	}
	return nil
}

// CargoProfileDir returns the directory name cargo places artifacts
// under for m ("debug" or "release"), matching cargo's own convention.
func (m Mode) CargoProfileDir() string {
	return m.String()
}

// CMakeName returns the CMAKE_BUILD_TYPE value for m.
func (m Mode) CMakeName() string {
	if m == Release {
		return "Release"
	}
	return "Debug"
}
