// Package platform holds the small, static per-OS tables used when naming
// artifacts and linking shared libraries: file extensions and the flags
// needed to produce a loadable shared object for a given triple.
package platform

import (
	"fmt"

	"github.com/Jomy10/beaver/triple"
)

// OS is the coarse operating-system family used for extension/flag
// selection. Triples map onto exactly one of these.
type OS int

const (
	Linux OS = iota
	Darwin
	Windows
	WASM
	OtherOS
)

func FromTriple(t triple.Triple) OS {
	switch {
	case t.IsDarwin():
		return Darwin
	case t.OperatingSystem == "windows":
		return Windows
	case t.OperatingSystem == "linux":
		return Linux
	case t.OperatingSystem == "wasi" || t.Architecture == "wasm32":
		return WASM
	default:
		return OtherOS
	}
}

// DynlibExtension returns the file extension (without the leading dot)
// used for dynamic libraries on os.
func DynlibExtension(os OS) (string, error) {
	switch os {
	case Linux:
		return "so", nil
	case Darwin:
		return "dylib", nil
	case Windows:
		return "dll", nil
	case WASM:
		return "wasm", nil
	default:
		return "", fmt.Errorf("platform: no dynamic library extension known for %v", os)
	}
}

// StaticlibExtension returns the file extension used for static libraries.
func StaticlibExtension(os OS) (string, error) {
	switch os {
	case Linux, Darwin:
		return "a", nil
	case Windows:
		return "lib", nil
	case WASM:
		return "wasm", nil
	default:
		return "", fmt.Errorf("platform: no static library extension known for %v", os)
	}
}

// ExecutableSuffix returns the OS-specific executable file suffix
// (without the leading dot), or "" when the OS uses none.
func ExecutableSuffix(os OS) string {
	switch os {
	case Windows:
		return "exe"
	case WASM:
		return "wasm"
	default:
		return ""
	}
}

// SupportsFrameworks reports whether os can host .framework bundles.
func SupportsFrameworks(os OS) bool {
	return os == Darwin
}

// SharedLibLinkerFlags returns the linker flag that makes the compiler
// driver produce a shared library on os: "-dynamiclib" on Darwin,
// "-shared" on Linux, WASM and Windows, and nil for any other OS.
func SharedLibLinkerFlags(os OS) []string {
	switch os {
	case Darwin:
		return []string{"-dynamiclib"}
	case Linux, WASM:
		return []string{"-shared"}
	case Windows:
		return []string{"-shared"}
	default:
		return nil
	}
}

func (o OS) String() string {
	switch o {
	case Linux:
		return "linux"
	case Darwin:
		return "darwin"
	case Windows:
		return "windows"
	case WASM:
		return "wasm"
	default:
		return "other"
	}
}
