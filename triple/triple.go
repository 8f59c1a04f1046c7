// Package triple represents a target platform descriptor (architecture,
// vendor, OS, environment) and the per-build-system naming quirks around
// it. The quadruple is parsed from (and rendered back to) the usual
// "<arch>-<vendor>-<os>[-<env>]" strings used by Clang/LLVM and Cargo.
package triple

import (
	"fmt"
	"runtime"
	"strings"
)

// Triple is a target platform descriptor.
type Triple struct {
	Architecture    string
	Vendor          string
	OperatingSystem string
	Environment     string // may be empty
}

// Parse parses a "<arch>-<vendor>-<os>[-<env>]" string.
func Parse(s string) (Triple, error) {
	parts := strings.Split(s, "-")
	if len(parts) < 3 {
		return Triple{}, fmt.Errorf("triple: %q is not a valid target triple", s)
	}
	t := Triple{
		Architecture:    parts[0],
		Vendor:          parts[1],
		OperatingSystem: parts[2],
	}
	if len(parts) > 3 {
		t.Environment = strings.Join(parts[3:], "-")
	}
	return t, nil
}

// Host returns the triple describing the machine beaver is running on, as
// best approximated from the Go runtime's GOOS/GOARCH. This is the
// default target triple when the script/CLI does not request
// cross-compilation; beaver never builds a cross-toolchain, it only
// adapts names and flags to whichever triple it is told to target.
func Host() Triple {
	arch := runtime.GOARCH
	switch arch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	}
	switch runtime.GOOS {
	case "darwin":
		return Triple{Architecture: arch, Vendor: "apple", OperatingSystem: "darwin"}
	case "windows":
		return Triple{Architecture: arch, Vendor: "pc", OperatingSystem: "windows", Environment: "msvc"}
	case "linux":
		return Triple{Architecture: arch, Vendor: "unknown", OperatingSystem: "linux", Environment: "gnu"}
	default:
		return Triple{Architecture: arch, Vendor: "unknown", OperatingSystem: runtime.GOOS}
	}
}

func (t Triple) String() string {
	if t.Environment == "" {
		return fmt.Sprintf("%s-%s-%s", t.Architecture, t.Vendor, t.OperatingSystem)
	}
	return fmt.Sprintf("%s-%s-%s-%s", t.Architecture, t.Vendor, t.OperatingSystem, t.Environment)
}

// IsDarwin reports whether the triple's OS is a member of Apple's Darwin
// family (macOS, iOS, tvOS, watchOS, visionOS).
func (t Triple) IsDarwin() bool {
	switch t.OperatingSystem {
	case "darwin", "macos", "ios", "tvos", "watchos", "visionos", "xros":
		return true
	default:
		return false
	}
}

// SwiftName formats the triple the way `swiftc -target` expects it,
// which differs from the Clang/LLVM spelling for a handful of Darwin
// triples.
func (t Triple) SwiftName() string {
	switch t.String() {
	case "aarch64-apple-darwin":
		return "arm64-apple-macosx"
	case "x86_64-apple-darwin":
		return "x86_64-apple-macosx"
	default:
		return t.String()
	}
}

// ConfigureHost formats the triple the way autotools' `configure --host`
// expects it (always GNU-style).
func (t Triple) ConfigureHost() string {
	arch := t.Architecture
	switch arch {
	case "amd64":
		arch = "x86_64"
	case "i686", "386":
		arch = "i686"
	}
	os := t.OperatingSystem
	if os == "linux" {
		return fmt.Sprintf("%s-pc-linux-gnu", arch)
	}
	return t.String()
}
