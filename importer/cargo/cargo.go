// Package cargo imports a Cargo.toml package or workspace into a
// beaver project, without invoking cargo itself -- beaver only needs
// to know what targets exist and what artifacts they produce; the
// actual build is delegated to the cargo rule emitted by
// emit.EmitProject at build time.
package cargo

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/Jomy10/beaver/optimize"
	"github.com/Jomy10/beaver/project"
	"github.com/Jomy10/beaver/target"
)

var log = logrus.WithField("component", "importer/cargo")

// inheritableString models a Cargo.toml field that's either a plain
// string or, inside a workspace member, `{ workspace = true }`
// deferring to [workspace.package].
type inheritableString struct {
	Value       string
	IsWorkspace bool
}

func (s *inheritableString) UnmarshalTOML(data interface{}) error {
	switch v := data.(type) {
	case string:
		s.Value = v
	case map[string]interface{}:
		if ws, ok := v["workspace"].(bool); ok {
			s.IsWorkspace = ws
		}
	default:
		return fmt.Errorf("importer/cargo: unexpected value for inheritable field: %#v", data)
	}
	return nil
}

func (s *inheritableString) resolve(workspaceValue string) string {
	if s.IsWorkspace {
		return workspaceValue
	}
	return s.Value
}

type manifest struct {
	Package   *packageSection   `toml:"package"`
	Lib       *libSection       `toml:"lib"`
	Bin       []binSection      `toml:"bin"`
	Workspace *workspaceSection `toml:"workspace"`
}

type packageSection struct {
	Name        string            `toml:"name"`
	Version     inheritableString `toml:"version"`
	Description inheritableString `toml:"description"`
	Homepage    inheritableString `toml:"homepage"`
	License     inheritableString `toml:"license"`
}

type libSection struct {
	Name      string   `toml:"name"`
	CrateType []string `toml:"crate-type"`
}

type binSection struct {
	Name string `toml:"name"`
}

type workspaceSection struct {
	Members []string                `toml:"members"`
	Package *workspacePackageValues `toml:"package"`
}

type workspacePackageValues struct {
	Version     string `toml:"version"`
	Description string `toml:"description"`
	Homepage    string `toml:"homepage"`
	License     string `toml:"license"`
}

// Import reads baseDir/Cargo.toml (and, for a workspace, every
// member's Cargo.toml) and returns the resulting project, not yet
// added to a root context (the caller still has to call SetID).
// cargoFlags are stored on each library target's ExtraFlags;
// executables do not carry them, and the emitted `cargo build`
// invocation takes its flags from mode only, not from cargoFlags.
func Import(baseDir string, cargoFlags []string, mode optimize.Mode) (*project.Project, error) {
	manifestPath := filepath.Join(baseDir, "Cargo.toml")
	m, err := decodeManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	var targets []target.Target
	var projectName string

	switch {
	case m.Workspace != nil:
		projectName = filepath.Base(baseDir)
		if m.Package != nil {
			ts, err := parsePackage(m, m.Workspace, cargoFlags)
			if err != nil {
				return nil, err
			}
			targets = append(targets, ts...)
		}
		for _, member := range m.Workspace.Members {
			memberManifest := filepath.Join(baseDir, member, "Cargo.toml")
			mm, err := decodeManifest(memberManifest)
			if err != nil {
				return nil, err
			}
			ts, err := parsePackage(mm, m.Workspace, cargoFlags)
			if err != nil {
				return nil, err
			}
			targets = append(targets, ts...)
		}
	case m.Package != nil:
		projectName = m.Package.Name
		ts, err := parsePackage(m, nil, cargoFlags)
		if err != nil {
			return nil, err
		}
		targets = append(targets, ts...)
	default:
		return nil, fmt.Errorf("importer/cargo: %s declares neither [package] nor [workspace]", manifestPath)
	}

	buildDir := filepath.Join(baseDir, "target", mode.String())
	p := project.New(projectName, baseDir, buildDir, project.KindCargo)
	for _, t := range targets {
		p.AddTarget(t)
	}
	return p, nil
}

func decodeManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("importer/cargo: reading %s: %w", path, err)
	}
	var m manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("importer/cargo: parsing %s: %w", path, err)
	}
	return &m, nil
}

// parsePackage builds one ForeignExecutable per [[bin]] entry and an
// optional ForeignLibrary from [lib], inheriting package metadata from
// [workspace.package] where the package opted in with `{workspace =
// true}`.
func parsePackage(m *manifest, workspace *workspaceSection, cargoFlags []string) ([]target.Target, error) {
	pkg := m.Package
	var wsPkg workspacePackageValues
	if workspace != nil && workspace.Package != nil {
		wsPkg = *workspace.Package
	}

	version := pkg.Version.resolve(wsPkg.Version)
	var parsedVersion *target.Version
	if version != "" {
		v, err := target.ParseVersion(version)
		if err != nil {
			log.WithError(err).WithField("package", pkg.Name).Warn("couldn't parse cargo package version")
		} else {
			parsedVersion = &v
		}
	}

	description := pkg.Description.resolve(wsPkg.Description)
	homepageStr := pkg.Homepage.resolve(wsPkg.Homepage)
	var homepage *url.URL
	if homepageStr != "" {
		u, err := url.Parse(homepageStr)
		if err != nil {
			log.WithError(err).WithField("package", pkg.Name).Warn("couldn't parse cargo homepage url")
		} else {
			homepage = u
		}
	}
	license := pkg.License.resolve(wsPkg.License)

	var targets []target.Target

	for _, bin := range m.Bin {
		if bin.Name == "" {
			log.WithField("package", pkg.Name).Warn("couldn't determine name for a cargo executable, skipping")
			continue
		}
		targets = append(targets, &target.ForeignExecutable{
			NameValue:        bin.Name,
			DescriptionValue: description,
			HomepageValue:    homepage,
			VersionValue:     parsedVersion,
			LicenseValue:     license,
			System:           target.ForeignCargo,
			PackageName:      pkg.Name,
			DepList:          nil,
		})
	}

	if m.Lib != nil {
		if m.Lib.Name == "" {
			log.WithField("package", pkg.Name).Warn("couldn't determine name for cargo library, skipping")
			return targets, nil
		}
		if len(m.Lib.CrateType) == 0 {
			log.WithField("library", m.Lib.Name).Warn("couldn't determine crate-type, skipping")
			return targets, nil
		}
		artifacts := make([]target.ArtifactKind, 0, len(m.Lib.CrateType))
		for _, crateType := range m.Lib.CrateType {
			kind, err := crateTypeToArtifact(crateType)
			if err != nil {
				return nil, err
			}
			artifacts = append(artifacts, kind)
		}
		targets = append(targets, &target.ForeignLibrary{
			NameValue:        m.Lib.Name,
			DescriptionValue: description,
			HomepageValue:    homepage,
			VersionValue:     parsedVersion,
			LicenseValue:     license,
			System:           target.ForeignCargo,
			PackageName:      pkg.Name,
			ArtifactList:     artifacts,
			ExtraFlags:       cargoFlags,
		})
	}

	return targets, nil
}

// crateTypeToArtifact maps a Cargo crate-type string to beaver's
// ArtifactKind.
func crateTypeToArtifact(crateType string) (target.ArtifactKind, error) {
	switch crateType {
	case "rlib":
		return target.RustLib, nil
	case "dylib":
		return target.RustDynlib, nil
	case "staticlib":
		return target.Staticlib, nil
	case "cdylib":
		return target.Dynlib, nil
	default:
		return 0, fmt.Errorf("importer/cargo: invalid crate-type %q", crateType)
	}
}
