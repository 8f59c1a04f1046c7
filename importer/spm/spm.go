// Package spm imports a Swift package's products by running
// `swift package dump-package` and decoding its JSON manifest dump --
// beaver never needs to drive SwiftPM's own build graph, only to learn
// what library/executable products exist and delegate their actual
// build to the swift rule emit.EmitProject generates.
package spm

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/Jomy10/beaver/cache"
	"github.com/Jomy10/beaver/project"
	"github.com/Jomy10/beaver/target"
	"github.com/Jomy10/beaver/tools"
)

var log = logrus.WithField("component", "importer/spm")

type manifestDump struct {
	Name     string        `json:"name"`
	Products []productDump `json:"products"`
}

type productDump struct {
	Name string                     `json:"name"`
	Type map[string]json.RawMessage `json:"type"`
}

// Import runs `swift package dump-package` in baseDir (reusing the
// cached dump when neither Package.swift nor the cache entry's recorded
// file has changed) and returns the resulting project, its targets
// pointing at artifacts under cacheDir/release. Import creates cacheDir
// and keeps the cached dump (manifest.json) there.
func Import(baseDir, cacheDir string, c *cache.Cache, tools_ *tools.Registry) (*project.Project, error) {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("importer/spm: resolving %s: %w", baseDir, err)
	}
	manifestPath := filepath.Join(absBase, "Package.swift")
	if !dirExists(manifestPath) {
		return nil, fmt.Errorf("importer/spm: %s is not a Swift package (no Package.swift)", absBase)
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, err
	}
	jsonSavePath := filepath.Join(cacheDir, "manifest.json")
	fileContext := "spm:" + absBase

	remake := true
	if c != nil {
		changed, err := c.AnyRecordedFileChanged(fileContext)
		if err != nil {
			return nil, err
		}
		remake = changed || !dirExists(jsonSavePath)
	}

	var raw []byte
	if remake {
		swiftPath := "swift"
		if tools_ != nil {
			if p, err := tools_.Find(tools.Swift); err == nil {
				swiftPath = p
			}
		}
		cmd := exec.Command(swiftPath, "package", "dump-package")
		cmd.Dir = absBase
		out, err := cmd.Output()
		if err != nil {
			return nil, fmt.Errorf("importer/spm: swift package dump-package failed: %w", err)
		}
		if err := os.WriteFile(jsonSavePath, out, 0o644); err != nil {
			return nil, err
		}
		if c != nil {
			if err := c.SetAllFiles([]string{manifestPath}, fileContext); err != nil {
				return nil, err
			}
		}
		raw = out
	} else {
		raw, err = os.ReadFile(jsonSavePath)
		if err != nil {
			return nil, err
		}
	}

	var m manifestDump
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("importer/spm: parsing dump-package output: %w", err)
	}

	var targets []target.Target
	for _, product := range m.Products {
		switch {
		case hasKey(product.Type, "library"):
			var kinds []string
			_ = json.Unmarshal(product.Type["library"], &kinds)
			artifact, ok := libraryArtifactKind(kinds)
			if !ok {
				if remake {
					log.WithField("product", product.Name).Warn("SPM product with automatic library type not imported")
				}
				continue
			}
			targets = append(targets, &target.ForeignLibrary{
				NameValue:    product.Name,
				System:       target.ForeignSwiftPM,
				PackageName:  product.Name,
				ArtifactList: []target.ArtifactKind{artifact},
				ArtifactPath: filepath.Join(cacheDir, "release", artifactFileName(product.Name, artifact)),
			})
		case hasKey(product.Type, "executable"):
			targets = append(targets, &target.ForeignExecutable{
				NameValue:    product.Name,
				System:       target.ForeignSwiftPM,
				PackageName:  product.Name,
				ArtifactPath: filepath.Join(cacheDir, "release", product.Name),
			})
		default:
			if remake {
				log.WithField("product", product.Name).Warn("unsupported SPM product type, skipping")
			}
		}
	}

	if len(targets) == 0 {
		log.WithField("dir", absBase).Warn("no importable products defined in Swift package")
	}

	p := project.New(m.Name, absBase, cacheDir, project.KindSwiftPM)
	for _, t := range targets {
		p.AddTarget(t)
	}
	return p, nil
}

func libraryArtifactKind(kinds []string) (target.ArtifactKind, bool) {
	for _, k := range kinds {
		switch k {
		case "static":
			return target.Staticlib, true
		case "dynamic":
			return target.Dynlib, true
		}
	}
	return 0, false
}

// artifactFileName approximates SwiftPM's own lib<name>.a/.so naming
// for its product artifacts -- used only to build a best-effort
// default path; a real integration would read .build/release.yaml or
// the LLBuild manifest, out of scope here.
func artifactFileName(name string, kind target.ArtifactKind) string {
	if kind == target.Dynlib {
		return "lib" + name + ".so"
	}
	return "lib" + name + ".a"
}

func hasKey(m map[string]json.RawMessage, key string) bool {
	_, ok := m[key]
	return ok
}

func dirExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
