// Package meson imports a Meson project by running `meson setup` and
// decoding the introspection JSON Meson writes to
// <builddir>/meson-info/.
package meson

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/Jomy10/beaver/cache"
	"github.com/Jomy10/beaver/optimize"
	"github.com/Jomy10/beaver/project"
	"github.com/Jomy10/beaver/target"
	"github.com/Jomy10/beaver/tools"
)

var log = logrus.WithField("component", "importer/meson")

type projectInfo struct {
	Version         string `json:"version"`
	DescriptiveName string `json:"descriptive_name"`
}

type targetInfo struct {
	Name          string          `json:"name"`
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Filename      []string        `json:"filename"`
	TargetSources []targetSource  `json:"target_sources"`
}

type targetSource struct {
	Language string `json:"language"`
}

// Import configures baseDir with `meson setup` and returns the resulting
// project. Setup runs when the build directory does not exist yet;
// otherwise it reruns when c is nil or when meson's own buildsystem file
// list has changed since the last run.
func Import(baseDir string, configureArgs []string, mode optimize.Mode, c *cache.Cache, tools_ *tools.Registry, colorEnabled bool) (*project.Project, error) {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("importer/meson: resolving %s: %w", baseDir, err)
	}
	fileContext := mode.String() + ":" + absBase
	buildDir := filepath.Join(absBase, "build", mode.String())

	if err := mesonConfigure(absBase, buildDir, fileContext, configureArgs, c, tools_, colorEnabled); err != nil {
		return nil, err
	}

	infoDir := filepath.Join(buildDir, "meson-info")

	var buildsystemFiles []string
	if err := readJSON(filepath.Join(infoDir, "intro-buildsystem_files.json"), &buildsystemFiles); err != nil {
		return nil, err
	}
	if c != nil {
		abs := make([]string, len(buildsystemFiles))
		for i, p := range buildsystemFiles {
			if filepath.IsAbs(p) {
				abs[i] = p
			} else {
				abs[i] = filepath.Join(absBase, p)
			}
		}
		if err := c.SetAllFiles(abs, fileContext); err != nil {
			return nil, err
		}
	}

	var pi projectInfo
	if err := readJSON(filepath.Join(infoDir, "intro-projectinfo.json"), &pi); err != nil {
		return nil, err
	}
	var version *target.Version
	if pi.Version != "" {
		if v, err := target.ParseVersion(pi.Version); err == nil {
			version = &v
		}
	}

	var infos []targetInfo
	if err := readJSON(filepath.Join(infoDir, "intro-targets.json"), &infos); err != nil {
		return nil, err
	}

	var targets []target.Target
	seenNames := make(map[string]bool)
	for _, ti := range infos {
		lang := target.LangC
		for _, src := range ti.TargetSources {
			if src.Language == "" || src.Language == "unknown" {
				continue
			}
			if l, ok := target.ParseLanguage(mesonLangToCMakeLang(src.Language)); ok {
				lang = l
			}
			break
		}

		if len(ti.Filename) == 0 {
			log.WithField("target", ti.Name).Warn("meson target has no artifacts, skipping")
			continue
		}
		artifactPath := ti.Filename[0]
		if !filepath.IsAbs(artifactPath) {
			artifactPath = filepath.Join(buildDir, artifactPath)
		}

		var t target.Target
		switch ti.Type {
		case "executable":
			t = &target.ForeignExecutable{
				NameValue:        ti.Name,
				VersionValue:     version,
				System:           target.ForeignMeson,
				PackageName:      ti.ID,
				LanguageOverride: lang,
				ArtifactPath:     artifactPath,
			}
		case "static library", "shared library":
			artifact := target.Staticlib
			if ti.Type == "shared library" {
				artifact = target.Dynlib
			}
			t = &target.ForeignLibrary{
				NameValue:        ti.Name,
				VersionValue:     version,
				System:           target.ForeignMeson,
				PackageName:      ti.ID,
				ArtifactList:     []target.ArtifactKind{artifact},
				LanguageOverride: lang,
				ArtifactPath:     artifactPath,
			}
		default:
			log.WithField("type", ti.Type).Warn("unsupported meson target type")
			continue
		}

		if seenNames[t.Name()] {
			log.WithField("target", t.Name()).Warn("duplicate meson target name, keeping the first import")
			continue
		}
		seenNames[t.Name()] = true
		targets = append(targets, t)
	}

	p := project.New(pi.DescriptiveName, absBase, buildDir, project.KindMeson)
	for _, t := range targets {
		p.AddTarget(t)
	}
	return p, nil
}

// mesonLangToCMakeLang maps Meson's lowercase language identifiers onto
// the same uppercase identifiers target.ParseLanguage already
// understands from CMake, so both importers share one mapping table.
func mesonLangToCMakeLang(lang string) string {
	switch lang {
	case "c":
		return "C"
	case "cpp":
		return "CXX"
	case "objc":
		return "OBJC"
	case "objcpp":
		return "OBJCXX"
	case "rust":
		return "Rust"
	case "swift":
		return "Swift"
	default:
		return lang
	}
}

func mesonConfigure(baseDir, buildDir, fileContext string, configureArgs []string, c *cache.Cache, tools_ *tools.Registry, colorEnabled bool) error {
	filesChanged := true
	if c != nil {
		changed, err := c.AnyRecordedFileChanged(fileContext)
		if err != nil {
			return err
		}
		filesChanged = changed
	}
	reconfigure := !dirExists(buildDir) || filesChanged
	if !reconfigure {
		return nil
	}

	log.WithField("dir", baseDir).Trace("reconfiguring meson project")

	colorOut := "never"
	if colorEnabled {
		colorOut = "always"
	}
	args := []string{"setup", "--reconfigure", "-Db_colorout=" + colorOut, buildDir}
	args = append(args, configureArgs...)

	mesonPath := "meson"
	if tools_ != nil {
		if p, err := tools_.Find(tools.Meson); err == nil {
			mesonPath = p
		}
	}

	cmd := exec.Command(mesonPath, args...)
	cmd.Dir = baseDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("importer/meson: meson setup failed: %w", err)
	}
	return nil
}

func dirExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("importer/meson: reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("importer/meson: parsing %s: %w", path, err)
	}
	return nil
}
