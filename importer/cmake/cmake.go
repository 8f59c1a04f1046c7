// Package cmake imports a CMake project into one or more beaver
// projects by driving CMake's File API: it writes query stubs, runs
// `cmake -G Ninja`, and decodes the JSON replies CMake leaves behind
// instead of scraping CMakeCache.txt or generated build files
// directly. The reply JSON is decoded against hand-written structs
// mirroring the File API v2 schema.
package cmake

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/Jomy10/beaver/cache"
	"github.com/Jomy10/beaver/optimize"
	"github.com/Jomy10/beaver/project"
	"github.com/Jomy10/beaver/target"
	"github.com/Jomy10/beaver/tools"
)

var log = logrus.WithField("component", "importer/cmake")

type indexReply struct {
	Reply map[string]json.RawMessage `json:"reply"`
}

type queryReply struct {
	JSONFile string `json:"jsonFile"`
}

type cmakeFilesReply struct {
	Inputs []struct {
		Path string `json:"path"`
	} `json:"inputs"`
}

type codemodel struct {
	Configurations []configuration `json:"configurations"`
}

type configuration struct {
	Name     string            `json:"name"`
	Projects []codemodelProject `json:"projects"`
	Targets  []codemodelTargetRef `json:"targets"`
}

type codemodelProject struct {
	Name          string `json:"name"`
	TargetIndexes []int  `json:"targetIndexes"`
}

type codemodelTargetRef struct {
	Name     string `json:"name"`
	ID       string `json:"id"`
	JSONFile string `json:"jsonFile"`
}

type targetFile struct {
	Name      string `json:"name"`
	ID        string `json:"id"`
	Type      string `json:"type"`
	Artifacts []struct {
		Path string `json:"path"`
	} `json:"artifacts"`
	Paths struct {
		Build string `json:"build"`
	} `json:"paths"`
	CompileGroups []struct {
		Language string `json:"language"`
		Defines  []struct {
			Define string `json:"define"`
		} `json:"defines"`
		Includes []struct {
			Path string `json:"path"`
		} `json:"includes"`
	} `json:"compileGroups"`
	Dependencies []struct {
		ID string `json:"id"`
	} `json:"dependencies"`
}

// Import configures baseDir with CMake's Ninja generator (skipping
// reconfiguration when c *cache.Cache is non-nil and none of the
// project's CMakeLists inputs changed since the last run) and returns
// one *project.Project per CMake project block the codemodel
// reports.
func Import(baseDir, buildDir string, cmakeFlags []string, mode optimize.Mode, c *cache.Cache, tools_ *tools.Registry) ([]*project.Project, error) {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("importer/cmake: resolving %s: %w", baseDir, err)
	}
	fileContext := mode.CMakeName() + ":" + absBase

	buildDirExisted := dirExists(buildDir)
	if !buildDirExisted {
		if err := os.MkdirAll(buildDir, 0o755); err != nil {
			return nil, err
		}
	}

	apiDir := filepath.Join(buildDir, ".cmake", "api", "v1")
	queryDir := filepath.Join(apiDir, "query")
	replyDir := filepath.Join(apiDir, "reply")

	if err := os.MkdirAll(queryDir, 0o755); err != nil {
		return nil, err
	}
	for _, stub := range []string{"codemodel-v2", "cmakeFiles-v1"} {
		p := filepath.Join(queryDir, stub)
		if !dirExists(p) {
			if f, err := os.Create(p); err != nil {
				return nil, err
			} else {
				f.Close()
			}
		}
	}

	filesChanged := true
	if c != nil {
		changed, err := c.AnyRecordedFileChanged(fileContext)
		if err != nil {
			return nil, err
		}
		filesChanged = changed
	}
	reconfigure := filesChanged || !buildDirExisted || !dirExists(replyDir)

	cmakePath := "cmake"
	if tools_ != nil {
		if p, err := tools_.Find(tools.CMake); err == nil {
			cmakePath = p
		}
	}

	if reconfigure {
		log.WithField("dir", absBase).Trace("reconfiguring cmake project")
		args := []string{absBase, "-DCMAKE_BUILD_TYPE=" + mode.CMakeName(), "-G", "Ninja"}
		args = append(args, cmakeFlags...)
		cmd := exec.Command(cmakePath, args...)
		cmd.Dir = buildDir
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("importer/cmake: cmake configure failed: %w", err)
		}
	}

	idx, err := readIndex(replyDir)
	if err != nil {
		return nil, err
	}

	if reconfigure && c != nil {
		if err := recordCMakeInputs(idx, replyDir, absBase, fileContext, c); err != nil {
			return nil, err
		}
	}

	cm, err := readCodemodel(idx, replyDir)
	if err != nil {
		return nil, err
	}

	var cfg *configuration
	for i := range cm.Configurations {
		if cm.Configurations[i].Name == mode.CMakeName() {
			cfg = &cm.Configurations[i]
			break
		}
	}
	if cfg == nil {
		return nil, fmt.Errorf("importer/cmake: no codemodel configuration named %q", mode.CMakeName())
	}

	var projects []*project.Project
	for _, cmProj := range cfg.Projects {
		targets, err := importProjectTargets(cfg, cmProj, replyDir, buildDir)
		if err != nil {
			return nil, err
		}
		p := project.New(cmProj.Name, absBase, buildDir, project.KindCMake)
		for _, t := range targets {
			p.AddTarget(t)
		}
		projects = append(projects, p)
	}

	sort.Slice(projects, func(i, j int) bool { return projects[i].Name() < projects[j].Name() })
	return projects, nil
}

func importProjectTargets(cfg *configuration, cmProj codemodelProject, replyDir, buildDir string) ([]target.Target, error) {
	type pending struct {
		idx  int
		tf   *targetFile
	}
	var items []pending
	idToLocalIdx := make(map[string]int)

	for _, targetIdx := range cmProj.TargetIndexes {
		if targetIdx < 0 || targetIdx >= len(cfg.Targets) {
			continue
		}
		ref := cfg.Targets[targetIdx]
		tf, err := readTargetFile(replyDir, ref.JSONFile)
		if err != nil {
			return nil, err
		}
		switch tf.Type {
		case "STATIC_LIBRARY", "SHARED_LIBRARY", "EXECUTABLE":
			idToLocalIdx[tf.ID] = len(items)
			items = append(items, pending{tf: tf})
		default:
			log.WithField("type", tf.Type).Warn("cmake target type will not be mapped to a beaver target")
		}
	}

	targets := make([]target.Target, len(items))
	for i, it := range items {
		t, cmakeDeps := buildTarget(it.tf, buildDir)
		targets[i] = t
		attachDependencies(t, cmakeDeps, idToLocalIdx)
	}
	return targets, nil
}

func buildTarget(tf *targetFile, buildDir string) (target.Target, []string) {
	var lang target.Language = target.LangC
	langSet := false
	var cflags []string
	for _, cg := range tf.CompileGroups {
		for _, d := range cg.Defines {
			cflags = append(cflags, "-D"+d.Define)
		}
		for _, inc := range cg.Includes {
			cflags = append(cflags, "-I"+inc.Path)
		}
		if l, ok := target.ParseLanguage(cg.Language); ok {
			if langSet && l != lang {
				log.WithFields(logrus.Fields{"target": tf.Name, "a": lang, "b": l}).Warn("cmake target mixes languages")
			}
			lang = l
			langSet = true
		}
	}

	var deps []string
	for _, d := range tf.Dependencies {
		deps = append(deps, d.ID)
	}

	var artifactPath string
	if len(tf.Artifacts) > 0 {
		if tf.Type == "EXECUTABLE" {
			artifactPath = filepath.Join(buildDir, tf.Paths.Build, tf.Artifacts[0].Path)
		} else {
			artifactPath = filepath.Join(buildDir, tf.Artifacts[0].Path)
		}
	} else {
		log.WithField("target", tf.Name).Warn("cmake target has no artifacts, its build output can't be located")
	}

	switch tf.Type {
	case "EXECUTABLE":
		return &target.ForeignExecutable{
			NameValue:        tf.Name,
			System:           target.ForeignCMake,
			PackageName:      tf.ID,
			LanguageOverride: lang,
			ArtifactPath:     artifactPath,
		}, deps
	default:
		artifact := target.Staticlib
		if tf.Type == "SHARED_LIBRARY" {
			artifact = target.Dynlib
		}
		return &target.ForeignLibrary{
			NameValue:        tf.Name,
			System:           target.ForeignCMake,
			PackageName:      tf.ID,
			ArtifactList:     []target.ArtifactKind{artifact},
			LanguageOverride: lang,
			ArtifactPath:     artifactPath,
			CFlags:           cflags,
		}, deps
	}
}

// attachDependencies records t's CMake-id dependency list as
// placeholder DepCMakeID entries; the importer doesn't know the
// project's beaver id yet (that's only assigned by AddProject), so
// ResolveDependencies turns these into real DepLibrary references once
// the project has been added to a root context.
func attachDependencies(t target.Target, cmakeDeps []string, idToLocalIdx map[string]int) {
	var deps []target.Dependency
	for _, id := range cmakeDeps {
		if _, ok := idToLocalIdx[id]; ok {
			deps = append(deps, target.Dependency{Kind: target.DepCMakeID, CMakeID: id})
			continue
		}
		log.WithField("id", id).Debug("cmake dependency points outside this project's target set, skipping link")
	}
	switch v := t.(type) {
	case *target.ForeignLibrary:
		v.DepList = deps
	case *target.ForeignExecutable:
		v.DepList = deps
	}
}

// ResolveDependencies rewrites every DepCMakeID placeholder dependency
// in p's targets into a concrete DepLibrary TargetRef, using p's own
// (now-assigned) id and each target's PackageName (which Import sets to
// the target's CMake id). Call this once, immediately after the
// project has been added to a root context via Beaver.AddProject.
func ResolveDependencies(p *project.Project) error {
	id, ok := p.ID()
	if !ok {
		return fmt.Errorf("importer/cmake: project %q has not been added to a root context yet", p.Name())
	}

	targets := p.Targets()
	idToIdx := make(map[string]int, len(targets))
	for i, t := range targets {
		switch v := t.(type) {
		case *target.ForeignLibrary:
			idToIdx[v.PackageName] = i
		case *target.ForeignExecutable:
			idToIdx[v.PackageName] = i
		}
	}

	for _, t := range targets {
		deps := cmakeDepListOf(t)
		for i := range deps {
			if deps[i].Kind != target.DepCMakeID {
				continue
			}
			idx, ok := idToIdx[deps[i].CMakeID]
			if !ok {
				continue
			}
			artifact := target.Staticlib
			if lib, ok := targets[idx].(*target.ForeignLibrary); ok {
				artifact = lib.DefaultArtifact()
			}
			deps[i] = target.Dependency{Kind: target.DepLibrary, Library: target.LibraryTargetDependency{
				Target:   target.TargetRef{Project: id, Target: idx},
				Artifact: artifact,
			}}
		}
	}
	return nil
}

func cmakeDepListOf(t target.Target) []target.Dependency {
	switch v := t.(type) {
	case *target.ForeignLibrary:
		return v.DepList
	case *target.ForeignExecutable:
		return v.DepList
	default:
		return nil
	}
}

func dirExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readIndex(replyDir string) (*indexReply, error) {
	entries, err := os.ReadDir(replyDir)
	if err != nil {
		return nil, fmt.Errorf("importer/cmake: reading reply dir %s: %w", replyDir, err)
	}
	var indexPath string
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) > 6 && e.Name()[:6] == "index-" {
			indexPath = filepath.Join(replyDir, e.Name())
		}
	}
	if indexPath == "" {
		return nil, fmt.Errorf("importer/cmake: no index-*.json found in %s", replyDir)
	}
	data, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, err
	}
	var idx indexReply
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("importer/cmake: parsing %s: %w", indexPath, err)
	}
	return &idx, nil
}

func readCodemodel(idx *indexReply, replyDir string) (*codemodel, error) {
	raw, ok := idx.Reply["codemodel-v2"]
	if !ok {
		return nil, fmt.Errorf("importer/cmake: index has no codemodel-v2 reply")
	}
	var q queryReply
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(replyDir, q.JSONFile))
	if err != nil {
		return nil, err
	}
	var cm codemodel
	if err := json.Unmarshal(data, &cm); err != nil {
		return nil, err
	}
	return &cm, nil
}

func readTargetFile(replyDir, jsonFile string) (*targetFile, error) {
	data, err := os.ReadFile(filepath.Join(replyDir, jsonFile))
	if err != nil {
		return nil, err
	}
	var tf targetFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, err
	}
	return &tf, nil
}

func recordCMakeInputs(idx *indexReply, replyDir, baseDir, fileContext string, c *cache.Cache) error {
	raw, ok := idx.Reply["cmakeFiles-v1"]
	if !ok {
		return nil
	}
	var q queryReply
	if err := json.Unmarshal(raw, &q); err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(replyDir, q.JSONFile))
	if err != nil {
		return err
	}
	var cf cmakeFilesReply
	if err := json.Unmarshal(data, &cf); err != nil {
		return err
	}
	seen := make(map[string]bool)
	var paths []string
	for _, in := range cf.Inputs {
		p := in.Path
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		paths = append(paths, p)
	}
	return c.SetAllFiles(paths, fileContext)
}
