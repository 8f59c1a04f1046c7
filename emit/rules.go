package emit

import "fmt"

// Native C-family compile and link rules. Dependency files are written
// gcc-style so ninja tracks header dependencies per object.
func CCRule(ccPath string) *Rule {
	return &Rule{
		Name: "cc",
		Options: []KV{
			{"description", "cc $in > $out"},
			{"command", fmt.Sprintf("%s $cflags -MD -MF $out.d -c $in -o $out", ccPath)},
			{"deps", "gcc"},
			{"depfile", "$out.d"},
		},
	}
}

func CXXRule(cxxPath string) *Rule {
	return &Rule{
		Name: "cxx",
		Options: []KV{
			{"description", "cxx $in > $out"},
			{"command", fmt.Sprintf("%s $cflags -MD -MF $out.d -c $in -o $out", cxxPath)},
			{"deps", "gcc"},
			{"depfile", "$out.d"},
		},
	}
}

func LinkRule(ccPath string) *Rule {
	return &Rule{
		Name: "link",
		Options: []KV{
			{"description", "linking $out"},
			{"command", fmt.Sprintf("%s $linkerFlags $in -o $out", ccPath)},
		},
	}
}

func ARRule(arPath string) *Rule {
	return &Rule{
		Name: "ar",
		Options: []KV{
			{"description", "creating $out"},
			{"command", fmt.Sprintf("%s -rc $out $in", arPath)},
		},
	}
}

// CustomRule is the rule a custom target's build command is invoked
// through: the per-step $cmd option carries the mkfifo+nc coordination
// fragment, factored into a named rule so the command line is visible
// in the emitted file instead of synthesized per-step.
func CustomRule(shPath string) *Rule {
	return &Rule{
		Name: "custom",
		Options: []KV{
			{"description", "building $out"},
			{"command", fmt.Sprintf("%s -c \"$cmd\"", shPath)},
		},
	}
}

// CargoRule runs `cargo build` for one package within a workspace;
// each cargo step names this rule with workspaceDir/target/cargoArgs
// options and the rule's command line combines them.
func CargoRule(cargoPath string) *Rule {
	return &Rule{
		Name: "cargo",
		Options: []KV{
			{"description", "cargo build -p $target"},
			{"command", fmt.Sprintf("cd $workspaceDir && %s build -p $target $cargoArgs", cargoPath)},
		},
	}
}

// CargoWorkspaceRule builds every member of a Cargo workspace at once,
// used for the project-level aggregate step.
func CargoWorkspaceRule(cargoPath string) *Rule {
	return &Rule{
		Name: "cargo_workspace",
		Options: []KV{
			{"description", "cargo build --workspace"},
			{"command", fmt.Sprintf("cd $workspaceDir && %s build --workspace $cargoArgs", cargoPath)},
		},
	}
}

// ExternalBuildRule brings one target of an already-configured external
// build system up to date in its own build directory: each step
// supplies the directory, the build tool's subcommand/flags
// ($buildArgs), and the target to build. For cmake projects the bound
// tool is ninja itself (cmake configures with -G Ninja); meson steps
// pass "compile" and swiftpm steps "build --product".
func ExternalBuildRule(name, buildToolPath string) *Rule {
	return &Rule{
		Name: name,
		Options: []KV{
			{"description", fmt.Sprintf("%s build $target", name)},
			{"command", fmt.Sprintf("cd $buildDir && %s $buildArgs $target", buildToolPath)},
		},
	}
}
