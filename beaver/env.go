package beaver

import (
	"github.com/Jomy10/beaver/emit"
	"github.com/Jomy10/beaver/tools"
)

// Env resolves every external tool emit.EmitProject needs through the
// context's tools.Registry, detecting the C compiler's family/version
// once so optimize.Mode can gate Release-only flags like
// -ffat-lto-objects. A single snapshot struct is handed over instead
// of re-querying the registry from inside the emitter.
func (b *Beaver) Env() (emit.Env, error) {
	cc, err := b.Tools.Find(tools.CC)
	if err != nil {
		return emit.Env{}, err
	}
	ccVersion, err := tools.DetectCompilerVersion(cc)
	if err != nil {
		log.WithError(err).Warn("couldn't detect compiler version, optimization flags may be incomplete")
	}

	env := emit.Env{
		Resolver:  b,
		Triple:    b.Triple,
		Mode:      b.Mode,
		CCPath:    cc,
		CCVersion: ccVersion,
	}

	if cxx, err := b.Tools.Find(tools.CXX); err == nil {
		env.CXXPath = cxx
	}
	if ar, err := b.Tools.Find(tools.AR); err == nil {
		env.ARPath = ar
	}
	if cargo, err := b.Tools.Find(tools.Cargo); err == nil {
		env.CargoPath = cargo
	}
	if ninja, err := b.Tools.Find(tools.Ninja); err == nil {
		env.NinjaPath = ninja
	}
	if meson, err := b.Tools.Find(tools.Meson); err == nil {
		env.MesonPath = meson
	}
	if swift, err := b.Tools.Find(tools.Swift); err == nil {
		env.SwiftPath = swift
	}
	if mkfifo, err := b.Tools.Find(tools.Mkfifo); err == nil {
		env.MkfifoPath = mkfifo
	}
	if nc, err := b.Tools.Find(tools.Netcat); err == nil {
		env.NetcatPath = nc
	}
	if cat, err := b.Tools.Find(tools.Cat); err == nil {
		env.CatPath = cat
	}
	if test, err := b.Tools.Find(tools.Test); err == nil {
		env.TestPath = test
	}
	return env, nil
}
