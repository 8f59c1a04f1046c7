package beaver

import (
	"os"

	"github.com/Jomy10/beaver/coordinate"
	"github.com/Jomy10/beaver/target"
)

// EnableCoordination starts a coordinate.Server at socketPath dispatching
// through b itself (b.BuildCustomTarget), so custom targets emitted by
// emit.emitCustomTarget can call back into the root context mid-build.
// The socket path is exported as BEAVER_SOCKET so the emitted shell
// fragments (which reference $BEAVER_SOCKET, see emit's
// customTargetCommand) reach the right per-process socket through the
// executor's inherited environment. The server runs until Close is
// called; Serve is run on its own goroutine since the caller
// (typically b.Build) needs to keep running ninja concurrently with
// the socket listener.
func (b *Beaver) EnableCoordination(socketPath string) error {
	srv, err := coordinate.NewServer(socketPath, b)
	if err != nil {
		return err
	}
	b.coordServer = srv
	if err := os.Setenv("BEAVER_SOCKET", socketPath); err != nil {
		srv.Close()
		b.coordServer = nil
		return err
	}
	go func() {
		if err := srv.Serve(); err != nil {
			log.WithError(err).Error("coordination server stopped unexpectedly")
		}
	}()
	return nil
}

// DisableCoordination closes the coordination socket opened by
// EnableCoordination, if any.
func (b *Beaver) DisableCoordination() error {
	if b.coordServer == nil {
		return nil
	}
	err := b.coordServer.Close()
	b.coordServer = nil
	os.Unsetenv("BEAVER_SOCKET")
	return err
}

// hasCustomTargets reports whether any loaded project declares a
// custom target, deciding whether Build needs the coordination socket
// at all.
func (b *Beaver) hasCustomTargets() bool {
	for _, p := range b.Projects() {
		for _, t := range p.Targets() {
			switch t.(type) {
			case *target.CustomLibrary, *target.CustomExecutable:
				return true
			}
		}
	}
	return false
}
