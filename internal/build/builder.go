// Package build turns a processed sketch into a runnable artifact. Two
// builders exist: direct (host toolchain, no isolation) and sandboxed
// (one docker invocation that compiles and runs in the same container).
// Mode is chosen once at startup by probing the container runtime.
package build

import (
	"context"
	"errors"
	"os"
	"os/exec"
)

// Execution modes.
const (
	ModeDirect    = "direct"
	ModeSandboxed = "sandboxed"
)

// ErrToolchainMissing marks an environment problem, not a defect in the
// user's sketch. Callers surface it as service-unavailable.
var ErrToolchainMissing = errors.New("compiler toolchain not available")

// BuildError carries sanitized diagnostics from a failed compile.
type BuildError struct {
	Diagnostics string
	TimedOut    bool
}

func (e *BuildError) Error() string {
	if e.TimedOut {
		return "compilation timed out"
	}
	return "compilation failed"
}

// Builder compiles processed sketch source.
type Builder interface {
	// Mode reports which isolation mode this builder provides.
	Mode() string

	// Check runs a syntax-only pass over the assembled translation
	// unit. It returns toolchain warnings on success and a *BuildError
	// (or ErrToolchainMissing) on failure.
	Check(ctx context.Context, processedSource string) (string, error)

	// Build produces a runnable Artifact. In direct mode the binary is
	// compiled here; in sandboxed mode compilation is deferred into the
	// container invocation so compile and run share one spawn.
	Build(ctx context.Context, processedSource string) (*Artifact, error)
}

// Artifact is a prepared execution: a workspace on disk plus the
// command that runs the sketch. Close always removes the workspace.
type Artifact struct {
	dir       string
	sandboxed bool
	container string
	newCmd    func(ctx context.Context) *exec.Cmd
}

// NewArtifact wraps a prepared command as an Artifact. Builders in
// other packages (and test fakes) construct artifacts through this.
func NewArtifact(dir string, sandboxed bool, container string, newCmd func(ctx context.Context) *exec.Cmd) *Artifact {
	return &Artifact{dir: dir, sandboxed: sandboxed, container: container, newCmd: newCmd}
}

// Command builds the process command for this artifact. Call once.
func (a *Artifact) Command(ctx context.Context) *exec.Cmd {
	return a.newCmd(ctx)
}

// Sandboxed reports whether the command runs inside a container, which
// means the runner must consume the build-phase sentinel on stderr.
func (a *Artifact) Sandboxed() bool { return a.sandboxed }

// Kill force-terminates the containerized process, if any. The bare
// process case is handled by the runner killing the command directly.
func (a *Artifact) Kill() {
	if a.container == "" {
		return
	}
	// Best effort; the container may already be gone.
	exec.Command("docker", "kill", a.container).Run()
}

// Close removes the ephemeral build directory.
func (a *Artifact) Close() error {
	if a.dir == "" {
		return nil
	}
	return os.RemoveAll(a.dir)
}
