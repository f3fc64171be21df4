package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
)

// containerSrcDir is where the build workspace is mounted, read-only.
const containerSrcDir = "/src"

// Build-phase sentinels emitted on stderr by the container wrapper
// script before either the compile diagnostics or the sketch's own
// output. The runner consumes them; they never reach the pin decoder.
const (
	BuildOKMarker     = "[[BUILD:OK]]"
	BuildFailMarker   = "[[BUILD:FAIL]]"
	BuildFailExitCode = 42
)

// SandboxPolicy mirrors the resource caps applied to every container
// invocation.
type SandboxPolicy struct {
	Image     string
	MaxMemory string // e.g. "128m"
	CPUs      string // e.g. "0.5"
	PidsLimit int
}

// DockerSandboxBuilder compiles and runs each sketch inside one
// ephemeral, network-disabled container. Compile and run share a single
// invocation: the wrapper script compiles first and execs the binary,
// so container startup is paid once and the filesystem namespace is the
// same for both phases.
type DockerSandboxBuilder struct {
	Policy         SandboxPolicy
	CompileTimeout time.Duration
}

// NewDockerSandboxBuilder creates a sandboxed builder with the given
// policy.
func NewDockerSandboxBuilder(policy SandboxPolicy, compileTimeout time.Duration) *DockerSandboxBuilder {
	return &DockerSandboxBuilder{Policy: policy, CompileTimeout: compileTimeout}
}

func (b *DockerSandboxBuilder) Mode() string { return ModeSandboxed }

func (b *DockerSandboxBuilder) baseArgs(name, dir string) []string {
	args := []string{
		"run", "--rm",
		"--network=none",
		"--cap-drop=ALL",
		"--security-opt", "no-new-privileges",
		"--pids-limit", fmt.Sprintf("%d", b.Policy.PidsLimit),
		"--memory", b.Policy.MaxMemory,
		"--cpus", b.Policy.CPUs,
		"-v", dir + ":" + containerSrcDir + ":ro",
	}
	if name != "" {
		args = append(args, "--name", name)
	}
	return args
}

func (b *DockerSandboxBuilder) Check(ctx context.Context, processedSource string) (string, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return "", ErrToolchainMissing
	}

	dir, _, err := writeWorkspace(processedSource)
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)

	script := fmt.Sprintf("timeout %d g++ -std=c++17 -pthread -Wall -fsyntax-only %s/%s",
		int(b.CompileTimeout.Seconds()), containerSrcDir, tuFileName)

	// The outer deadline covers container startup on top of the
	// in-container compile timeout.
	cctx, cancel := context.WithTimeout(ctx, b.CompileTimeout+30*time.Second)
	defer cancel()

	args := append(b.baseArgs("", dir), b.Policy.Image, "sh", "-c", script)
	cmd := exec.CommandContext(cctx, "docker", args...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err = cmd.Run()
	diag := sanitizeDiagnostics(out.String(), dir)

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", fmt.Errorf("running sandbox container: %w", err)
		}
		if exitErr.ExitCode() == 124 { // coreutils timeout
			return "", &BuildError{Diagnostics: "compilation timed out after " + b.CompileTimeout.String(), TimedOut: true}
		}
		return "", &BuildError{Diagnostics: diag}
	}
	return diag, nil
}

func (b *DockerSandboxBuilder) Build(ctx context.Context, processedSource string) (*Artifact, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, ErrToolchainMissing
	}

	dir, _, err := writeWorkspace(processedSource)
	if err != nil {
		return nil, err
	}

	name := "breadboard-" + uuid.New().String()

	script := fmt.Sprintf(`timeout %d g++ -std=c++17 -pthread -Wall -o /tmp/sketch %s/%s 2>/tmp/cc.log
rc=$?
if [ $rc -eq 124 ]; then
  echo '%s' >&2
  echo 'compilation timed out' >&2
  exit %d
fi
if [ $rc -ne 0 ]; then
  echo '%s' >&2
  cat /tmp/cc.log >&2
  exit %d
fi
echo '%s' >&2
exec /tmp/sketch`,
		int(b.CompileTimeout.Seconds()), containerSrcDir, tuFileName,
		BuildFailMarker, BuildFailExitCode,
		BuildFailMarker, BuildFailExitCode,
		BuildOKMarker)

	args := append(b.baseArgs(name, dir), "-i", b.Policy.Image, "sh", "-c", script)

	return &Artifact{
		dir:       dir,
		sandboxed: true,
		container: name,
		newCmd: func(ctx context.Context) *exec.Cmd {
			return exec.CommandContext(ctx, "docker", args...)
		},
	}, nil
}
