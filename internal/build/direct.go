package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// tuFileName is the translation unit written into each build dir.
const tuFileName = "sketch.cpp"

// DirectBuilder compiles and runs on the host with no isolation beyond
// the OS user. Used only when the container runtime probe fails.
type DirectBuilder struct {
	CompilerPath   string
	CompileTimeout time.Duration
}

// NewDirectBuilder creates a host-toolchain builder.
func NewDirectBuilder(compilerPath string, compileTimeout time.Duration) *DirectBuilder {
	return &DirectBuilder{CompilerPath: compilerPath, CompileTimeout: compileTimeout}
}

func (b *DirectBuilder) Mode() string { return ModeDirect }

func (b *DirectBuilder) Check(ctx context.Context, processedSource string) (string, error) {
	dir, src, err := writeWorkspace(processedSource)
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)

	diag, err := b.invoke(ctx, dir, "-fsyntax-only", src)
	if err != nil {
		return "", err
	}
	return diag, nil
}

func (b *DirectBuilder) Build(ctx context.Context, processedSource string) (*Artifact, error) {
	dir, src, err := writeWorkspace(processedSource)
	if err != nil {
		return nil, err
	}

	bin := filepath.Join(dir, "sketch")
	if _, err := b.invoke(ctx, dir, "-o", bin, src); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	return &Artifact{
		dir: dir,
		newCmd: func(ctx context.Context) *exec.Cmd {
			return exec.CommandContext(ctx, bin)
		},
	}, nil
}

// invoke runs the toolchain with the hard compile timeout and returns
// sanitized diagnostics (warnings on success, *BuildError on failure).
func (b *DirectBuilder) invoke(ctx context.Context, dir string, extraArgs ...string) (string, error) {
	if _, err := exec.LookPath(b.CompilerPath); err != nil {
		return "", ErrToolchainMissing
	}

	cctx, cancel := context.WithTimeout(ctx, b.CompileTimeout)
	defer cancel()

	args := append([]string{"-std=c++17", "-pthread", "-Wall"}, extraArgs...)
	cmd := exec.CommandContext(cctx, b.CompilerPath, args...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	diag := sanitizeDiagnostics(out.String(), dir)

	if cctx.Err() == context.DeadlineExceeded {
		return "", &BuildError{Diagnostics: "compilation timed out after " + b.CompileTimeout.String(), TimedOut: true}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", &BuildError{Diagnostics: diag}
		}
		return "", fmt.Errorf("invoking compiler: %w", err)
	}
	return diag, nil
}

func writeWorkspace(processedSource string) (dir, src string, err error) {
	dir, err = os.MkdirTemp("", "breadboard-build-*")
	if err != nil {
		return "", "", fmt.Errorf("creating build dir: %w", err)
	}
	src = filepath.Join(dir, tuFileName)
	if err := os.WriteFile(src, []byte(assemble(processedSource)), 0o644); err != nil {
		os.RemoveAll(dir)
		return "", "", fmt.Errorf("writing translation unit: %w", err)
	}
	return dir, src, nil
}
