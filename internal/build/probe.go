package build

import (
	"context"
	"log"
	"os/exec"
	"time"

	"github.com/michaelbrown/breadboard/internal/config"
)

// Probe is the startup capability check for sandboxed execution. It is
// exposed on the status endpoint so a degraded deployment is visible.
type Probe struct {
	RuntimeAvailable bool   `json:"runtimeAvailable"`
	ImagePresent     bool   `json:"imagePresent"`
	Mode             string `json:"mode"`
}

// DetectMode probes for a working container runtime and the prebuilt
// sandbox image. Both must pass for sandboxed mode; otherwise the
// service degrades to direct mode, which has materially weaker
// isolation, and says so in the log.
func DetectMode(ctx context.Context, cfg *config.Config) Probe {
	p := Probe{Mode: ModeDirect}

	if !cfg.Sandbox.Enabled {
		log.Printf("sandbox disabled by config; using direct execution")
		return p
	}

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := exec.CommandContext(pctx, "docker", "info").Run(); err != nil {
		log.Printf("sandbox degraded to direct mode: container runtime unavailable: %v", err)
		return p
	}
	p.RuntimeAvailable = true

	if err := exec.CommandContext(pctx, "docker", "image", "inspect", cfg.Sandbox.Image).Run(); err != nil {
		log.Printf("sandbox degraded to direct mode: image %s not present: %v", cfg.Sandbox.Image, err)
		return p
	}
	p.ImagePresent = true
	p.Mode = ModeSandboxed
	return p
}

// NewBuilder constructs the builder matching the probed mode.
func NewBuilder(cfg *config.Config, probe Probe) Builder {
	if probe.Mode == ModeSandboxed {
		return NewDockerSandboxBuilder(SandboxPolicy{
			Image:     cfg.Sandbox.Image,
			MaxMemory: cfg.Sandbox.Memory,
			CPUs:      cfg.Sandbox.CPUs,
			PidsLimit: cfg.Sandbox.Pids,
		}, cfg.Limits.CompileTimeout)
	}
	return NewDirectBuilder(cfg.Compiler.Path, cfg.Limits.CompileTimeout)
}
