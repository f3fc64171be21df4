package compile

import (
	"context"
	"testing"
	"time"

	"github.com/michaelbrown/breadboard/internal/build"
)

// fakeBuilder counts Check calls and returns a scripted outcome.
type fakeBuilder struct {
	checks int
	diag   string
	err    error
}

func (f *fakeBuilder) Mode() string { return build.ModeDirect }

func (f *fakeBuilder) Check(ctx context.Context, src string) (string, error) {
	f.checks++
	return f.diag, f.err
}

func (f *fakeBuilder) Build(ctx context.Context, src string) (*build.Artifact, error) {
	panic("not used")
}

func TestService_ValidationFailure(t *testing.T) {
	fb := &fakeBuilder{}
	svc := NewService(fb, time.Minute)

	res, err := svc.Compile(context.Background(), "int main() {}", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("structurally invalid sketch must not succeed")
	}
	if fb.checks != 0 {
		t.Error("validation failure must not reach the builder")
	}
}

func TestService_CompileErrorIsResult(t *testing.T) {
	fb := &fakeBuilder{err: &build.BuildError{Diagnostics: "sketch.ino:3: error"}}
	svc := NewService(fb, time.Minute)

	res, err := svc.Compile(context.Background(), validSketch, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("compile failure must be reported as unsuccessful")
	}
	if res.Output != "sketch.ino:3: error" {
		t.Errorf("diagnostics not surfaced: %q", res.Output)
	}
}

func TestService_EnvironmentErrorPropagates(t *testing.T) {
	fb := &fakeBuilder{err: build.ErrToolchainMissing}
	svc := NewService(fb, time.Minute)

	if _, err := svc.Compile(context.Background(), validSketch, nil); err == nil {
		t.Fatal("toolchain errors must propagate, not become a Result")
	}
}

func TestService_CachesSuccess(t *testing.T) {
	fb := &fakeBuilder{diag: "warning: unused"}
	svc := NewService(fb, time.Minute)

	first, err := svc.Compile(context.Background(), validSketch, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Success || first.Cached {
		t.Fatalf("first compile should be a fresh success: %+v", first)
	}

	second, err := svc.Compile(context.Background(), validSketch, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Cached {
		t.Error("second compile should hit the cache")
	}
	if second.ProcessedCode != first.ProcessedCode {
		t.Error("cached result must carry the processed source")
	}
	if fb.checks != 1 {
		t.Errorf("builder invoked %d times, want 1", fb.checks)
	}
}

func TestService_FailuresRetried(t *testing.T) {
	fb := &fakeBuilder{err: &build.BuildError{Diagnostics: "nope"}}
	svc := NewService(fb, time.Minute)

	ctx := context.Background()
	svc.Compile(ctx, validSketch, nil)
	svc.Compile(ctx, validSketch, nil)
	if fb.checks != 2 {
		t.Errorf("failed compiles must not be cached, got %d checks", fb.checks)
	}
}
