package runner

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/michaelbrown/breadboard/internal/board"
	"github.com/michaelbrown/breadboard/internal/build"
)

// scriptBuilder fakes the build layer: Build wraps a shell script as the
// artifact so runner tests exercise real process lifecycle without a
// C++ toolchain.
type scriptBuilder struct {
	script    string
	sandboxed bool
	buildErr  error
}

func (b *scriptBuilder) Mode() string { return build.ModeDirect }

func (b *scriptBuilder) Check(ctx context.Context, src string) (string, error) {
	if b.buildErr != nil {
		return "", b.buildErr
	}
	return "", nil
}

func (b *scriptBuilder) Build(ctx context.Context, src string) (*build.Artifact, error) {
	if b.buildErr != nil {
		return nil, b.buildErr
	}
	script := b.script
	return build.NewArtifact("", b.sandboxed, "", func(ctx context.Context) *exec.Cmd {
		return exec.CommandContext(ctx, "/bin/sh", "-c", script)
	}), nil
}

type endedEvent struct {
	reason   EndReason
	exitCode int
}

type runRecorder struct {
	mu      sync.Mutex
	serial  []string
	pins    []PinEvent
	compile []string
	ended   chan endedEvent
}

func newRunRecorder() *runRecorder {
	return &runRecorder{ended: make(chan endedEvent, 4)}
}

func (rec *runRecorder) callbacks() Callbacks {
	return Callbacks{
		OnSerial: func(data string, complete bool) {
			rec.mu.Lock()
			rec.serial = append(rec.serial, data)
			rec.mu.Unlock()
		},
		OnPin: func(ev PinEvent) {
			rec.mu.Lock()
			rec.pins = append(rec.pins, ev)
			rec.mu.Unlock()
		},
		OnCompileError: func(diag string) {
			rec.mu.Lock()
			rec.compile = append(rec.compile, diag)
			rec.mu.Unlock()
		},
		OnEnded: func(reason EndReason, exitCode int) {
			rec.ended <- endedEvent{reason: reason, exitCode: exitCode}
		},
	}
}

func (rec *runRecorder) serialText() string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return strings.Join(rec.serial, "")
}

func (rec *runRecorder) waitEnded(t *testing.T) endedEvent {
	t.Helper()
	select {
	case ev := <-rec.ended:
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("run never ended")
		return endedEvent{}
	}
}

func (rec *runRecorder) expectNoEnded(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case ev := <-rec.ended:
		t.Fatalf("unexpected terminal notice: %+v", ev)
	case <-time.After(within):
	}
}

func newTestRunner(b build.Builder, rec *runRecorder, mutate func(*Options)) *Runner {
	opts := Options{
		Builder:     b,
		Board:       board.DefaultProfile(),
		Pacing:      testPolicy(),
		DefaultBaud: 9600,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts, rec.callbacks())
}

func TestRunner_NaturalExit(t *testing.T) {
	rec := newRunRecorder()
	r := newTestRunner(&scriptBuilder{script: `printf 'hi\n'`}, rec, nil)

	if err := r.Run("void setup() {} void loop() {}"); err != nil {
		t.Fatal(err)
	}

	ev := rec.waitEnded(t)
	if ev.reason != EndExited || ev.exitCode != 0 {
		t.Errorf("got %+v, want clean exit", ev)
	}
	if !strings.Contains(rec.serialText(), "hi\n") {
		t.Errorf("serial output lost: %q", rec.serialText())
	}
	if got := r.State(); got != StateExited {
		t.Errorf("state = %v, want exited", got)
	}
}

func TestRunner_NonZeroExitIsCrash(t *testing.T) {
	rec := newRunRecorder()
	r := newTestRunner(&scriptBuilder{script: `exit 3`}, rec, nil)

	if err := r.Run("src"); err != nil {
		t.Fatal(err)
	}
	ev := rec.waitEnded(t)
	if ev.reason != EndCrashed || ev.exitCode != 3 {
		t.Errorf("got %+v, want crash with code 3", ev)
	}
}

func TestRunner_StopSuppressesNotice(t *testing.T) {
	rec := newRunRecorder()
	r := newTestRunner(&scriptBuilder{script: `sleep 5`}, rec, nil)

	if err := r.Run("src"); err != nil {
		t.Fatal(err)
	}
	r.Stop()
	r.Stop() // idempotent

	if got := r.State(); got != StateStopped {
		t.Errorf("state = %v, want stopped", got)
	}
	rec.expectNoEnded(t, 500*time.Millisecond)
}

func TestRunner_Timeout(t *testing.T) {
	rec := newRunRecorder()
	r := newTestRunner(&scriptBuilder{script: `sleep 10`}, rec, func(o *Options) {
		o.Timeout = 100 * time.Millisecond
	})

	if err := r.Run("src"); err != nil {
		t.Fatal(err)
	}
	ev := rec.waitEnded(t)
	if ev.reason != EndTimedOut {
		t.Errorf("got %+v, want timed_out", ev)
	}
	if got := r.State(); got != StateTimedOut {
		t.Errorf("state = %v", got)
	}
}

func TestRunner_OutputLimit(t *testing.T) {
	rec := newRunRecorder()
	r := newTestRunner(&scriptBuilder{script: `yes`}, rec, func(o *Options) {
		o.MaxOutputBytes = 1024
	})

	if err := r.Run("src"); err != nil {
		t.Fatal(err)
	}
	ev := rec.waitEnded(t)
	if ev.reason != EndOutputLimit {
		t.Errorf("got %+v, want output_limit", ev)
	}
}

func TestRunner_SecondRunRejected(t *testing.T) {
	rec := newRunRecorder()
	r := newTestRunner(&scriptBuilder{script: `sleep 5`}, rec, nil)

	if err := r.Run("src"); err != nil {
		t.Fatal(err)
	}
	defer r.Stop()

	if err := r.Run("src"); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run returned %v, want ErrAlreadyRunning", err)
	}
}

func TestRunner_CompileFailure(t *testing.T) {
	rec := newRunRecorder()
	r := newTestRunner(&scriptBuilder{
		buildErr: &build.BuildError{Diagnostics: "sketch.ino:1: error: boom"},
	}, rec, nil)

	if err := r.Run("src"); err != nil {
		t.Fatalf("compile failures must not be error returns: %v", err)
	}
	rec.mu.Lock()
	diags := append([]string(nil), rec.compile...)
	rec.mu.Unlock()
	if len(diags) != 1 || !strings.Contains(diags[0], "boom") {
		t.Errorf("diagnostics not delivered: %v", diags)
	}
	if got := r.State(); got != StateCrashed {
		t.Errorf("state = %v, want crashed", got)
	}
	rec.expectNoEnded(t, 100*time.Millisecond)
}

func TestRunner_ToolchainErrorPropagates(t *testing.T) {
	rec := newRunRecorder()
	r := newTestRunner(&scriptBuilder{buildErr: build.ErrToolchainMissing}, rec, nil)

	if err := r.Run("src"); !errors.Is(err, build.ErrToolchainMissing) {
		t.Errorf("got %v, want ErrToolchainMissing", err)
	}
}

func TestRunner_PinEvents(t *testing.T) {
	rec := newRunRecorder()
	script := `echo '[[PIN_MODE:13:1]]' >&2; echo '[[PIN_VALUE:13:1]]' >&2`
	r := newTestRunner(&scriptBuilder{script: script}, rec, nil)

	if err := r.Run("src"); err != nil {
		t.Fatal(err)
	}
	rec.waitEnded(t)

	rec.mu.Lock()
	pins := append([]PinEvent(nil), rec.pins...)
	rec.mu.Unlock()
	want := []PinEvent{
		{Pin: 13, Kind: PinMode, Value: 1},
		{Pin: 13, Kind: PinValue, Value: 1},
	}
	if len(pins) != len(want) {
		t.Fatalf("got %+v, want %+v", pins, want)
	}
	for i := range want {
		if pins[i] != want[i] {
			t.Errorf("pin event %d = %+v, want %+v", i, pins[i], want[i])
		}
	}
}

func TestRunner_SerialInput(t *testing.T) {
	rec := newRunRecorder()
	script := `read line; printf 'got %s\n' "$line"`
	r := newTestRunner(&scriptBuilder{script: script}, rec, nil)

	if err := r.Run("src"); err != nil {
		t.Fatal(err)
	}
	r.SendInput([]byte("hello\n"))

	rec.waitEnded(t)
	if !strings.Contains(rec.serialText(), "got hello\n") {
		t.Errorf("input never reached the sketch: %q", rec.serialText())
	}
}

func TestRunner_InputAfterExitIsNoop(t *testing.T) {
	rec := newRunRecorder()
	r := newTestRunner(&scriptBuilder{script: `true`}, rec, nil)

	if err := r.Run("src"); err != nil {
		t.Fatal(err)
	}
	rec.waitEnded(t)
	r.SendInput([]byte("too late\n")) // must not panic
}

func TestRunner_SandboxBuildFailure(t *testing.T) {
	rec := newRunRecorder()
	script := `echo '[[BUILD:FAIL]]' >&2; echo 'sketch.cpp:50: error: nope' >&2; exit 42`
	r := newTestRunner(&scriptBuilder{script: script, sandboxed: true}, rec, nil)

	if err := r.Run("src"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec.mu.Lock()
		diags := append([]string(nil), rec.compile...)
		rec.mu.Unlock()
		if len(diags) == 1 {
			if !strings.Contains(diags[0], "sketch.ino") {
				t.Errorf("diagnostics not sanitized: %q", diags[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("compile error never delivered: %v", diags)
		}
		time.Sleep(10 * time.Millisecond)
	}
	rec.expectNoEnded(t, 100*time.Millisecond)
}

func TestRunner_SandboxBuildOK(t *testing.T) {
	rec := newRunRecorder()
	script := `echo '[[BUILD:OK]]' >&2; printf 'live\n'; echo '[[PIN_VALUE:2:1]]' >&2`
	r := newTestRunner(&scriptBuilder{script: script, sandboxed: true}, rec, nil)

	if err := r.Run("src"); err != nil {
		t.Fatal(err)
	}
	ev := rec.waitEnded(t)
	if ev.reason != EndExited {
		t.Fatalf("got %+v", ev)
	}
	if !strings.Contains(rec.serialText(), "live\n") {
		t.Errorf("stdout after sentinel lost: %q", rec.serialText())
	}
	rec.mu.Lock()
	pins := append([]PinEvent(nil), rec.pins...)
	rec.mu.Unlock()
	if len(pins) != 1 || pins[0].Pin != 2 {
		t.Errorf("stderr after sentinel not decoded: %+v", pins)
	}
}

func TestRunner_TimeoutKillsProcessTree(t *testing.T) {
	rec := newRunRecorder()
	// The shell forks; the grandchild inherits the output pipes. The
	// timeout must still converge on a terminal notice instead of
	// waiting for the orphan's EOF.
	r := newTestRunner(&scriptBuilder{script: `sleep 30 & sleep 30`}, rec, func(o *Options) {
		o.Timeout = 100 * time.Millisecond
	})

	if err := r.Run("src"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	ev := rec.waitEnded(t)
	if ev.reason != EndTimedOut {
		t.Errorf("got %+v, want timed_out", ev)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("exit handling took %v; blocked on a surviving descendant", elapsed)
	}
}

func TestRunner_OutputLimitKillsProcessTree(t *testing.T) {
	rec := newRunRecorder()
	script := `(while true; do printf 'xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx'; done) & wait`
	r := newTestRunner(&scriptBuilder{script: script}, rec, func(o *Options) {
		o.MaxOutputBytes = 1024
	})

	if err := r.Run("src"); err != nil {
		t.Fatal(err)
	}
	ev := rec.waitEnded(t)
	if ev.reason != EndOutputLimit {
		t.Errorf("got %+v, want output_limit", ev)
	}
}

func TestRunner_StopDuringCompileWins(t *testing.T) {
	rec := newRunRecorder()
	gate := make(chan struct{})
	b := &gatedBuilder{
		scriptBuilder: scriptBuilder{script: `sleep 5`},
		gate:          gate,
	}
	r := newTestRunner(b, rec, nil)

	runDone := make(chan error, 1)
	go func() { runDone <- r.Run("src") }()

	// Wait for the compile phase, stop, then let the build finish.
	deadline := time.Now().Add(5 * time.Second)
	for r.State() != StateCompiling {
		if time.Now().After(deadline) {
			t.Fatal("run never reached the compiling state")
		}
		time.Sleep(time.Millisecond)
	}
	r.Stop()
	close(gate)

	if err := <-runDone; err != nil {
		t.Fatal(err)
	}
	if got := r.State(); got != StateStopped {
		t.Errorf("state = %v, want the stop to win over the late spawn", got)
	}
	rec.expectNoEnded(t, 300*time.Millisecond)
}

// gatedBuilder blocks Build until released, exposing the compile
// window to concurrent calls.
type gatedBuilder struct {
	scriptBuilder
	gate chan struct{}
}

func (b *gatedBuilder) Build(ctx context.Context, src string) (*build.Artifact, error) {
	<-b.gate
	return b.scriptBuilder.Build(ctx, src)
}

func TestSerialDedupe_ExactPayload(t *testing.T) {
	var d serialDedupe
	d.record(SerialEvent{Data: []byte("a\n")})

	if !d.drop([]byte("a\n")) {
		t.Error("recorded payload should be dropped")
	}
	if d.drop([]byte("a\n")) {
		t.Error("each recorded payload shadows exactly one paced copy")
	}
}

func TestSerialDedupe_MergedChunk(t *testing.T) {
	var d serialDedupe
	d.record(SerialEvent{Data: []byte("a\n")})
	d.record(SerialEvent{Data: []byte("b\n")})

	// Two writes arriving as one pipe read.
	if !d.drop([]byte("a\nb\n")) {
		t.Fatal("concatenation of recorded payloads should be dropped")
	}
	if d.drop([]byte("a\n")) || d.drop([]byte("b\n")) {
		t.Error("merged drop must consume both entries")
	}
}

func TestSerialDedupe_PartialMatchKept(t *testing.T) {
	var d serialDedupe
	d.record(SerialEvent{Data: []byte("a\n")})

	if d.drop([]byte("a\nc\n")) {
		t.Error("a chunk with unrecorded bytes must be emitted intact")
	}
	if !d.drop([]byte("a\n")) {
		t.Error("failed decomposition must not consume entries")
	}
}

func TestSerialDedupe_UnrecordedData(t *testing.T) {
	var d serialDedupe
	if d.drop([]byte("c\n")) {
		t.Error("unrecorded payload must pass through")
	}
}

func TestRunner_StructuredSerialDedupesMergedChunk(t *testing.T) {
	rec := newRunRecorder()
	// Two rapid structured writes whose paced copies land in a single
	// pipe read; each payload must reach the subscriber exactly once.
	script := `echo '[[SERIAL_EVENT:1:YQo=]]' >&2; echo '[[SERIAL_EVENT:2:Ygo=]]' >&2; sleep 0.2; printf 'a\nb\n'`
	r := newTestRunner(&scriptBuilder{script: script}, rec, func(o *Options) {
		o.Pacing = PacingPolicy{
			MinInterval:   50 * time.Millisecond,
			BaudCeiling:   57600,
			CoalesceBytes: 64,
		}
	})

	if err := r.Run("src"); err != nil {
		t.Fatal(err)
	}
	rec.waitEnded(t)

	out := rec.serialText()
	if got := strings.Count(out, "a\n"); got != 1 {
		t.Errorf("payload a delivered %d times, want 1 (%q)", got, out)
	}
	if got := strings.Count(out, "b\n"); got != 1 {
		t.Errorf("payload b delivered %d times, want 1 (%q)", got, out)
	}
}

func TestRunner_StructuredSerialDedupesPacedCopy(t *testing.T) {
	rec := newRunRecorder()
	// Structured event first, paced stdout copy of the same payload
	// after: the subscriber must see the write once.
	script := `echo '[[SERIAL_EVENT:123:ZHVwCg==]]' >&2; sleep 0.2; printf 'dup\n'`
	r := newTestRunner(&scriptBuilder{script: script}, rec, func(o *Options) {
		o.Pacing = PacingPolicy{
			MinInterval:   50 * time.Millisecond,
			BaudCeiling:   57600,
			CoalesceBytes: 64,
		}
	})

	if err := r.Run("src"); err != nil {
		t.Fatal(err)
	}
	rec.waitEnded(t)

	if got := strings.Count(rec.serialText(), "dup\n"); got != 1 {
		t.Errorf("payload delivered %d times, want 1 (%q)", got, rec.serialText())
	}
}
