// Package runner owns the lifecycle of one compiled sketch execution:
// spawn, timeout, forced termination, serial input injection, and the
// two stream decoders that turn process output into session events.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/michaelbrown/breadboard/internal/board"
	"github.com/michaelbrown/breadboard/internal/build"
)

// State is the execution lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateCompiling
	StateRunning
	StateStopped
	StateTimedOut
	StateCrashed
	StateExited
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCompiling:
		return "compiling"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateTimedOut:
		return "timed_out"
	case StateCrashed:
		return "crashed"
	case StateExited:
		return "exited"
	}
	return "unknown"
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateTimedOut || s == StateCrashed || s == StateExited
}

// EndReason classifies the single terminal notice delivered for a run.
// Explicit stops produce no notice; the caller initiated them.
type EndReason string

const (
	EndExited      EndReason = "exited"
	EndCrashed     EndReason = "crashed"
	EndTimedOut    EndReason = "timed_out"
	EndOutputLimit EndReason = "output_limit"
)

// ErrAlreadyRunning rejects a second Run on the same handle.
var ErrAlreadyRunning = errors.New("an execution is already active")

// Options configures one Runner.
type Options struct {
	Builder        build.Builder
	Board          *board.Profile
	Pacing         PacingPolicy
	DefaultBaud    int
	Timeout        time.Duration // wall clock; 0 means unbounded
	MaxOutputBytes int64         // combined stdout+stderr cap; 0 means unbounded
}

// Callbacks deliver execution events to the owning session. OnEnded
// fires at most once per run; explicit Stop suppresses it.
type Callbacks struct {
	OnSerial       func(data string, complete bool)
	OnPin          func(PinEvent)
	OnCompileError func(diagnostics string)
	OnEnded        func(reason EndReason, exitCode int)
}

// Runner supervises a single execution. One Runner serves one run; a
// session constructs a fresh Runner per start request.
type Runner struct {
	opts Options
	cb   Callbacks

	mu               sync.Mutex
	state            State
	cmd              *exec.Cmd
	stdin            io.WriteCloser
	pipes            []io.Closer
	artifact         *build.Artifact
	pacer            *Pacer
	decoder          *Decoder
	timer            *time.Timer
	cancel           context.CancelFunc
	killedExplicitly bool
	timedOut         bool
	overflowed       bool

	buildFailed   bool
	buildFailDiag string

	outputBytes  int64
	overflowOnce sync.Once
	cleanupOnce  sync.Once

	wg     sync.WaitGroup
	dedupe serialDedupe
}

// New creates an idle Runner.
func New(opts Options, cb Callbacks) *Runner {
	if opts.DefaultBaud <= 0 {
		opts.DefaultBaud = 9600
	}
	if opts.Pacing == (PacingPolicy{}) {
		opts.Pacing = DefaultPacingPolicy()
	}
	return &Runner{opts: opts, cb: cb, state: StateIdle}
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Run compiles the processed source and spawns it. It returns once the
// process is running (or has failed to start); stream handling and the
// terminal notice happen on background goroutines. A compile failure is
// delivered through OnCompileError and is not an error return.
func (r *Runner) Run(processedSource string) error {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.state = StateCompiling
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.mu.Unlock()

	baud := ParseBaud(processedSource, r.opts.DefaultBaud)

	artifact, err := r.opts.Builder.Build(ctx, processedSource)
	if err != nil {
		r.setState(StateCrashed)
		r.cleanup()
		if r.wasStopped() {
			// The stop canceled the build; not a caller-visible error.
			return nil
		}
		var berr *build.BuildError
		if errors.As(err, &berr) {
			if r.cb.OnCompileError != nil {
				r.cb.OnCompileError(berr.Diagnostics)
			}
			return nil
		}
		return err
	}

	cmd := artifact.Command(ctx)
	// A sketch may fork; a fresh process group lets forced termination
	// reach every descendant, not just the immediate child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return r.spawnFailed(artifact, fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return r.spawnFailed(artifact, fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return r.spawnFailed(artifact, fmt.Errorf("stderr pipe: %w", err))
	}

	pacer := NewPacer(baud, r.opts.Pacing, func(data []byte, complete bool) {
		if r.cb.OnSerial != nil {
			r.cb.OnSerial(string(data), complete)
		}
	})
	pacer.SetDropFunc(r.dedupe.drop)

	decoder := NewDecoder(r.opts.Board, DecoderCallbacks{
		OnPin: func(ev PinEvent) {
			if r.cb.OnPin != nil {
				r.cb.OnPin(ev)
			}
		},
		OnSerialEvent: r.onSerialEvent,
		OnText:        r.onDiagnosticText,
	})

	if err := cmd.Start(); err != nil {
		pacer.Stop()
		return r.spawnFailed(artifact, fmt.Errorf("starting sketch process: %w", err))
	}

	r.mu.Lock()
	if r.state.Terminal() {
		// Stopped while compiling; the fresh process must not outlive
		// the stop.
		r.mu.Unlock()
		pacer.Stop()
		decoder.Discard()
		killProcessGroup(cmd)
		go cmd.Wait()
		stdin.Close()
		artifact.Kill()
		artifact.Close()
		cancel()
		return nil
	}
	r.cmd = cmd
	r.stdin = stdin
	r.pipes = []io.Closer{stdout, stderr}
	r.artifact = artifact
	r.pacer = pacer
	r.decoder = decoder
	r.state = StateRunning
	if r.opts.Timeout > 0 {
		r.timer = time.AfterFunc(r.opts.Timeout, r.onTimeout)
	}
	r.mu.Unlock()

	r.wg.Add(2)
	go r.readStdout(stdout)
	go r.readStderr(stderr, artifact.Sandboxed())
	go r.waitForExit()

	return nil
}

func (r *Runner) spawnFailed(artifact *build.Artifact, err error) error {
	r.setState(StateCrashed)
	artifact.Close()
	r.cleanup()
	if r.wasStopped() {
		return nil
	}
	return err
}

func (r *Runner) wasStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.killedExplicitly
}

// Stop force-terminates the execution. Idempotent; the subsequent
// process-exit event is suppressed so the caller never sees a second
// terminal notice.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return
	}
	r.killedExplicitly = true
	r.state = StateStopped
	pacer, decoder, timer := r.pacer, r.decoder, r.timer
	r.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if pacer != nil {
		pacer.Stop()
	}
	if decoder != nil {
		decoder.Discard()
	}
	r.terminate()
}

// SendInput writes bytes to the sketch's serial input. Outside the
// Running state this is a no-op: client input racing a process exit
// must never take the supervisor down.
func (r *Runner) SendInput(data []byte) {
	r.mu.Lock()
	stdin := r.stdin
	running := r.state == StateRunning
	r.mu.Unlock()

	if !running || stdin == nil {
		log.Printf("runner: dropping %d bytes of serial input; no running execution", len(data))
		return
	}
	if _, err := stdin.Write(data); err != nil {
		log.Printf("runner: serial input write failed: %v", err)
	}
}

func (r *Runner) onTimeout() {
	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return
	}
	r.timedOut = true
	pacer, decoder := r.pacer, r.decoder
	r.mu.Unlock()

	// Kill first; the notice is delivered from the exit path so it is
	// ordered after the last event and fires exactly once.
	if pacer != nil {
		pacer.Stop()
	}
	if decoder != nil {
		decoder.Discard()
	}
	r.terminate()
}

func (r *Runner) onOverflow() {
	r.overflowOnce.Do(func() {
		r.mu.Lock()
		if r.state != StateRunning {
			r.mu.Unlock()
			return
		}
		r.overflowed = true
		pacer, decoder := r.pacer, r.decoder
		r.mu.Unlock()

		if pacer != nil {
			pacer.Stop()
		}
		if decoder != nil {
			decoder.Discard()
		}
		r.terminate()
	})
}

// terminate force-kills the execution's whole process group and closes
// the pipe read ends, so the stream readers unblock even when a forked
// descendant survives holding the write ends. Exit handling must never
// depend on an orphan exiting.
func (r *Runner) terminate() {
	r.mu.Lock()
	cmd := r.cmd
	pipes := r.pipes
	artifact := r.artifact
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	killProcessGroup(cmd)
	if artifact != nil {
		artifact.Kill()
	}
	for _, p := range pipes {
		p.Close()
	}
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	// Negative pid addresses the group. Best effort; it may be gone.
	syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

func (r *Runner) readStdout(stdout io.Reader) {
	defer r.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if r.countOutput(n) {
				r.pacer.Push(buf[:n])
			}
		}
		if err != nil {
			return
		}
	}
}

// readStderr drains the diagnostic stream. In sandboxed mode the build
// phase happens inside the same container invocation, so the stream
// opens with a sentinel line: BUILD:OK means the sketch is live and the
// rest belongs to the pin decoder; BUILD:FAIL means everything after it
// is compile diagnostics.
func (r *Runner) readStderr(stderr io.Reader, sandboxed bool) {
	defer r.wg.Done()

	src := stderr
	if sandboxed {
		br := bufio.NewReader(stderr)
		var collected strings.Builder
		failed := false
		for {
			s, err := br.ReadString('\n')
			line := strings.TrimRight(s, "\r\n")
			switch {
			case !failed && line == build.BuildOKMarker:
				// Sketch is live; the rest of the stream belongs to
				// the pin decoder.
			case line == build.BuildFailMarker:
				failed = true
			case failed:
				collected.WriteString(line)
				collected.WriteByte('\n')
			case line != "":
				// Runtime noise ahead of the sentinel (e.g. a docker
				// warning); pass it through as text.
				r.onDiagnosticText(line)
			}
			if !failed && line == build.BuildOKMarker {
				break
			}
			if err != nil {
				if failed {
					r.mu.Lock()
					r.buildFailed = true
					r.buildFailDiag = build.SanitizeContainerDiagnostics(collected.String())
					r.mu.Unlock()
				}
				return
			}
		}
		src = br
	}

	chunk := make([]byte, 4096)
	for {
		n, err := src.Read(chunk)
		if n > 0 {
			if r.countOutput(n) {
				r.decoder.Write(chunk[:n])
			}
		}
		if err != nil {
			return
		}
	}
}

// countOutput accounts n bytes against the volume ceiling. Returns
// false once the ceiling has been breached; the execution is then being
// torn down and further output is discarded.
func (r *Runner) countOutput(n int) bool {
	if r.opts.MaxOutputBytes <= 0 {
		return true
	}
	r.mu.Lock()
	r.outputBytes += int64(n)
	over := r.outputBytes > r.opts.MaxOutputBytes
	r.mu.Unlock()
	if over {
		r.onOverflow()
		return false
	}
	return true
}

func (r *Runner) waitForExit() {
	// Pipe readers must finish before Wait reclaims the fds.
	r.wg.Wait()
	err := r.cmd.Wait()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	r.mu.Lock()
	killed := r.killedExplicitly
	timedOut := r.timedOut
	overflowed := r.overflowed
	buildFailed := r.buildFailed
	buildDiag := r.buildFailDiag
	r.mu.Unlock()

	switch {
	case killed:
		// Explicit stop already set the terminal state; stay silent.
	case buildFailed:
		r.setState(StateCrashed)
		if r.cb.OnCompileError != nil {
			r.cb.OnCompileError(buildDiag)
		}
	case timedOut:
		r.setState(StateTimedOut)
		r.notifyEnded(EndTimedOut, exitCode)
	case overflowed:
		r.setState(StateCrashed)
		r.notifyEnded(EndOutputLimit, exitCode)
	default:
		// Natural exit: everything still queued goes out before the
		// terminal notice.
		r.pacer.Flush()
		r.decoder.Close()
		if exitCode == 0 {
			r.setState(StateExited)
			r.notifyEnded(EndExited, exitCode)
		} else {
			r.setState(StateCrashed)
			r.notifyEnded(EndCrashed, exitCode)
		}
	}

	r.cleanup()
}

func (r *Runner) notifyEnded(reason EndReason, exitCode int) {
	if r.cb.OnEnded != nil {
		r.cb.OnEnded(reason, exitCode)
	}
}

// setState records s unless a terminal state is already in place; a
// concurrent Stop wins over any later transition.
func (r *Runner) setState(s State) {
	r.mu.Lock()
	if !r.state.Terminal() {
		r.state = s
	}
	r.mu.Unlock()
}

// cleanup releases every per-run resource. Runs at most once.
func (r *Runner) cleanup() {
	r.cleanupOnce.Do(func() {
		r.mu.Lock()
		pacer, decoder, timer, artifact, cancel, stdin := r.pacer, r.decoder, r.timer, r.artifact, r.cancel, r.stdin
		r.artifact = nil
		r.stdin = nil
		r.mu.Unlock()

		if timer != nil {
			timer.Stop()
		}
		if pacer != nil {
			pacer.Stop()
		}
		if decoder != nil {
			decoder.Discard()
		}
		if stdin != nil {
			stdin.Close()
		}
		if cancel != nil {
			cancel()
		}
		if artifact != nil {
			artifact.Close()
		}
	})
}

// onSerialEvent handles the structured serial side channel: it carries
// the true write timestamp and payload, so it is emitted immediately
// and remembered so the legacy paced copy of the same write can be
// dropped.
func (r *Runner) onSerialEvent(ev SerialEvent) {
	r.dedupe.record(ev)
	if r.cb.OnSerial != nil {
		data := string(ev.Data)
		r.cb.OnSerial(data, strings.HasSuffix(data, "\n"))
	}
}

// onDiagnosticText forwards non-token stderr lines as completed serial
// output so error text shows up in the monitor.
func (r *Runner) onDiagnosticText(line string) {
	if r.cb.OnSerial != nil {
		r.cb.OnSerial(line+"\n", true)
	}
}

// serialDedupe remembers recent structured serial payloads so the
// legacy paced stdout path does not emit the same write twice.
type serialDedupe struct {
	mu      sync.Mutex
	entries []dedupeEntry
}

type dedupeEntry struct {
	payload string
	at      time.Time
}

// dedupeWindow bounds how long a structured event shadows its paced
// twin.
const dedupeWindow = 2 * time.Second

func (d *serialDedupe) record(ev SerialEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, dedupeEntry{payload: string(ev.Data), at: time.Now()})
}

func (d *serialDedupe) drop(data []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := time.Now().Add(-dedupeWindow)
	live := d.entries[:0]
	for _, e := range d.entries {
		if e.at.After(cutoff) {
			live = append(live, e)
		}
	}
	d.entries = live

	// One pipe read may carry several writes, so the paced slice is a
	// concatenation of payloads. Drop it only when it decomposes
	// exactly into recorded entries; a partial match is emitted intact
	// rather than split.
	used := make([]bool, len(d.entries))
	rest := string(data)
	matched := 0
	for len(rest) > 0 {
		found := -1
		for i, e := range d.entries {
			if !used[i] && e.payload != "" && strings.HasPrefix(rest, e.payload) {
				found = i
				break
			}
		}
		if found < 0 {
			return false
		}
		used[found] = true
		matched++
		rest = rest[len(d.entries[found].payload):]
	}
	if matched == 0 {
		return false
	}

	keep := d.entries[:0]
	for i, e := range d.entries {
		if !used[i] {
			keep = append(keep, e)
		}
	}
	d.entries = keep
	return true
}
