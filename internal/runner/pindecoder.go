package runner

import (
	"bytes"
	"encoding/base64"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/michaelbrown/breadboard/internal/board"
)

// PinEventKind distinguishes the three pin state transitions.
type PinEventKind string

const (
	PinMode  PinEventKind = "mode"
	PinValue PinEventKind = "value"
	PinPwm   PinEventKind = "pwm"
)

// PinEvent is one decoded pin transition. Mode values map
// 0→INPUT, 1→OUTPUT, 2→INPUT_PULLUP (see board.Profile.ModeName).
type PinEvent struct {
	Pin   int
	Kind  PinEventKind
	Value int
}

// SerialEvent is the structured form of a serial write: the exact
// timestamp and payload, carried base64-encoded on the side channel.
type SerialEvent struct {
	Timestamp int64 // unix milliseconds at write time
	Data      []byte
}

// DecoderCallbacks receive decoded side-channel traffic. All callbacks
// fire from the goroutine feeding Write, except OnText which can also
// fire from the grace timer.
type DecoderCallbacks struct {
	OnPin         func(PinEvent)
	OnSerialEvent func(SerialEvent)
	OnText        func(line string)
}

var (
	pinModeRe     = regexp.MustCompile(`^\[\[PIN_MODE:(\d+):(\d+)\]\]$`)
	pinValueRe    = regexp.MustCompile(`^\[\[PIN_VALUE:(\d+):(\d+)\]\]$`)
	pinPwmRe      = regexp.MustCompile(`^\[\[PIN_PWM:(\d+):(\d+)\]\]$`)
	serialEventRe = regexp.MustCompile(`^\[\[SERIAL_EVENT:(\d+):([A-Za-z0-9+/=]*)\]\]$`)
)

// partialGrace is how long a trailing line fragment may sit unfinished
// before it is flushed as diagnostic text, so error fragments that
// never see a newline are not lost.
const partialGrace = 250 * time.Millisecond

// Decoder splits the process's diagnostic stream into lines and turns
// bracketed control tokens into events; everything else is forwarded as
// ordinary diagnostic text. The token grammar is isolated here so a
// structured framing could replace it without touching the runner.
type Decoder struct {
	profile *board.Profile
	cb      DecoderCallbacks

	mu     sync.Mutex
	buf    []byte
	timer  *time.Timer
	closed bool
}

// NewDecoder creates a decoder validating pins against profile.
func NewDecoder(profile *board.Profile, cb DecoderCallbacks) *Decoder {
	return &Decoder{profile: profile, cb: cb}
}

// Write feeds raw stderr bytes. Implements io.Writer so the runner can
// copy the stream straight in.
func (d *Decoder) Write(p []byte) (int, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return len(p), nil
	}
	d.buf = append(d.buf, p...)

	var lines []string
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(d.buf[:i], "\r")))
		d.buf = d.buf[i+1:]
	}

	d.resetGraceLocked()
	d.mu.Unlock()

	for _, line := range lines {
		d.decodeLine(line)
	}
	return len(p), nil
}

// Flush emits any trailing partial line as diagnostic text. Called on
// process exit.
func (d *Decoder) Flush() {
	d.mu.Lock()
	rest := string(d.buf)
	d.buf = nil
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()

	if rest != "" {
		d.text(rest)
	}
}

// Close flushes and stops the grace timer for good.
func (d *Decoder) Close() {
	d.Flush()
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

// Discard shuts the decoder down without flushing. Used on forced
// termination, where no further events may be delivered.
func (d *Decoder) Discard() {
	d.mu.Lock()
	d.closed = true
	d.buf = nil
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
}

func (d *Decoder) resetGraceLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if len(d.buf) == 0 {
		return
	}
	d.timer = time.AfterFunc(partialGrace, d.Flush)
}

func (d *Decoder) decodeLine(line string) {
	if m := pinModeRe.FindStringSubmatch(line); m != nil {
		d.pin(PinMode, m)
		return
	}
	if m := pinValueRe.FindStringSubmatch(line); m != nil {
		d.pin(PinValue, m)
		return
	}
	if m := pinPwmRe.FindStringSubmatch(line); m != nil {
		d.pin(PinPwm, m)
		return
	}
	if m := serialEventRe.FindStringSubmatch(line); m != nil {
		ts, err := strconv.ParseInt(m[1], 10, 64)
		if err == nil {
			data, err := base64.StdEncoding.DecodeString(m[2])
			if err == nil {
				if d.cb.OnSerialEvent != nil {
					d.cb.OnSerialEvent(SerialEvent{Timestamp: ts, Data: data})
				}
				return
			}
		}
		// Malformed frame falls through as text.
	}
	if line != "" {
		d.text(line)
	}
}

func (d *Decoder) pin(kind PinEventKind, m []string) {
	pin, err1 := strconv.Atoi(m[1])
	value, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil || !d.profile.ValidPin(pin) {
		d.text(m[0])
		return
	}
	if d.cb.OnPin != nil {
		d.cb.OnPin(PinEvent{Pin: pin, Kind: kind, Value: value})
	}
}

func (d *Decoder) text(s string) {
	if d.cb.OnText != nil {
		d.cb.OnText(s)
	}
}
