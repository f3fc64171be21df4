package runner

import (
	"bytes"
	"sync"
	"time"
)

// PacingPolicy tunes how raw process output is re-timed to look like a
// serial port.
type PacingPolicy struct {
	// MinInterval caps the update rate regardless of baud so many tiny
	// writes cannot flood the subscriber.
	MinInterval time.Duration
	// BaudCeiling clamps the effective rate used for delay math.
	BaudCeiling int
	// CoalesceBytes is the size ceiling while merging queued chunks.
	CoalesceBytes int
}

// DefaultPacingPolicy returns the policy used when none is configured.
func DefaultPacingPolicy() PacingPolicy {
	return PacingPolicy{
		MinInterval:   16 * time.Millisecond,
		BaudCeiling:   57600,
		CoalesceBytes: 64,
	}
}

// Pacer re-times raw stdout chunks so delivery approximates the
// sketch's configured baud rate. Chunks are delivered strictly in
// arrival order by a single sender; a chunk with no newline is held
// back until either more data arrives or the process exits, so word
// fragments are not dribbled out.
type Pacer struct {
	policy  PacingPolicy
	perChar time.Duration
	send    func(data []byte, complete bool)
	drop    func(data []byte) bool

	mu     sync.Mutex
	queue  [][]byte
	closed bool

	wake    chan struct{}
	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}

	flushOnce sync.Once
	stopOnce  sync.Once
}

// NewPacer starts a pacer for one execution. send is called from the
// pacer's own goroutine, in write order.
func NewPacer(baud int, policy PacingPolicy, send func(data []byte, complete bool)) *Pacer {
	p := &Pacer{
		policy:  policy,
		perChar: CharDelay(EffectiveBaud(baud, policy.BaudCeiling)),
		send:    send,
		wake:    make(chan struct{}, 1),
		flushCh: make(chan struct{}),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go p.run()
	return p
}

// SetDropFunc installs a predicate consulted before each send; a true
// return suppresses the slice. Used to dedupe against the structured
// serial-event path. Must be set before output starts flowing.
func (p *Pacer) SetDropFunc(fn func(data []byte) bool) {
	p.drop = fn
}

// Push queues a raw output chunk. The data is copied.
func (p *Pacer) Push(data []byte) {
	if len(data) == 0 {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, append([]byte(nil), data...))
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Flush delivers everything still queued immediately, marked complete,
// and shuts the sender down. Called on natural process exit; blocks
// until the final send has happened.
func (p *Pacer) Flush() {
	p.flushOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.flushCh)
	})
	<-p.doneCh
}

// Stop cancels the sender instantly, discarding anything queued and any
// in-flight delay. Called on explicit stop and timeout.
func (p *Pacer) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.queue = nil
		p.mu.Unlock()
		close(p.stopCh)
	})
}

func (p *Pacer) run() {
	defer close(p.doneCh)
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			if !p.idle() {
				return
			}
			continue
		}

		cur := p.queue[0]
		p.queue = p.queue[1:]

		// Coalesce following chunks while the total stays small and no
		// newline has shown up. A chunk carrying a newline is dispatched
		// on its own so complete lines go out promptly.
		if !bytes.ContainsRune(cur, '\n') {
			for len(p.queue) > 0 &&
				len(cur)+len(p.queue[0]) <= p.policy.CoalesceBytes &&
				!bytes.ContainsRune(p.queue[0], '\n') {
				cur = append(cur, p.queue[0]...)
				p.queue = p.queue[1:]
			}
		}

		// A lone fragment with nothing behind it goes back on the front
		// of the queue; sending it now would emit a word fragment.
		if !bytes.ContainsRune(cur, '\n') && len(p.queue) == 0 {
			p.queue = append([][]byte{cur}, p.queue...)
			p.mu.Unlock()
			if !p.idle() {
				return
			}
			continue
		}
		p.mu.Unlock()

		timer := time.NewTimer(p.delayFor(len(cur)))
		select {
		case <-timer.C:
			p.emit(cur)
		case <-p.stopCh:
			timer.Stop()
			return
		case <-p.flushCh:
			timer.Stop()
			p.emitComplete(cur)
			p.drain()
			return
		}
	}
}

// idle blocks until new data, flush, or stop. Returns false when the
// sender should exit; flush drains first.
func (p *Pacer) idle() bool {
	select {
	case <-p.wake:
		return true
	case <-p.flushCh:
		p.drain()
		return false
	case <-p.stopCh:
		return false
	}
}

func (p *Pacer) drain() {
	p.mu.Lock()
	rest := p.queue
	p.queue = nil
	p.mu.Unlock()

	var all []byte
	for _, chunk := range rest {
		all = append(all, chunk...)
	}
	if len(all) > 0 {
		p.emitComplete(all)
	}
}

func (p *Pacer) emit(data []byte) {
	if p.drop != nil && p.drop(data) {
		return
	}
	p.send(data, bytes.HasSuffix(data, []byte("\n")))
}

func (p *Pacer) emitComplete(data []byte) {
	if p.drop != nil && p.drop(data) {
		return
	}
	p.send(data, true)
}

// delayFor is the simulated transmission time for n bytes, floored at
// the minimum inter-send interval.
func (p *Pacer) delayFor(n int) time.Duration {
	d := p.perChar * time.Duration(n)
	if d < p.policy.MinInterval {
		return p.policy.MinInterval
	}
	return d
}
