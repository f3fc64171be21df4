package server

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/michaelbrown/breadboard/internal/board"
	"github.com/michaelbrown/breadboard/internal/build"
	"github.com/michaelbrown/breadboard/internal/compile"
	"github.com/michaelbrown/breadboard/internal/config"
	"github.com/michaelbrown/breadboard/internal/runner"
)

// Session binds one client connection to at most one live execution.
// All outbound traffic for the connection funnels through send, which
// serializes writes; runner callbacks arrive from several goroutines.
type Session struct {
	ID string

	cfg     *config.Config
	builder build.Builder
	compile *compile.Service
	profile *board.Profile

	conn *websocket.Conn
	wsMu sync.Mutex

	mu              sync.Mutex
	processedSource string
	run             *runner.Runner
	running         bool
}

// send writes one outgoing message, serialized per connection.
func (s *Session) send(msg wsOutgoing) {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		log.Printf("session %s: websocket write error: %v", s.ID, err)
	}
}

// Compile runs the front-end pipeline and, on success, retains the
// processed source as the artifact a later start request will run.
func (s *Session) Compile(code string, headers []compile.Header) {
	result, err := s.compile.Compile(context.Background(), code, headers)
	if err != nil {
		log.Printf("session %s: compile environment error: %v", s.ID, err)
		s.send(wsOutgoing{Type: "compilation_error", Data: "compiler unavailable: " + err.Error()})
		return
	}
	if !result.Success {
		s.send(wsOutgoing{Type: "compilation_error", Data: result.Output})
		return
	}

	s.mu.Lock()
	s.processedSource = result.ProcessedCode
	s.mu.Unlock()

	s.send(wsOutgoing{
		Type:    "compilation_status",
		Success: boolPtr(true),
		Data:    result.Output,
		Cached:  result.Cached,
	})
}

// Start spawns an execution for the session's compiled source. Rejected
// when nothing has been compiled yet or a run is already active.
func (s *Session) Start(timeout time.Duration) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.send(wsOutgoing{Type: "error", Data: "simulation already running; stop it first"})
		return
	}
	source := s.processedSource
	if source == "" {
		s.mu.Unlock()
		s.send(wsOutgoing{Type: "error", Data: "no compiled code available; compile before starting"})
		return
	}

	if timeout == 0 {
		log.Printf("session %s: starting with unbounded execution time", s.ID)
	}

	r := runner.New(runner.Options{
		Builder: s.builder,
		Board:   s.profile,
		Pacing: runner.PacingPolicy{
			MinInterval:   s.cfg.Pacing.MinInterval,
			BaudCeiling:   s.cfg.Pacing.BaudCeiling,
			CoalesceBytes: s.cfg.Pacing.CoalesceBytes,
		},
		DefaultBaud:    s.profile.DefaultBaud,
		Timeout:        timeout,
		MaxOutputBytes: s.cfg.Limits.MaxOutputBytes,
	}, runner.Callbacks{
		OnSerial: func(data string, complete bool) {
			s.send(wsOutgoing{Type: "serial_output", Data: data, IsComplete: boolPtr(complete)})
		},
		OnPin: func(ev runner.PinEvent) {
			s.send(wsOutgoing{
				Type:      "pin_state",
				Pin:       intPtr(ev.Pin),
				StateType: string(ev.Kind),
				Value:     intPtr(ev.Value),
			})
		},
		OnCompileError: func(diag string) {
			s.send(wsOutgoing{Type: "compilation_error", Data: diag})
			s.finishRun("")
		},
		OnEnded: func(reason runner.EndReason, exitCode int) {
			s.finishRun(endNotice(reason, exitCode))
		},
	})

	s.run = r
	s.mu.Unlock()

	if err := r.Run(source); err != nil {
		s.finishRun("")
		s.send(wsOutgoing{Type: "error", Data: "failed to start simulation: " + err.Error()})
		return
	}

	if r.State() == runner.StateRunning {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		s.send(wsOutgoing{Type: "simulation_status", Status: "running"})
	}
}

// Stop force-terminates the session's execution, if any. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	r := s.run
	s.running = false
	s.run = nil
	s.mu.Unlock()

	if r != nil {
		r.Stop()
	}
	s.send(wsOutgoing{Type: "simulation_status", Status: "stopped"})
}

// SendInput forwards serial bytes to the process. Safe to race against
// exit; the runner drops input outside the running state.
func (s *Session) SendInput(data string) {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()

	if r == nil {
		log.Printf("session %s: serial input with no execution", s.ID)
		return
	}
	r.SendInput([]byte(data))
}

// finishRun records the terminal transition and delivers the single
// "execution ended" notice, if any.
func (s *Session) finishRun(notice string) {
	s.mu.Lock()
	s.running = false
	s.run = nil
	s.mu.Unlock()

	if notice != "" {
		s.send(wsOutgoing{Type: "serial_output", Data: notice, IsComplete: boolPtr(true)})
	}
	s.send(wsOutgoing{Type: "simulation_status", Status: "stopped"})
}

// teardown is called on disconnect: any owned execution is killed
// without further messages to the (gone) client.
func (s *Session) teardown() {
	s.mu.Lock()
	r := s.run
	s.running = false
	s.run = nil
	s.mu.Unlock()

	if r != nil {
		r.Stop()
	}
}

func endNotice(reason runner.EndReason, exitCode int) string {
	switch reason {
	case runner.EndTimedOut:
		return "\n--- execution timed out ---\n"
	case runner.EndOutputLimit:
		return "\n--- execution terminated: output limit exceeded ---\n"
	case runner.EndCrashed:
		return fmt.Sprintf("\n--- execution ended (exit code %d) ---\n", exitCode)
	default:
		return "\n--- execution ended ---\n"
	}
}

// SessionManager tracks live connections. Each connection owns its
// session exclusively; nothing here broadcasts.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionManager creates a new SessionManager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*Session)}
}

// Get returns a session if it exists.
func (sm *SessionManager) Get(id string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.sessions[id]
	return s, ok
}

// Add registers a session.
func (sm *SessionManager) Add(s *Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.sessions[s.ID] = s
}

// Remove tears a session down and forgets it.
func (sm *SessionManager) Remove(id string) {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()
	if ok {
		s.teardown()
	}
}

// CloseAll tears down every live session.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	all := make([]*Session, 0, len(sm.sessions))
	for id, s := range sm.sessions {
		all = append(all, s)
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()
	for _, s := range all {
		s.teardown()
	}
}

// Count reports the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

func boolPtr(b bool) *bool { return &b }
func intPtr(n int) *int    { return &n }
