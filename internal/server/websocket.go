package server

import (
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/michaelbrown/breadboard/internal/compile"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the editor is served from arbitrary origins in dev
	},
}

// wsIncoming is a command from the client. Type selects the command;
// the other fields are per-type.
type wsIncoming struct {
	Type    string           `json:"type"`
	Code    string           `json:"code,omitempty"`
	Headers []compile.Header `json:"headers,omitempty"`
	Data    string           `json:"data,omitempty"`
	Timeout *int             `json:"timeout,omitempty"` // seconds; 0 means unbounded
}

// wsOutgoing is an event to the client.
type wsOutgoing struct {
	Type       string `json:"type"`
	Data       string `json:"data,omitempty"`
	IsComplete *bool  `json:"isComplete,omitempty"`
	Pin        *int   `json:"pin,omitempty"`
	StateType  string `json:"stateType,omitempty"`
	Value      *int   `json:"value,omitempty"`
	Status     string `json:"status,omitempty"`
	Success    *bool  `json:"success,omitempty"`
	Cached     bool   `json:"cached,omitempty"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	sess := &Session{
		ID:      uuid.New().String(),
		cfg:     s.cfg,
		builder: s.builder,
		compile: s.compileSvc,
		profile: s.profile,
		conn:    conn,
	}
	s.sessions.Add(sess)
	defer s.sessions.Remove(sess.ID)

	sess.send(wsOutgoing{Type: "simulation_status", Status: "stopped"})

	for {
		var msg wsIncoming
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("session %s: websocket read error: %v", sess.ID, err)
			}
			return
		}

		switch msg.Type {
		case "compile":
			sess.Compile(msg.Code, msg.Headers)
		case "start_simulation":
			timeout := s.cfg.Limits.RunTimeout
			if msg.Timeout != nil {
				timeout = time.Duration(*msg.Timeout) * time.Second
			}
			sess.Start(timeout)
		case "stop_simulation":
			sess.Stop()
		case "serial_input":
			sess.SendInput(msg.Data)
		default:
			// Protocol violations never kill the connection.
			log.Printf("session %s: unknown command %q ignored", sess.ID, msg.Type)
		}
	}
}
