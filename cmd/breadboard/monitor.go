package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/breadboard/internal/board"
)

var (
	serverFlag  string
	timeoutFlag int
)

var monitorCmd = &cobra.Command{
	Use:   "monitor <sketch.ino>",
	Short: "Run a sketch on a server and open a serial monitor",
	Long: `Compile and run a sketch through a running breadboard server,
streaming its serial output and pin activity to the terminal. Typed
lines are sent to the sketch as serial input.

Examples:
  breadboard monitor blink.ino
  breadboard monitor blink.ino --server localhost:9090 --timeout 60`,
	Args: cobra.ExactArgs(1),
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().StringVar(&serverFlag, "server", "localhost:8080", "Server host:port")
	monitorCmd.Flags().IntVar(&timeoutFlag, "timeout", 0, "Execution timeout in seconds (0 uses the server default)")
	rootCmd.AddCommand(monitorCmd)
}

// Mirrors of the server's wire messages; kept local so the CLI builds
// against a server boundary, not server internals.
type monitorCommand struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Data    string `json:"data,omitempty"`
	Timeout *int   `json:"timeout,omitempty"`
}

type monitorEvent struct {
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

func runMonitor(cmd *cobra.Command, args []string) error {
	code, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading sketch: %w", err)
	}

	u := url.URL{Scheme: "ws", Host: serverFlag, Path: "/api/session/ws"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", serverFlag, err)
	}
	defer conn.Close()

	profile := board.DefaultProfile()

	if err := conn.WriteJSON(monitorCommand{Type: "compile", Code: string(code)}); err != nil {
		return fmt.Errorf("sending compile: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var ev monitorEvent
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			renderEvent(conn, profile, ev)
		}
	}()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36mserial>\033[0m ",
		HistoryFile:     "/tmp/breadboard_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	for {
		select {
		case <-done:
			fmt.Println("connection closed")
			return nil
		default:
		}

		input, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				conn.WriteJSON(monitorCommand{Type: "stop_simulation"})
				return nil
			}
			return err
		}

		switch strings.TrimSpace(input) {
		case "/quit", "/q":
			conn.WriteJSON(monitorCommand{Type: "stop_simulation"})
			return nil
		case "/stop":
			conn.WriteJSON(monitorCommand{Type: "stop_simulation"})
		default:
			conn.WriteJSON(monitorCommand{Type: "serial_input", Data: input + "\n"})
		}
	}
}

// renderEvent prints one server event, and drives the compile→start
// handoff: the run begins once compilation succeeds.
func renderEvent(conn *websocket.Conn, profile *board.Profile, ev monitorEvent) {
	switch ev.Type {
	case "serial_output":
		fmt.Print(ev.Data)
	case "pin_state":
		if ev.Pin == nil || ev.Value == nil {
			return
		}
		detail := fmt.Sprintf("%d", *ev.Value)
		if ev.StateType == "mode" {
			detail = profile.ModeName(*ev.Value)
		}
		fmt.Printf("\033[33m[pin %s %s=%s]\033[0m\n", profile.PinName(*ev.Pin), ev.StateType, detail)
	case "compilation_status":
		if ev.Success != nil && *ev.Success {
			note := ""
			if ev.Cached {
				note = " (cached)"
			}
			fmt.Printf("compiled%s, starting...\n", note)
			cmd := monitorCommand{Type: "start_simulation"}
			if timeoutFlag > 0 {
				cmd.Timeout = &timeoutFlag
			}
			conn.WriteJSON(cmd)
		}
	case "compilation_error":
		fmt.Fprintf(os.Stderr, "\033[31m%s\033[0m\n", ev.Data)
	case "simulation_status":
		fmt.Printf("\033[90m[simulation %s]\033[0m\n", ev.Status)
	case "error":
		fmt.Fprintf(os.Stderr, "\033[31merror: %s\033[0m\n", ev.Data)
	default:
		raw, _ := json.Marshal(ev)
		fmt.Printf("\033[90m%s\033[0m\n", raw)
	}
}
