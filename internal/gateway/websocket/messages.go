package websocket

import "encoding/json"

// Inbound message types.
const (
	msgPing      = "ping"
	msgPtyAttach = "pty:attach"
	msgPtyDetach = "pty:detach"
	msgPtyInput  = "pty:input"
	msgPtyResize = "pty:resize"
)

// Outbound message types.
const (
	msgPong        = "pong"
	msgPtyAttached = "pty:attached"
	msgPtyOutput   = "pty:output"
	msgPtyExit     = "pty:exit"
	msgPtyError    = "pty:error"
)

// inboundMessage is the single inbound frame shape; fields are used per
// message type.
type inboundMessage struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId,omitempty"`
	Data       string `json:"data,omitempty"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
}

type pongMessage struct {
	Type string `json:"type"`
}

type ptyAttachedMessage struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
}

type ptyOutputMessage struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

type ptyExitMessage struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	ExitCode   int    `json:"exitCode"`
}

type ptyErrorMessage struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId,omitempty"`
	Error      string `json:"error"`
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error"}`)
	}
	return data
}
