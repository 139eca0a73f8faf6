package websocket

import "encoding/json"

// handleMessage routes one inbound client frame.
func (c *Client) handleMessage(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid message")
		return
	}

	switch msg.Type {
	case msgPing:
		c.enqueue(mustJSON(pongMessage{Type: msgPong}))

	case msgPtyAttach:
		if err := c.hub.terminals.Attach(msg.TerminalID, c); err != nil {
			c.sendError(msg.TerminalID, "terminal not found")
			return
		}
		c.enqueue(mustJSON(ptyAttachedMessage{Type: msgPtyAttached, TerminalID: msg.TerminalID}))

	case msgPtyDetach:
		_ = c.hub.terminals.Detach(msg.TerminalID, c.id)

	case msgPtyInput:
		if err := c.hub.terminals.Write(msg.TerminalID, []byte(msg.Data)); err != nil {
			c.sendError(msg.TerminalID, "terminal write failed")
		}

	case msgPtyResize:
		if err := c.hub.terminals.Resize(msg.TerminalID, msg.Cols, msg.Rows); err != nil {
			c.sendError(msg.TerminalID, "invalid terminal dimensions")
		}

	default:
		// Unknown frames are ignored; the protocol is forward-compatible.
	}
}
