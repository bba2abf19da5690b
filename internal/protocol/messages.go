package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	ViewerName      string            `json:"viewer_name"`
	Block           *[3]int           `json:"block,omitempty"`
	Capabilities    HelloCapabilities `json:"capabilities"`
}

type HelloCapabilities struct {
	MaxQueue int `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	SessionID       string     `json:"session_id"`
	ViewerID        string     `json:"viewer_id"`
	LoaderID        string     `json:"loader_id"`
	Tick            uint64     `json:"tick"`
	Params          ViewParams `json:"params"`
	// Cube is set when HELLO carried a starting block.
	Cube *[3]int `json:"cube,omitempty"`
}

type ViewParams struct {
	TickRateHz   int `json:"tick_rate_hz"`
	MaxLevel     int `json:"max_level"`
	ViewDistance int `json:"view_distance"`
	TicketLevel  int `json:"ticket_level"`
	CubeSize     int `json:"cube_size"`
}

// MOVE (client -> server). Block is a block coordinate; the server maps it to
// the containing cube.
type MoveMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Seq             uint64 `json:"seq"`
	Block           [3]int `json:"block"`
}

// ACK (server -> client), one per accepted MOVE.
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Seq             uint64 `json:"seq"`
	Tick            uint64 `json:"tick"`
	Cube            [3]int `json:"cube"`
	Changed         int    `json:"changed"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Seq             uint64 `json:"seq,omitempty"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

// BYE (client -> server) releases the viewer ticket before the socket closes.
type ByeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}
