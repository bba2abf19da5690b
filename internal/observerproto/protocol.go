package observerproto

// Version is the observer protocol version.
const Version = "0.2"

// Client -> Server. First message on the observer WS connection, and can be re-sent
// to move the watched box.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Center          [3]int `json:"center"`
	Radius          int    `json:"radius"`
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string       `json:"protocol_version"`
	LoaderID        string       `json:"loader_id"`
	Tick            uint64       `json:"tick"`
	Params          LoaderParams `json:"params"`
	Cells           []CellState  `json:"cells"`
}

type LoaderParams struct {
	TickRateHz   int    `json:"tick_rate_hz"`
	MaxLevel     int    `json:"max_level"`
	Metric       string `json:"metric"`
	Radius       int    `json:"radius"`
	ViewDistance int    `json:"view_distance"`
	CubeSize     int    `json:"cube_size"`
}

type CellState struct {
	Pos    [3]int `json:"pos"`
	Level  int    `json:"level"`
	Status string `json:"status"`
}

// Server -> Client. Sent every tick that committed changes inside the subscribed box.
type CommitsMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Tick            uint64   `json:"tick"`
	Holders         int      `json:"holders"`
	Pending         int      `json:"pending"`
	Changes         []Change `json:"changes"`
}

type Change struct {
	Pos    [3]int `json:"pos"`
	Kind   string `json:"kind"`
	From   int    `json:"from"`
	To     int    `json:"to"`
	Status string `json:"status"`
}
