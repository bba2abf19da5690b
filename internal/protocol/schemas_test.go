package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"cubestream.ai/internal/protocol"
)

func compile(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	p := filepath.Join("..", "..", "schemas", name)
	s, err := jsonschema.Compile(p)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

// asJSON round-trips v so the validator sees plain JSON values.
func asJSON(t *testing.T, v any) any {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestSchemas_ValidateMessages(t *testing.T) {
	start := [3]int{40, 0, -3}
	cube := [3]int{2, 0, -1}
	cases := []struct {
		schema string
		msg    any
	}{
		{"hello.schema.json", protocol.HelloMsg{
			Type:            protocol.TypeHello,
			ProtocolVersion: protocol.Version,
			ViewerName:      "bot1",
			Block:           &start,
			Capabilities:    protocol.HelloCapabilities{MaxQueue: 8},
		}},
		{"welcome.schema.json", protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			SessionID:       "S1",
			ViewerID:        "bot1-S1",
			LoaderID:        "loader_1",
			Tick:            12,
			Params:          protocol.ViewParams{TickRateHz: 20, MaxLevel: 33, ViewDistance: 10, TicketLevel: 23, CubeSize: 16},
			Cube:            &cube,
		}},
		{"move.schema.json", protocol.MoveMsg{Type: protocol.TypeMove, ProtocolVersion: protocol.Version, Seq: 3, Block: [3]int{-1, 2, 3}}},
		{"ack.schema.json", protocol.AckMsg{Type: protocol.TypeAck, ProtocolVersion: protocol.Version, Seq: 3, Tick: 13, Cube: [3]int{-1, 0, 0}, Changed: 2}},
		{"error.schema.json", protocol.ErrorMsg{Type: protocol.TypeError, ProtocolVersion: protocol.Version, Seq: 4, Code: protocol.ErrOutOfRange, Message: "block out of range"}},
	}
	for _, tc := range cases {
		s := compile(t, tc.schema)
		if err := s.Validate(asJSON(t, tc.msg)); err != nil {
			t.Fatalf("%s: %v", tc.schema, err)
		}
	}
}

func TestSchemas_RejectMalformed(t *testing.T) {
	move := compile(t, "move.schema.json")
	for _, raw := range []string{
		`{"type":"MOVE","protocol_version":"1.0","seq":1,"block":[1,2]}`,
		`{"type":"MOVE","protocol_version":"1.0","block":[1,2,3]}`,
		`{"type":"ACT","protocol_version":"1.0","seq":1,"block":[1,2,3]}`,
		`{"type":"MOVE","protocol_version":"1.0","seq":1,"block":[1,2,3],"tick":5}`,
	} {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			t.Fatalf("bad fixture %s: %v", raw, err)
		}
		if err := move.Validate(v); err == nil {
			t.Fatalf("expected rejection: %s", raw)
		}
	}
}
