package tickets

import (
	"errors"
	"testing"

	"cubestream.ai/internal/sim/cube"
)

func TestCompare_LevelThenTypeThenOwner(t *testing.T) {
	a := Ticket{Type: TypeLight, Level: 2}
	b := Ticket{Type: TypePlayer, Level: 3}
	c := Ticket{Type: TypeForced, Level: 3}
	d := Ticket{Type: TypeForced, Level: 3, Owner: "z"}
	if Compare(a, b) >= 0 || Compare(b, c) >= 0 || Compare(c, d) >= 0 {
		t.Fatalf("unexpected order")
	}
	if Compare(d, d) != 0 {
		t.Fatalf("ticket not equal to itself")
	}
}

func TestParseType(t *testing.T) {
	if ty, err := ParseType(" portal "); err != nil || ty != TypePortal {
		t.Fatalf("ParseType: %v %v", ty, err)
	}
	if _, err := ParseType("chunk"); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	b, err := TypeStart.MarshalText()
	if err != nil || string(b) != "START" {
		t.Fatalf("MarshalText: %q %v", b, err)
	}
}

func TestStore_SourceLevelIsSmallestTicket(t *testing.T) {
	s := NewStore(33)
	p := cube.Pack(0, 0, 0)
	if s.SourceLevel(p) != 34 {
		t.Fatalf("empty source=%d", s.SourceLevel(p))
	}
	for _, tk := range []Ticket{
		{Type: TypePlayer, Level: 20, Owner: "a"},
		{Type: TypeForced, Level: 5},
		{Type: TypePlayer, Level: 12, Owner: "b"},
	} {
		if added, err := s.Add(p, tk); err != nil || !added {
			t.Fatalf("Add %v: %v %v", tk, added, err)
		}
	}
	if added, _ := s.Add(p, Ticket{Type: TypeForced, Level: 5}); added {
		t.Fatalf("duplicate ticket added")
	}
	if s.SourceLevel(p) != 5 || s.Len() != 3 {
		t.Fatalf("source=%d len=%d", s.SourceLevel(p), s.Len())
	}

	if !s.Remove(p, Ticket{Type: TypeForced, Level: 5}) {
		t.Fatalf("remove missed")
	}
	if s.Remove(p, Ticket{Type: TypeForced, Level: 5}) {
		t.Fatalf("second remove succeeded")
	}
	if s.SourceLevel(p) != 12 {
		t.Fatalf("source after remove=%d", s.SourceLevel(p))
	}
}

func TestStore_RejectsBadTickets(t *testing.T) {
	s := NewStore(31)
	p := cube.Pack(1, 1, 1)
	if _, err := s.Add(p, Ticket{Type: TypeForced, Level: 32}); !errors.Is(err, ErrLevelOutOfRange) {
		t.Fatalf("level 32: %v", err)
	}
	if _, err := s.Add(p, Ticket{Type: TypeForced, Level: -1}); !errors.Is(err, ErrLevelOutOfRange) {
		t.Fatalf("level -1: %v", err)
	}
	if _, err := s.Add(p, Ticket{Type: Type(99), Level: 1}); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("type 99: %v", err)
	}
	if s.Len() != 0 || len(s.Cells()) != 0 {
		t.Fatalf("rejected tickets were stored")
	}
}

func TestStore_RemoveOwner(t *testing.T) {
	s := NewStore(31)
	p, q := cube.Pack(0, 0, 0), cube.Pack(4, 0, 0)
	_, _ = s.Add(p, Ticket{Type: TypePlayer, Level: 3, Owner: "v1"})
	_, _ = s.Add(p, Ticket{Type: TypeForced, Level: 9})
	_, _ = s.Add(q, Ticket{Type: TypePlayer, Level: 3, Owner: "v1"})
	_, _ = s.Add(q, Ticket{Type: TypePlayer, Level: 4, Owner: "v2"})

	cells := s.RemoveOwner("v1")
	if len(cells) != 2 || cells[0] != p || cells[1] != q {
		t.Fatalf("cells=%v", cells)
	}
	if s.SourceLevel(p) != 9 || s.SourceLevel(q) != 4 || s.Len() != 2 {
		t.Fatalf("after RemoveOwner: p=%d q=%d len=%d", s.SourceLevel(p), s.SourceLevel(q), s.Len())
	}
	if len(s.Owned("v1")) != 0 || len(s.Owned("v2")) != 1 {
		t.Fatalf("owner index not updated")
	}
	if s.RemoveOwner("v1") != nil {
		t.Fatalf("second RemoveOwner returned cells")
	}
}
