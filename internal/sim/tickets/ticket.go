package tickets

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrLevelOutOfRange = errors.New("ticket level out of range")
	ErrUnknownType     = errors.New("unknown ticket type")
	ErrOutOfBounds     = errors.New("cell outside neighborhood bounds")
)

// Type is the ticket kind. Types order by declaration when levels tie.
type Type int

const (
	TypePlayer Type = iota
	TypeForced
	TypeStart
	TypePortal
	TypeLight
	TypeUnknown
)

var typeNames = [...]string{"PLAYER", "FORCED", "START", "PORTAL", "LIGHT", "UNKNOWN"}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return typeNames[t]
}

func (t Type) Valid() bool { return t >= 0 && int(t) < len(typeNames) }

func ParseType(s string) (Type, error) {
	u := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range typeNames {
		if n == u {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownType, s)
}

func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, int(t))
	}
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Ticket pins a cell to at most Level. Two tickets with the same type, level and
// owner at one cell are the same ticket.
type Ticket struct {
	Type  Type   `json:"type" yaml:"type"`
	Level int    `json:"level" yaml:"level"`
	Owner string `json:"owner,omitempty" yaml:"owner,omitempty"`
}

func (t Ticket) String() string {
	if t.Owner == "" {
		return fmt.Sprintf("%s@%d", t.Type, t.Level)
	}
	return fmt.Sprintf("%s@%d(%s)", t.Type, t.Level, t.Owner)
}

// Compare orders tickets by level, then type, then owner.
func Compare(a, b Ticket) int {
	switch {
	case a.Level != b.Level:
		return cmpInt(a.Level, b.Level)
	case a.Type != b.Type:
		return cmpInt(int(a.Type), int(b.Type))
	default:
		return strings.Compare(a.Owner, b.Owner)
	}
}

func cmpInt(a, b int) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// set is a small sorted ticket list; the first element is the cell's source.
type set []Ticket

func (s set) search(t Ticket) (int, bool) {
	i := sort.Search(len(s), func(i int) bool { return Compare(s[i], t) >= 0 })
	return i, i < len(s) && s[i] == t
}

func (s *set) insert(t Ticket) bool {
	i, found := s.search(t)
	if found {
		return false
	}
	*s = append(*s, Ticket{})
	copy((*s)[i+1:], (*s)[i:])
	(*s)[i] = t
	return true
}

func (s *set) remove(t Ticket) bool {
	i, found := s.search(t)
	if !found {
		return false
	}
	*s = append((*s)[:i], (*s)[i+1:]...)
	return true
}
