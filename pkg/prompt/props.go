package prompt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// MaxPriority is the priority of every element that does not declare one.
// Such content is removed only once nothing of lower priority remains.
const MaxPriority = ^uint(0)

// Prio returns a pointer to p for use in Props.
func Prio(p uint) *uint { return &p }

// Props are the layout and pruning properties shared by all elements.
type Props struct {
	// Priority decides pruning order among siblings; nil means MaxPriority.
	Priority *uint
	// FlexGrow groups siblings. Higher groups render first and get first
	// claim on the budget; zero is rendered last.
	FlexGrow int
	// FlexBasis is the element's weight when its group splits the budget.
	// Zero means 1.
	FlexBasis int
	// FlexReserve holds budget back from earlier groups for this element.
	FlexReserve Reserve
	// PassPriority makes the element's children compete directly with its
	// siblings during pruning.
	PassPriority bool
	// Name labels the element in error paths. For messages it is the
	// participant name.
	Name string
}

func (p Props) priority() uint {
	if p.Priority == nil {
		return MaxPriority
	}
	return *p.Priority
}

func (p Props) basis() int {
	if p.FlexBasis <= 0 {
		return 1
	}
	return p.FlexBasis
}

// Reserve is either an absolute token count or a 1/Fraction share of the
// remaining budget.
type Reserve struct {
	Tokens   int
	Fraction int
}

// ReserveTokens reserves n tokens.
func ReserveTokens(n int) Reserve { return Reserve{Tokens: n} }

// ReserveFraction reserves remaining/n tokens.
func ReserveFraction(n int) Reserve { return Reserve{Fraction: n} }

// IsZero reports whether nothing is reserved.
func (r Reserve) IsZero() bool { return r.Tokens <= 0 && r.Fraction <= 0 }

func (r Reserve) resolve(remaining int) int {
	var n int
	if r.Fraction > 0 {
		n = remaining / r.Fraction
	} else {
		n = r.Tokens
	}
	return max(n, 0)
}

func (r Reserve) String() string {
	if r.Fraction > 0 {
		return "/" + strconv.Itoa(r.Fraction)
	}
	return strconv.Itoa(r.Tokens)
}

// ParseReserve parses "200" or "/3".
func ParseReserve(s string) (Reserve, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Reserve{}, nil
	}
	if frac, ok := strings.CutPrefix(s, "/"); ok {
		n, err := strconv.Atoi(frac)
		if err != nil || n <= 0 {
			return Reserve{}, fmt.Errorf("invalid flex reserve %q", s)
		}
		return Reserve{Fraction: n}, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return Reserve{}, fmt.Errorf("invalid flex reserve %q", s)
	}
	return Reserve{Tokens: n}, nil
}

func (r Reserve) MarshalJSON() ([]byte, error) {
	if r.Fraction > 0 {
		return json.Marshal(r.String())
	}
	return json.Marshal(r.Tokens)
}

func (r *Reserve) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*r = Reserve{Tokens: n}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("flex reserve must be a number or \"/N\": %w", err)
	}
	parsed, err := ParseReserve(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// KeepWithID identifies a keep-with group. Zero means no group.
type KeepWithID int

// KeepWith binds elements together: pruning any member removes all of them.
type KeepWith struct {
	id KeepWithID
}

// ID returns the group id.
func (k KeepWith) ID() KeepWithID { return k.id }

// Wrap returns a container whose removal takes the rest of the group with it.
func (k KeepWith) Wrap(props Props, children ...Piece) Piece {
	return Piece{kind: pieceGroup, name: "KeepWith", props: props, keepWith: k.id, children: children}
}

// idSource mints keep-with ids. It is owned by a Renderer so independent
// renderers never share a counter.
type idSource struct {
	next atomic.Int64
}

func (s *idSource) keepWith() KeepWith {
	return KeepWith{id: KeepWithID(s.next.Add(1))}
}
