// Package region derives the named sub-areas of an on-screen endpoint from
// its anchor and size.
//
// Layout (top to bottom):
//
//	+----------------------------+-------+
//	| status                     | reset |  StatusBand
//	+----------------------------+-------+
//	| workspace                          |
//	+------------------------------------+
//	| input                              |  InputBand
//	+------------------------------------+
//
// Rectangles are half-open: a Rect covers [X, X+W) x [Y, Y+H).
package region

import "fmt"

const (
	StatusBand = 30
	InputBand  = 50
	ResetWidth = 60

	// MinWidth leaves the status area at least as wide as the reset area.
	MinWidth = 2 * ResetWidth
	// MinHeight leaves at least one StatusBand of workspace.
	MinHeight = 2*StatusBand + InputBand
)

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

func (r Rect) Min() Point { return Point{X: r.X, Y: r.Y} }
func (r Rect) Max() Point { return Point{X: r.X + r.W, Y: r.Y + r.H} }

// Center is the pointer target for the area.
func (r Rect) Center() Point { return Point{X: r.X + r.W/2, Y: r.Y + r.H/2} }

func (r Rect) Empty() bool { return r.W <= 0 || r.H <= 0 }

// Contains reports whether o lies entirely inside r.
func (r Rect) Contains(o Rect) bool {
	return o.X >= r.X && o.Y >= r.Y && o.X+o.W <= r.X+r.W && o.Y+o.H <= r.Y+r.H
}

func (r Rect) ContainsPoint(p Point) bool {
	return p.X >= r.X && p.X < r.X+r.W && p.Y >= r.Y && p.Y < r.Y+r.H
}

// Overlaps reports whether r and o share any area.
func (r Rect) Overlaps(o Rect) bool {
	if r.Empty() || o.Empty() {
		return false
	}
	return r.X < o.X+o.W && o.X < r.X+r.W && r.Y < o.Y+o.H && o.Y < r.Y+r.H
}

func (r Rect) String() string {
	return fmt.Sprintf("(%d,%d %dx%d)", r.X, r.Y, r.W, r.H)
}

type Regions struct {
	Input     Rect `json:"input"`
	Status    Rect `json:"status"`
	Workspace Rect `json:"workspace"`
	Reset     Rect `json:"reset"`
}

// All returns the areas keyed by name.
func (r Regions) All() map[string]Rect {
	return map[string]Rect{
		"input":     r.Input,
		"status":    r.Status,
		"workspace": r.Workspace,
		"reset":     r.Reset,
	}
}

type InvalidGeometryError struct {
	Width, Height int
}

func (e *InvalidGeometryError) Error() string {
	return fmt.Sprintf("invalid geometry %dx%d: minimum is %dx%d", e.Width, e.Height, MinWidth, MinHeight)
}

// DeriveRegions is pure and deterministic.
func DeriveRegions(anchor Point, width, height int) (Regions, error) {
	if width < MinWidth || height < MinHeight {
		return Regions{}, &InvalidGeometryError{Width: width, Height: height}
	}
	x, y := anchor.X, anchor.Y
	return Regions{
		Status:    Rect{X: x, Y: y, W: width - ResetWidth, H: StatusBand},
		Reset:     Rect{X: x + width - ResetWidth, Y: y, W: ResetWidth, H: StatusBand},
		Workspace: Rect{X: x, Y: y + StatusBand, W: width, H: height - StatusBand - InputBand},
		Input:     Rect{X: x, Y: y + height - InputBand, W: width, H: InputBand},
	}, nil
}
