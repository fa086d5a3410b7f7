// Package lightpos maps the dome's calibration table of (polar, azimuth)
// angles to unit light direction vectors in camera coordinates.
package lightpos

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

var (
	// ErrDuplicateEntry is generated when a calibration table repeats a position
	ErrDuplicateEntry = errors.New("lightpos: duplicate calibration entry")

	// ErrTableTooShort is generated when fewer positions exist than lights requested
	ErrTableTooShort = errors.New("lightpos: calibration table shorter than light count")
)

// Polar is one calibration entry, angles in degrees.
// Theta is measured from the camera axis, Phi around it.
type Polar struct {
	Theta float64 `json:"theta" yaml:"theta"`
	Phi   float64 `json:"phi" yaml:"phi"`
}

// Dome50 is the calibration table of the 50-light dome, in light order
var Dome50 = []Polar{
	{59, 31}, {74, 43}, {65, 63}, {48, 51}, {41, 18}, {55, 83}, {60, 253}, {83, 245}, {54, 221}, {69, 233},
	{75, 266}, {43, 241}, {38, 293}, {80, 298}, {71, 318}, {56, 306}, {50, 273}, {46, 326}, {66, 286}, {21, 313},
	{23, 176}, {13, 228}, {28, 261}, {26, 38}, {17, 91}, {67, 148}, {51, 136}, {30, 123}, {81, 160}, {39, 156},
	{76, 128}, {82, 23}, {32, 346}, {68, 11}, {85, 330}, {77, 351}, {62, 338}, {52, 358}, {79, 76}, {70, 96},
	{61, 116}, {84, 108}, {36, 71}, {44, 103}, {78, 213}, {73, 181}, {34, 208}, {47, 188}, {64, 201}, {58, 168},
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Direction returns the unit vector for p with the dome rotated by offset degrees
func Direction(p Polar, offset int) r3.Vector {
	phi := p.Phi - 90 + float64(offset)
	az := radians(phi - 180)
	th := radians(p.Theta)
	return r3.Vector{
		X: math.Cos(az) * math.Sin(th),
		Y: math.Sin(az) * math.Sin(th),
		Z: math.Cos(th),
	}
}

// Positions returns the direction of every entry of table, indexed identically
func Positions(table []Polar, offset int) []r3.Vector {
	out := make([]r3.Vector, len(table))
	for i, p := range table {
		out[i] = Direction(p, offset)
	}
	return out
}

// Validate checks that table has no repeated entries and at least n of them
func Validate(table []Polar, n int) error {
	if len(table) < n {
		return fmt.Errorf("%w: %d < %d", ErrTableTooShort, len(table), n)
	}
	seen := make(map[Polar]int, len(table))
	for i, p := range table {
		if j, ok := seen[p]; ok {
			return fmt.Errorf("%w: light %d repeats light %d (%v)", ErrDuplicateEntry, i+1, j+1, p)
		}
		seen[p] = i
	}
	return nil
}

// Geometry is the process-wide light table for a given light count and offset.
// It is rebuilt, never mutated, when the configuration changes.
type Geometry struct {
	table  []Polar
	offset int
	dirs   []r3.Vector
}

// New builds the geometry of the first n entries of table
func New(table []Polar, n, offset int) (*Geometry, error) {
	if err := Validate(table, n); err != nil {
		return nil, err
	}
	t := make([]Polar, n)
	copy(t, table[:n])
	return &Geometry{table: t, offset: offset, dirs: Positions(t, offset)}, nil
}

// Len is the number of lights
func (g *Geometry) Len() int {
	return len(g.dirs)
}

// Offset is the azimuth offset in degrees the geometry was built with
func (g *Geometry) Offset() int {
	return g.offset
}

// Polar returns the calibration entry of light index
func (g *Geometry) Polar(index int) Polar {
	return g.table[index]
}

// Direction returns the direction of light index
func (g *Geometry) Direction(index int) r3.Vector {
	return g.dirs[index]
}

// Directions returns a copy of every direction in light order
func (g *Geometry) Directions() []r3.Vector {
	out := make([]r3.Vector, len(g.dirs))
	copy(out, g.dirs)
	return out
}
