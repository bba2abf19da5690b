// Package cube addresses cells of the 3D cube lattice and the neighbor
// relation used for level propagation.
package cube

import (
	"fmt"

	"cubestream.ai/internal/sim/mathx"
)

// Size is the edge length of a cube in blocks.
const Size = 16

const (
	xzBits = 22
	yBits  = 20

	xzMask = 1<<xzBits - 1
	yMask  = 1<<yBits - 1

	zShift = yBits
	xShift = yBits + xzBits

	MinXZ = -(1 << (xzBits - 1))
	MaxXZ = 1<<(xzBits-1) - 1
	MinY  = -(1 << (yBits - 1))
	MaxY  = 1<<(yBits-1) - 1
)

// Pos is a packed cube coordinate: x and z take 22 signed bits each, y takes 20.
// The zero value is cube (0,0,0).
type Pos int64

// InRange reports whether (x,y,z) can be packed into a Pos.
func InRange(x, y, z int) bool {
	return x >= MinXZ && x <= MaxXZ && z >= MinXZ && z <= MaxXZ && y >= MinY && y <= MaxY
}

// Pack panics when a coordinate does not fit; callers validate external input with InRange.
func Pack(x, y, z int) Pos {
	if !InRange(x, y, z) {
		panic(fmt.Sprintf("cube: coordinate out of range: (%d,%d,%d)", x, y, z))
	}
	u := uint64(x&xzMask)<<xShift | uint64(z&xzMask)<<zShift | uint64(y&yMask)
	return Pos(int64(u))
}

// FromBlock returns the cube containing the block at (bx,by,bz).
func FromBlock(bx, by, bz int) Pos {
	return Pack(mathx.FloorDiv(bx, Size), mathx.FloorDiv(by, Size), mathx.FloorDiv(bz, Size))
}

func (p Pos) X() int { return int(int64(p) >> xShift) }
func (p Pos) Z() int { return int(int64(p) << xzBits >> (xzBits + yBits)) }
func (p Pos) Y() int { return int(int64(p) << (xzBits + xzBits) >> (xzBits + xzBits)) }

// Coords returns [x, y, z].
func (p Pos) Coords() [3]int { return [3]int{p.X(), p.Y(), p.Z()} }

func (p Pos) Offset(dx, dy, dz int) Pos { return Pack(p.X()+dx, p.Y()+dy, p.Z()+dz) }

func (p Pos) String() string { return fmt.Sprintf("(%d,%d,%d)", p.X(), p.Y(), p.Z()) }

// FromCoords is the inverse of Coords.
func FromCoords(c [3]int) Pos { return Pack(c[0], c[1], c[2]) }

// Box is an inclusive axis-aligned range of cubes.
type Box struct {
	Min [3]int `json:"min" yaml:"min"`
	Max [3]int `json:"max" yaml:"max"`
}

// BoxAround returns the cubes within Chebyshev distance r of c.
func BoxAround(c Pos, r int) Box {
	x, y, z := c.X(), c.Y(), c.Z()
	return Box{
		Min: [3]int{x - r, y - r, z - r},
		Max: [3]int{x + r, y + r, z + r},
	}
}

func (b Box) Valid() bool {
	return b.Min[0] <= b.Max[0] && b.Min[1] <= b.Max[1] && b.Min[2] <= b.Max[2] &&
		InRange(b.Min[0], b.Min[1], b.Min[2]) && InRange(b.Max[0], b.Max[1], b.Max[2])
}

func (b Box) Contains(p Pos) bool {
	x, y, z := p.X(), p.Y(), p.Z()
	return x >= b.Min[0] && x <= b.Max[0] &&
		y >= b.Min[1] && y <= b.Max[1] &&
		z >= b.Min[2] && z <= b.Max[2]
}

// Volume is the number of cubes inside the box.
func (b Box) Volume() int {
	if !b.Valid() {
		return 0
	}
	return (b.Max[0] - b.Min[0] + 1) * (b.Max[1] - b.Min[1] + 1) * (b.Max[2] - b.Min[2] + 1)
}

// Each visits every cube of the box in x, then z, then y order.
func (b Box) Each(fn func(Pos)) {
	for y := b.Min[1]; y <= b.Max[1]; y++ {
		for z := b.Min[2]; z <= b.Max[2]; z++ {
			for x := b.Min[0]; x <= b.Max[0]; x++ {
				fn(Pack(x, y, z))
			}
		}
	}
}
