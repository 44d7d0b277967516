// Package pupil models the segmented GMT entrance pupil on a fixed
// cartesian grid. The mask assigns every grid point to one of the seven
// mirror segments (or to the unilluminated background) and is the common
// geometric support for modal bases, wavefronts and the propagator.
package pupil

import "math"

const (
	// NSegments is the number of primary mirror segments: one central
	// segment surrounded by six outer segments.
	NSegments = 7

	// SegmentDiameter is the clear aperture of one segment in meters.
	SegmentDiameter = 8.365

	// SegmentRingRadius is the distance from the pupil center to the
	// center of each outer segment in meters.
	SegmentRingRadius = 8.710

	// Diameter is the full pupil extent in meters.
	Diameter = 25.5
)

// Mask is a segmented pupil sampled on an N×N grid spanning the full
// pupil diameter. Segment[i] holds the 1-based segment id of grid point i
// (row-major), or 0 for points outside every segment. Immutable after
// construction.
type Mask struct {
	N       int
	Dx      float64 // grid spacing in meters
	Segment []uint8
	area    int
}

// NewGMTMask builds the seven-segment GMT pupil mask on an n×n grid.
// Segments are modeled as circular apertures: segment 1 at the center,
// segments 2-7 on a ring at 60° spacing starting from +x.
func NewGMTMask(n int) *Mask {
	m := &Mask{
		N:       n,
		Dx:      Diameter / float64(n),
		Segment: make([]uint8, n*n),
	}

	type center struct{ x, y float64 }
	centers := make([]center, 0, NSegments)
	centers = append(centers, center{0, 0})
	for k := 0; k < 6; k++ {
		theta := float64(k) * math.Pi / 3
		centers = append(centers, center{
			x: SegmentRingRadius * math.Cos(theta),
			y: SegmentRingRadius * math.Sin(theta),
		})
	}

	r2 := (SegmentDiameter / 2) * (SegmentDiameter / 2)
	half := Diameter / 2
	for row := 0; row < n; row++ {
		y := -half + (float64(row)+0.5)*m.Dx
		for col := 0; col < n; col++ {
			x := -half + (float64(col)+0.5)*m.Dx
			for id, c := range centers {
				dx := x - c.x
				dy := y - c.y
				if dx*dx+dy*dy <= r2 {
					m.Segment[row*n+col] = uint8(id + 1)
					m.area++
					break
				}
			}
		}
	}

	return m
}

// Area returns the number of illuminated grid points.
func (m *Mask) Area() int {
	return m.area
}

// Inside reports whether grid point i is inside the pupil support.
func (m *Mask) Inside(i int) bool {
	return m.Segment[i] != 0
}

// Coord returns the physical (x, y) position of grid point i in meters,
// measured from the pupil center.
func (m *Mask) Coord(i int) (x, y float64) {
	row := i / m.N
	col := i % m.N
	half := Diameter / 2
	return -half + (float64(col)+0.5)*m.Dx, -half + (float64(row)+0.5)*m.Dx
}

// SegmentCenter returns the center of the given 1-based segment id in
// meters. Panics on an invalid id; callers validate ids against the
// modal basis before reaching geometry code.
func SegmentCenter(id int) (x, y float64) {
	if id == 1 {
		return 0, 0
	}
	theta := float64(id-2) * math.Pi / 3
	return SegmentRingRadius * math.Cos(theta), SegmentRingRadius * math.Sin(theta)
}
