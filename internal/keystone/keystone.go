// Package keystone implements four-corner perspective correction for a
// single video stream: normalized corner positions, the homography solve
// that maps the unit quad onto them, and a cached 4x4 matrix for shader
// binding.
package keystone

import "math"

// Corner identifies one of the four movable points of a keystone quad, in
// TL, TR, BR, BL order.
type Corner int

const (
	TopLeft Corner = iota
	TopRight
	BottomRight
	BottomLeft
	numCorners
)

// None is the sentinel "no corner selected" value.
const None Corner = -1

// Point is a normalized display-space coordinate, -1..+1 with Y up.
type Point struct {
	X, Y float32
}

// State holds one stream's keystone configuration: the four corners, which
// one (if any) is selected for editing, visibility flags for the editing
// overlay, the nudge step size, and a lazily-recomputed 4x4 matrix.
type State struct {
	corners  [numCorners]Point
	selected Corner

	ShowCorners bool
	ShowBorder  bool
	ShowHelp    bool

	Step float32 // per-press nudge magnitude, in normalized units

	matrix [16]float32
	dirty  bool
}

const (
	defaultStep    = 0.02
	minStep        = 0.002
	maxStep        = 0.2
	stepMultiplier = 1.5
)

// New returns an identity (full-screen quad) keystone state.
func New() *State {
	s := &State{selected: None, Step: defaultStep}
	s.Reset()
	return s
}

// Reset restores the identity corners (full-screen quad) and marks the
// matrix dirty.
func (s *State) Reset() {
	s.corners = [numCorners]Point{
		TopLeft:     {-1, 1},
		TopRight:    {1, 1},
		BottomRight: {1, -1},
		BottomLeft:  {-1, -1},
	}
	s.dirty = true
}

// SetInset configures the corners as a centered rectangle inset by margin
// (0..1, fraction of the full extent) from the identity quad. Used once to
// place a secondary stream inside the primary.
func (s *State) SetInset(margin float32) {
	if margin < 0 {
		margin = 0
	}
	if margin > 0.49 {
		margin = 0.49
	}
	x := 1 - 2*margin
	y := 1 - 2*margin
	s.corners = [numCorners]Point{
		TopLeft:     {-x, y},
		TopRight:    {x, y},
		BottomRight: {x, -y},
		BottomLeft:  {-x, -y},
	}
	s.dirty = true
}

// Corners returns the current four corners in TL, TR, BR, BL order.
func (s *State) Corners() [4]Point {
	return [4]Point{s.corners[TopLeft], s.corners[TopRight], s.corners[BottomRight], s.corners[BottomLeft]}
}

// SetCorners installs corners directly (used when loading from config).
// If the loaded state is corrupt (see Valid), it resets to identity
// instead of accepting the bad data.
func (s *State) SetCorners(c [4]Point) {
	s.corners = [numCorners]Point{c[0], c[1], c[2], c[3]}
	if !s.Valid() {
		s.Reset()
		return
	}
	s.dirty = true
}

// Select sets the corner index under edit (None to deselect). Out-of-range
// indices are treated as None.
func (s *State) Select(i Corner) {
	if i < TopLeft || i >= numCorners {
		s.selected = None
		return
	}
	s.selected = i
}

// Selected returns the currently selected corner, or None.
func (s *State) Selected() Corner {
	return s.selected
}

// Nudge moves the selected corner by (dx, dy) * Step * speedScale. No-op if
// no corner is selected.
func (s *State) Nudge(dx, dy, speedScale float32) {
	if s.selected == None {
		return
	}
	c := s.corners[s.selected]
	c.X += dx * s.Step * speedScale
	c.Y += dy * s.Step * speedScale
	c.X = clamp(c.X, -1.5, 1.5)
	c.Y = clamp(c.Y, -1.5, 1.5)
	s.corners[s.selected] = c
	s.dirty = true
}

// StepUp increases the nudge step size.
func (s *State) StepUp() {
	s.Step = clamp(s.Step*stepMultiplier, minStep, maxStep)
}

// StepDown decreases the nudge step size.
func (s *State) StepDown() {
	s.Step = clamp(s.Step/stepMultiplier, minStep, maxStep)
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Valid reports whether the current corners form a non-degenerate polygon:
// no two corners coincide, the signed area is non-zero, and the quad has
// not been sign-inverted (TL.y must be >= BR.y in normal, non-upside-down
// orientation).
func (s *State) Valid() bool {
	c := s.corners
	for i := 0; i < int(numCorners); i++ {
		for j := i + 1; j < int(numCorners); j++ {
			if c[i] == c[j] {
				return false
			}
		}
	}
	if signedArea(c[:]) == 0 {
		return false
	}
	if c[TopLeft].Y < c[BottomRight].Y {
		return false
	}
	return true
}

func signedArea(c []Point) float64 {
	var area float64
	n := len(c)
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		area += float64(c[i].X)*float64(c[j].Y) - float64(c[j].X)*float64(c[i].Y)
	}
	return area / 2
}

// Matrix returns the cached 4x4 (column-major) perspective matrix mapping
// the unit square (+-1,+-1) onto the current corners, recomputing it first
// if any corner has moved since the last call.
func (s *State) Matrix() [16]float32 {
	if s.dirty {
		s.matrix = computeHomographyMatrix(s.corners)
		s.dirty = false
	}
	return s.matrix
}

// computeHomographyMatrix solves the 8-DoF planar homography that sends
// the unit square corners (-1,1) (1,1) (1,-1) (-1,-1) [TL TR BR BL] to the
// given destination corners, and embeds the resulting 3x3 projective
// matrix into a 4x4 matrix suitable for a vertex shader (acting on x,y; z
// passes through, w carries the perspective divide).
func computeHomographyMatrix(dst [numCorners]Point) [16]float32 {
	src := [4]Point{{-1, 1}, {1, 1}, {1, -1}, {-1, -1}}
	h := solveHomography(src, [4]Point{dst[TopLeft], dst[TopRight], dst[BottomRight], dst[BottomLeft]})

	// h is row-major 3x3: [h0 h1 h2; h3 h4 h5; h6 h7 h8], mapping
	// [x y 1]^T -> [x' y' w']^T (homogeneous).
	//
	// Embed into a column-major 4x4 acting on (x, y, z, 1):
	//   x' = h0*x + h1*y + h2
	//   y' = h3*x + h4*y + h5
	//   z' = z
	//   w' = h6*x + h7*y + h8
	var m [16]float32
	m[0] = float32(h[0])
	m[4] = float32(h[1])
	m[8] = 0
	m[12] = float32(h[2])

	m[1] = float32(h[3])
	m[5] = float32(h[4])
	m[9] = 0
	m[13] = float32(h[5])

	m[2] = 0
	m[6] = 0
	m[10] = 1
	m[14] = 0

	m[3] = float32(h[6])
	m[7] = float32(h[7])
	m[11] = 0
	m[15] = float32(h[8])
	return m
}

// solveHomography computes the 3x3 projective transform (row-major, 9
// values, h8 normalized to 1 when possible) mapping src[i] -> dst[i] for
// four point correspondences, via the standard 8x8 linear system.
func solveHomography(src, dst [4]Point) [9]float64 {
	var a [8][9]float64 // augmented 8x8 system [A | b]
	for i := 0; i < 4; i++ {
		sx, sy := float64(src[i].X), float64(src[i].Y)
		dx, dy := float64(dst[i].X), float64(dst[i].Y)

		r := 2 * i
		a[r] = [9]float64{sx, sy, 1, 0, 0, 0, -dx * sx, -dx * sy, dx}
		a[r+1] = [9]float64{0, 0, 0, sx, sy, 1, -dy * sx, -dy * sy, dy}
	}

	x := gaussianSolve(a)
	return [9]float64{x[0], x[1], x[2], x[3], x[4], x[5], x[6], x[7], 1}
}

// gaussianSolve solves an 8x8 linear system given as an 8x9 augmented
// matrix (each row: 8 coefficients + 1 RHS value) via Gaussian elimination
// with partial pivoting. Returns the 8-element solution vector.
func gaussianSolve(a [8][9]float64) [8]float64 {
	const n = 8
	for col := 0; col < n; col++ {
		pivot := col
		best := math.Abs(a[col][col])
		for r := col + 1; r < n; r++ {
			if v := math.Abs(a[r][col]); v > best {
				best = v
				pivot = r
			}
		}
		a[col], a[pivot] = a[pivot], a[col]

		pv := a[col][col]
		if pv == 0 {
			continue // degenerate; caller is responsible for Valid() checks upstream
		}
		for c := col; c < n+1; c++ {
			a[col][c] /= pv
		}
		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			factor := a[r][col]
			if factor == 0 {
				continue
			}
			for c := col; c < n+1; c++ {
				a[r][c] -= factor * a[col][c]
			}
		}
	}

	var x [8]float64
	for i := 0; i < n; i++ {
		x[i] = a[i][n]
	}
	return x
}
