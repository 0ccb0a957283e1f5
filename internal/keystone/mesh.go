package keystone

// Mesh is a strict extension of the four-corner keystone model: a 9x9 grid
// of control points inscribing the four corners, for a warp finer than a
// single homography can express. It never changes State's matrix()
// contract — the renderer's quad path is untouched; a renderer that wants
// mesh-warp detail samples Mesh.Point in addition to State.Matrix.
//
// Disabled by default (spec.md §9 Open Questions: mesh warp is a strict
// extension, not part of the core renderer contract).
const MeshResolution = 9

type Mesh struct {
	points [MeshResolution][MeshResolution]Point
}

// NewMesh builds a mesh that bilinearly inscribes the given four corners
// (TL, TR, BR, BL order).
func NewMesh(corners [4]Point) *Mesh {
	m := &Mesh{}
	m.Rebuild(corners)
	return m
}

// Rebuild recomputes every grid point as a bilinear interpolation across
// the four corners.
func (m *Mesh) Rebuild(corners [4]Point) {
	tl, tr, br, bl := corners[0], corners[1], corners[2], corners[3]
	const n = MeshResolution - 1
	for row := 0; row < MeshResolution; row++ {
		v := float32(row) / float32(n)
		for col := 0; col < MeshResolution; col++ {
			u := float32(col) / float32(n)
			topPt := lerp(tl, tr, u)
			botPt := lerp(bl, br, u)
			m.points[row][col] = lerp(topPt, botPt, v)
		}
	}
}

// Point returns the mesh control point at (row, col), both in [0,
// MeshResolution).
func (m *Mesh) Point(row, col int) Point {
	return m.points[row][col]
}

func lerp(a, b Point, t float32) Point {
	return Point{
		X: a.X + (b.X-a.X)*t,
		Y: a.Y + (b.Y-a.Y)*t,
	}
}
