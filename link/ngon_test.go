package link

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

// distinct points along a line, in server space
func testVertices(n int) []float32 {
	vertices := make([]float32, 0, 3*n)
	for i := range n {
		vertices = append(vertices, float32(i), float32(i*i), 0)
	}
	return vertices
}

func testMeshFromGeometry(t *testing.T, scene *MemoryScene, geometry *MeshGeometry) Handle {
	mesh := scene.CreateMesh("mesh", len(geometry.Points), len(geometry.Polygons))
	for i, point := range geometry.Points {
		assert.Equal(t, nil, scene.SetPoint(mesh, i, point))
	}
	for i, polygon := range geometry.Polygons {
		assert.Equal(t, nil, scene.SetPolygon(mesh, i, polygon))
	}
	assert.Equal(t, nil, scene.Insert(mesh, NoHandle))
	return mesh
}

func TestReconstructPentagon(t *testing.T) {
	scene := NewMemoryScene()
	geometry := BuildNgonGeometry(
		testVertices(5),
		[]int32{0, 1, 2, 3, 4},
		[]int32{3, 3, 3, 3, 3},
		7,
	)
	assert.Equal(t, 3, len(geometry.Polygons))
	assert.Equal(t, [][]int{{0, 1, 2}}, geometry.MergeGroups)

	mesh := testMeshFromGeometry(t, scene, geometry)
	result := ReconstructNgons(scene, mesh, geometry.MergeGroups)
	assert.Equal(t, NgonResult{Merged: 1}, result)

	// the source loop 0 1 2 3 4 in host winding
	assert.Equal(t, []Polygon{{0, 4, 3, 2, 1}}, scene.Polygons(mesh))
	assert.Equal(t, 5, len(scene.Points(mesh)))
}

func TestReconstructInterleavedGroups(t *testing.T) {
	scene := NewMemoryScene()
	geometry := BuildNgonGeometry(
		testVertices(14),
		[]int32{
			// pentagon
			0, 1, 2, 3, 4,
			// triangle that is not merged
			0, 5, 10,
			// pentagon
			5, 6, 7, 8, 9,
			// quad
			10, 11, 12, 13,
		},
		[]int32{
			1, 1, 1, 1, 1,
			2, 2, 2,
			3, 3, 3, 3, 3,
			4, 4, 4, 4,
		},
		7,
	)
	assert.Equal(t, [][]int{{0, 1, 2}, {4, 5, 6}, {7, 8}}, geometry.MergeGroups)

	mesh := testMeshFromGeometry(t, scene, geometry)
	result := ReconstructNgons(scene, mesh, geometry.MergeGroups)
	assert.Equal(t, NgonResult{Merged: 3}, result)

	assert.Equal(t, []Polygon{
		{0, 4, 3, 2, 1},
		{0, 10, 5},
		{5, 9, 8, 7, 6},
		{10, 13, 12, 11},
	}, scene.Polygons(mesh))
}

func TestReconstructInUndoFails(t *testing.T) {
	scene := NewMemoryScene()
	geometry := BuildNgonGeometry(
		testVertices(5),
		[]int32{0, 1, 2, 3, 4},
		[]int32{0, 0, 0, 0, 0},
		7,
	)
	mesh := testMeshFromGeometry(t, scene, geometry)

	scene.BeginUndo()
	result := ReconstructNgons(scene, mesh, geometry.MergeGroups)
	scene.EndUndo()
	assert.Equal(t, NgonResult{Failed: 1}, result)
	assert.Equal(t, geometry.Polygons, scene.Polygons(mesh))

	// outside the scope the same groups merge
	result = ReconstructNgons(scene, mesh, geometry.MergeGroups)
	assert.Equal(t, NgonResult{Merged: 1}, result)
}

func TestReconstructSkipsUnresolvedGroup(t *testing.T) {
	scene := NewMemoryScene()
	geometry := BuildNgonGeometry(
		testVertices(5),
		[]int32{0, 1, 2, 3, 4},
		[]int32{0, 0, 0, 0, 0},
		7,
	)
	mesh := testMeshFromGeometry(t, scene, geometry)

	mergeGroups := [][]int{
		// no polygon 7
		{1, 7},
		{0, 1, 2},
		// already merged away
		{0, 1},
	}
	result := ReconstructNgons(scene, mesh, mergeGroups)
	assert.Equal(t, NgonResult{Merged: 1, Skipped: 2}, result)
	assert.Equal(t, []Polygon{{0, 4, 3, 2, 1}}, scene.Polygons(mesh))
}

func TestReconstructSharedCorners(t *testing.T) {
	scene := NewMemoryScene()
	mesh := scene.CreateMesh("mesh", 4, 3)
	scene.SetPolygon(mesh, 0, Polygon{0, 1, 2})
	scene.SetPolygon(mesh, 1, Polygon{0, 1, 2})
	scene.SetPolygon(mesh, 2, Polygon{0, 2, 3})
	assert.Equal(t, nil, scene.Insert(mesh, NoHandle))

	// polygon 0 resolves to the later polygon with the same corners
	result := ReconstructNgons(scene, mesh, [][]int{{0, 2}})
	assert.Equal(t, NgonResult{Merged: 1}, result)
	assert.Equal(t, []Polygon{{0, 1, 2}, {0, 1, 2, 3}}, scene.Polygons(mesh))
}
