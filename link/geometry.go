package link

import (
	"math"

	"github.com/chewxy/math32"
	"github.com/golang/glog"
)

// server space is z-up; host space is y-up
// a server point (x, y, z) is the host point (x, z, y)
// the swap mirrors the mesh so triangle winding is reversed to keep front faces

type MeshGeometry struct {
	Points   []Vector
	Polygons []Polygon
	// per polygon, the server vertex index of each corner. tri mode only
	NormalMap []Polygon
	// groups of polygon indices that were fanned from one server polygon. n-gon mode only
	MergeGroups [][]int
}

func (self *MeshGeometry) Empty() bool {
	return len(self.Polygons) == 0
}

func (self *MeshGeometry) NgonMode() bool {
	return 0 < len(self.MergeGroups)
}

func HostPoint(x float32, y float32, z float32) Vector {
	return Vector{X: x, Y: z, Z: y}
}

// (a, b, c) -> (a, c, b)
func HostTriangle(a int32, b int32, c int32) Polygon {
	return Polygon{a, c, b}
}

// Builds the mesh for an add/update record. `vertices` are flat xyz and already
// deduplicated by the server; `faces` are flat triangle corners.
func BuildTriangleGeometry(vertices []float32, faces []int32) *MeshGeometry {
	vertexCount := len(vertices) / 3
	points := make([]Vector, vertexCount)
	for i := range vertexCount {
		points[i] = HostPoint(vertices[3*i], vertices[3*i+1], vertices[3*i+2])
	}

	triangleCount := len(faces) / 3
	polygons := make([]Polygon, 0, triangleCount)
	normalMap := make([]Polygon, 0, triangleCount)
	skipped := 0
	for i := range triangleCount {
		a, b, c := faces[3*i], faces[3*i+1], faces[3*i+2]
		if !inRange(vertexCount, a, b, c) {
			skipped += 1
			continue
		}
		polygons = append(polygons, HostTriangle(a, b, c))
		normalMap = append(normalMap, HostTriangle(a, b, c))
	}
	if 0 < skipped {
		glog.Infof("[sync]skipped %d triangles with out of range corners (%d vertices)\n", skipped, vertexCount)
	}

	return &MeshGeometry{
		Points:    points,
		Polygons:  polygons,
		NormalMap: normalMap,
	}
}

// Builds the mesh for a refacet item. Vertices are welded at `weldPrecision`
// decimals, each run of equal `membership` values is one polygon loop over
// `indices`, and each loop is fanned from its first corner.
func BuildNgonGeometry(vertices []float32, indices []int32, membership []int32, weldPrecision int) *MeshGeometry {
	vertexCount := len(vertices) / 3

	scale := math.Pow(10, float64(weldPrecision))
	round := func(v float32) float64 {
		return math.Round(float64(v)*scale) / scale
	}
	welded := map[[3]float64]int32{}
	weldMap := make([]int32, vertexCount)
	points := []Vector{}
	for i := range vertexCount {
		x, y, z := vertices[3*i], vertices[3*i+1], vertices[3*i+2]
		key := [3]float64{round(x), round(y), round(z)}
		j, ok := welded[key]
		if !ok {
			j = int32(len(points))
			welded[key] = j
			points = append(points, HostPoint(x, y, z))
		}
		weldMap[i] = j
	}

	n := min(len(indices), len(membership))
	if len(indices) != len(membership) {
		glog.Infof("[ngon]membership length %d does not match index length %d\n", len(membership), len(indices))
	}

	polygons := []Polygon{}
	mergeGroups := [][]int{}
	for start := 0; start < n; {
		end := start + 1
		for end < n && membership[end] == membership[start] {
			end += 1
		}
		loop := indices[start:end]
		start = end

		if len(loop) < 3 {
			continue
		}
		if !inRange(vertexCount, loop...) {
			glog.Infof("[ngon]skipped polygon with out of range corners (%d vertices)\n", vertexCount)
			continue
		}

		group := make([]int, 0, len(loop)-2)
		for t := 0; t < len(loop)-2; t += 1 {
			group = append(group, len(polygons))
			polygons = append(polygons, HostTriangle(
				weldMap[loop[0]],
				weldMap[loop[t+1]],
				weldMap[loop[t+2]],
			))
		}
		if 1 < len(group) {
			mergeGroups = append(mergeGroups, group)
		}
	}

	return &MeshGeometry{
		Points:      points,
		Polygons:    polygons,
		MergeGroups: mergeGroups,
	}
}

// per-corner normals for `normalMap`, remapped to host space and normalized
// a corner with no server normal points up
func CornerNormals(normals []float32, normalMap []Polygon) [][]Vector {
	normalCount := len(normals) / 3
	up := Vector{X: 0, Y: 1, Z: 0}
	cornerNormals := make([][]Vector, len(normalMap))
	for i, corners := range normalMap {
		out := make([]Vector, len(corners))
		for j, v := range corners {
			if 0 <= v && int(v) < normalCount {
				out[j] = normalize(HostPoint(normals[3*v], normals[3*v+1], normals[3*v+2]), up)
			} else {
				out[j] = up
			}
		}
		cornerNormals[i] = out
	}
	return cornerNormals
}

func normalize(v Vector, fallback Vector) Vector {
	length := math32.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
	if length == 0 || math32.IsNaN(length) || math32.IsInf(length, 0) {
		return fallback
	}
	return Vector{X: v.X / length, Y: v.Y / length, Z: v.Z / length}
}

func inRange(vertexCount int, corners ...int32) bool {
	for _, v := range corners {
		if v < 0 || vertexCount <= int(v) {
			return false
		}
	}
	return true
}
