package link

import (
	"fmt"
	"strings"

	"github.com/golang/glog"
)

// a triangle's ordered corners are its identity across merges
// positional indices are renumbered by every merge
type polygonKey string

func keyOf(polygon Polygon) polygonKey {
	var b strings.Builder
	for i, v := range polygon {
		if 0 < i {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", v)
	}
	return polygonKey(b.String())
}

type NgonResult struct {
	Merged  int
	Skipped int
	Failed  int
}

// Collapses each merge group of `mesh` back into one polygon. The mesh must
// already be in the scene and the call must be outside any undo scope.
//
// Groups are resolved through corner tuples captured before the first merge,
// and the reverse map is rebuilt from the current polygons before every merge.
// A group whose tuples cannot all be resolved is skipped. A failed merge is
// logged and the remaining groups continue.
func ReconstructNgons(scene Scene, mesh Handle, mergeGroups [][]int) NgonResult {
	result := NgonResult{}
	if len(mergeGroups) == 0 {
		return result
	}

	initial := scene.Polygons(mesh)
	identity := make([]polygonKey, len(initial))
	seen := map[polygonKey]int{}
	for i, polygon := range initial {
		key := keyOf(polygon)
		identity[i] = key
		if j, ok := seen[key]; ok {
			glog.Infof("[ngon]%s polygons %d and %d share corners (%s)\n", mesh, j, i, key)
		} else {
			seen[key] = i
		}
	}

	for g, group := range mergeGroups {
		if len(group) < 2 {
			continue
		}

		// for shared corners the later polygon wins
		current := map[polygonKey]int{}
		for i, polygon := range scene.Polygons(mesh) {
			current[keyOf(polygon)] = i
		}

		indices := make([]int, 0, len(group))
		missing := false
		for _, original := range group {
			if original < 0 || len(identity) <= original {
				missing = true
				break
			}
			i, ok := current[identity[original]]
			if !ok {
				missing = true
				break
			}
			indices = append(indices, i)
		}
		if missing {
			glog.Infof("[ngon]%s skip group %d %v: polygon identity not found\n", mesh, g, group)
			result.Skipped += 1
			continue
		}

		if err := scene.MergePolygons(mesh, indices); err != nil {
			glog.Infof("[ngon]%s merge group %d %v failed = %s\n", mesh, g, group, err)
			result.Failed += 1
			continue
		}
		result.Merged += 1
	}

	glog.V(LogLevelEvents).Infof("[ngon]%s merged %d skipped %d failed %d\n", mesh, result.Merged, result.Skipped, result.Failed)
	return result
}
