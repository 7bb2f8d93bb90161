package link

import (
	"fmt"
	"slices"
	"sync"
)

type memoryNode struct {
	handle      Handle
	name        string
	group       bool
	parent      Handle
	children    []Handle
	inScene     bool
	visible     bool
	scale       float32
	meta        NodeMeta
	hasMeta     bool
	points      []Vector
	polygons    []Polygon
	decorations []Decoration
}

// An in-memory host scene. Used headless by `linkctl` and by tests.
// The lock only guards against misuse from tests; the synchronizer is single threaded.
type MemoryScene struct {
	stateLock sync.Mutex

	nodes     map[Handle]*memoryNode
	topLevel  []Handle
	selection []Handle
	undoDepth int
	commits   int
}

func NewMemoryScene() *MemoryScene {
	return &MemoryScene{
		nodes:     map[Handle]*memoryNode{},
		topLevel:  []Handle{},
		selection: []Handle{},
	}
}

func (self *MemoryScene) node(handle Handle) (*memoryNode, error) {
	node, ok := self.nodes[handle]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrUnknownHandle, handle)
	}
	return node, nil
}

func (self *MemoryScene) create(name string, group bool) *memoryNode {
	node := &memoryNode{
		handle:      NewHandle(),
		name:        name,
		group:       group,
		children:    []Handle{},
		visible:     true,
		scale:       1,
		points:      []Vector{},
		polygons:    []Polygon{},
		decorations: []Decoration{},
	}
	self.nodes[node.handle] = node
	return node
}

func (self *MemoryScene) CreateGroup(name string) Handle {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.create(name, true).handle
}

func (self *MemoryScene) CreateMesh(name string, pointCount int, polygonCount int) Handle {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	node := self.create(name, false)
	node.points = make([]Vector, pointCount)
	node.polygons = make([]Polygon, polygonCount)
	return node.handle
}

func (self *MemoryScene) Resize(mesh Handle, pointCount int, polygonCount int) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	node, err := self.node(mesh)
	if err != nil {
		return err
	}
	node.points = make([]Vector, pointCount)
	node.polygons = make([]Polygon, polygonCount)
	return nil
}

func (self *MemoryScene) SetPoint(mesh Handle, i int, point Vector) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	node, err := self.node(mesh)
	if err != nil {
		return err
	}
	if i < 0 || len(node.points) <= i {
		return fmt.Errorf("Point index out of range: %d of %d", i, len(node.points))
	}
	node.points[i] = point
	return nil
}

func (self *MemoryScene) SetPolygon(mesh Handle, i int, polygon Polygon) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	node, err := self.node(mesh)
	if err != nil {
		return err
	}
	if i < 0 || len(node.polygons) <= i {
		return fmt.Errorf("Polygon index out of range: %d of %d", i, len(node.polygons))
	}
	node.polygons[i] = slices.Clone(polygon)
	return nil
}

func (self *MemoryScene) Points(mesh Handle) []Vector {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	node, err := self.node(mesh)
	if err != nil {
		return []Vector{}
	}
	return slices.Clone(node.points)
}

func (self *MemoryScene) Polygons(mesh Handle) []Polygon {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	node, err := self.node(mesh)
	if err != nil {
		return []Polygon{}
	}
	polygons := make([]Polygon, len(node.polygons))
	for i, polygon := range node.polygons {
		polygons[i] = slices.Clone(polygon)
	}
	return polygons
}

func (self *MemoryScene) Decorations(handle Handle) []Decoration {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	node, err := self.node(handle)
	if err != nil {
		return []Decoration{}
	}
	return slices.Clone(node.decorations)
}

func (self *MemoryScene) AddDecoration(handle Handle, decoration Decoration) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	node, err := self.node(handle)
	if err != nil {
		return err
	}
	node.decorations = append(node.decorations, decoration)
	return nil
}

func (self *MemoryScene) RemoveDecorations(handle Handle, match func(Decoration) bool) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	node, err := self.node(handle)
	if err != nil {
		return 0
	}
	n := len(node.decorations)
	node.decorations = slices.DeleteFunc(node.decorations, match)
	return n - len(node.decorations)
}

func (self *MemoryScene) detach(node *memoryNode) {
	if !node.inScene {
		return
	}
	if node.parent.IsZero() {
		self.topLevel = slices.DeleteFunc(self.topLevel, func(h Handle) bool {
			return h == node.handle
		})
	} else if parent, ok := self.nodes[node.parent]; ok {
		parent.children = slices.DeleteFunc(parent.children, func(h Handle) bool {
			return h == node.handle
		})
	}
	node.parent = NoHandle
	node.inScene = false
}

func (self *MemoryScene) Insert(handle Handle, parent Handle) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	node, err := self.node(handle)
	if err != nil {
		return err
	}
	if parent.IsZero() {
		self.detach(node)
		self.topLevel = append(self.topLevel, handle)
		node.inScene = true
		return nil
	}
	parentNode, err := self.node(parent)
	if err != nil {
		return err
	}
	if !parentNode.inScene {
		return fmt.Errorf("Parent %s is not in the scene.", parent)
	}
	// a node cannot be inserted under itself or its own subtree
	for h := parent; !h.IsZero(); h = self.nodes[h].parent {
		if h == handle {
			return fmt.Errorf("Cannot insert %s under its own subtree.", handle)
		}
	}
	self.detach(node)
	parentNode.children = append(parentNode.children, handle)
	node.parent = parent
	node.inScene = true
	return nil
}

func (self *MemoryScene) Remove(handle Handle) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	node, err := self.node(handle)
	if err != nil {
		return err
	}
	self.detach(node)
	self.destroy(node)
	return nil
}

func (self *MemoryScene) destroy(node *memoryNode) {
	for _, child := range node.children {
		if childNode, ok := self.nodes[child]; ok {
			self.destroy(childNode)
		}
	}
	delete(self.nodes, node.handle)
	self.selection = slices.DeleteFunc(self.selection, func(h Handle) bool {
		return h == node.handle
	})
}

func (self *MemoryScene) Parent(handle Handle) Handle {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	node, err := self.node(handle)
	if err != nil {
		return NoHandle
	}
	return node.parent
}

func (self *MemoryScene) Children(handle Handle) []Handle {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	node, err := self.node(handle)
	if err != nil {
		return []Handle{}
	}
	return slices.Clone(node.children)
}

func (self *MemoryScene) TopLevel() []Handle {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.topLevel)
}

func (self *MemoryScene) Contains(handle Handle) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	node, err := self.node(handle)
	if err != nil {
		return false
	}
	return node.inScene
}

func (self *MemoryScene) IsGroup(handle Handle) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	node, err := self.node(handle)
	if err != nil {
		return false
	}
	return node.group
}

func (self *MemoryScene) Name(handle Handle) string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	node, err := self.node(handle)
	if err != nil {
		return ""
	}
	return node.name
}

func (self *MemoryScene) SetName(handle Handle, name string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if node, err := self.node(handle); err == nil {
		node.name = name
	}
}

func (self *MemoryScene) Visible(handle Handle) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	node, err := self.node(handle)
	if err != nil {
		return false
	}
	return node.visible
}

func (self *MemoryScene) SetVisible(handle Handle, visible bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if node, err := self.node(handle); err == nil {
		node.visible = visible
	}
}

func (self *MemoryScene) Scale(handle Handle) float32 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	node, err := self.node(handle)
	if err != nil {
		return 0
	}
	return node.scale
}

func (self *MemoryScene) SetScale(handle Handle, scale float32) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if node, err := self.node(handle); err == nil {
		node.scale = scale
	}
}

func (self *MemoryScene) Meta(handle Handle) (NodeMeta, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	node, err := self.node(handle)
	if err != nil || !node.hasMeta {
		return NodeMeta{}, false
	}
	return node.meta, true
}

func (self *MemoryScene) SetMeta(handle Handle, meta NodeMeta) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if node, err := self.node(handle); err == nil {
		meta.Groups = slices.Clone(meta.Groups)
		meta.FaceIds = slices.Clone(meta.FaceIds)
		node.meta = meta
		node.hasMeta = true
	}
}

func (self *MemoryScene) BeginUndo() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.undoDepth += 1
}

func (self *MemoryScene) EndUndo() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if 0 < self.undoDepth {
		self.undoDepth -= 1
	}
}

// The selected polygons must form one connected region with a single boundary
// loop. The merged polygon takes the lowest selected index; the others are
// removed and every later polygon shifts down.
func (self *MemoryScene) MergePolygons(mesh Handle, polygons []int) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if 0 < self.undoDepth {
		return ErrMergeInUndo
	}
	node, err := self.node(mesh)
	if err != nil {
		return err
	}
	if len(polygons) < 2 {
		return fmt.Errorf("Merge needs at least 2 polygons, got %d.", len(polygons))
	}
	selected := slices.Clone(polygons)
	slices.Sort(selected)
	selected = slices.Compact(selected)
	for _, i := range selected {
		if i < 0 || len(node.polygons) <= i {
			return fmt.Errorf("Polygon index out of range: %d of %d", i, len(node.polygons))
		}
	}

	loop, err := boundaryLoop(node.polygons, selected)
	if err != nil {
		return err
	}

	merged := make([]Polygon, 0, len(node.polygons)-len(selected)+1)
	for i, polygon := range node.polygons {
		if i == selected[0] {
			merged = append(merged, loop)
		} else if _, found := slices.BinarySearch(selected, i); !found {
			merged = append(merged, polygon)
		}
	}
	node.polygons = merged
	return nil
}

type directedEdge struct {
	from int32
	to   int32
}

// walks the directed edges that are not shared with an opposite edge
// the walk starts at the first corner of the first selected polygon
func boundaryLoop(polygons []Polygon, selected []int) (Polygon, error) {
	edges := map[directedEdge]bool{}
	for _, i := range selected {
		polygon := polygons[i]
		for j := range polygon {
			edges[directedEdge{polygon[j], polygon[(j+1)%len(polygon)]}] = true
		}
	}
	next := map[int32]int32{}
	for edge := range edges {
		if edges[directedEdge{edge.to, edge.from}] {
			// interior
			continue
		}
		if _, ok := next[edge.from]; ok {
			return nil, fmt.Errorf("Selection boundary is not a simple loop at vertex %d.", edge.from)
		}
		next[edge.from] = edge.to
	}
	if len(next) < 3 {
		return nil, fmt.Errorf("Selection has no boundary loop.")
	}

	start := polygons[selected[0]][0]
	if _, ok := next[start]; !ok {
		return nil, fmt.Errorf("Selection boundary does not pass through vertex %d.", start)
	}
	loop := Polygon{start}
	for v := next[start]; v != start; v = next[v] {
		if len(next) < len(loop) {
			return nil, fmt.Errorf("Selection boundary does not close.")
		}
		loop = append(loop, v)
	}
	if len(loop) != len(next) {
		return nil, fmt.Errorf("Selection is not one connected region (%d of %d boundary edges).", len(loop), len(next))
	}
	return loop, nil
}

func (self *MemoryScene) Selection() []Handle {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.selection)
}

func (self *MemoryScene) Select(handles ...Handle) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.selection = slices.Clone(handles)
}

func (self *MemoryScene) Commit() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.commits += 1
}

func (self *MemoryScene) CommitCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.commits
}

// total nodes created and not removed, inserted or not
func (self *MemoryScene) NodeCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.nodes)
}
