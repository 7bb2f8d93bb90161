package link

import (
	"errors"
)

// the host scene is the document the synchronizer writes into
// all methods are called from the consumer only. implementations need not be safe for concurrent use

var ErrUnknownHandle = errors.New("Unknown handle.")
var ErrMergeInUndo = errors.New("Polygon merge cannot run inside an undo scope.")

// host space. y is up
type Vector struct {
	X float32
	Y float32
	Z float32
}

// ordered corner indices into the mesh points
// triangles have three corners. merged n-gons have more
type Polygon []int32

type DecorationKind int

const (
	// smooth shading
	DecorationSmoothing DecorationKind = iota
	// per-corner normals
	DecorationNormals
	// anything the user or another tool attached (materials, selections, ...)
	DecorationUser
)

type Decoration struct {
	Kind DecorationKind
	Name string
	// smoothing angle in radians
	Angle float32
	// per polygon, one normal per corner
	Normals [][]Vector
}

// persistent metadata on a node
type NodeMeta struct {
	// marks a root anchor
	Root     bool
	Id       uint32
	Filename string
	// smoothing group ids
	Groups  []int32
	FaceIds []int32
}

type Scene interface {
	CreateGroup(name string) Handle
	// a new mesh is not in the scene until inserted
	CreateMesh(name string, pointCount int, polygonCount int) Handle

	Resize(mesh Handle, pointCount int, polygonCount int) error
	SetPoint(mesh Handle, i int, point Vector) error
	SetPolygon(mesh Handle, i int, polygon Polygon) error
	Points(mesh Handle) []Vector
	Polygons(mesh Handle) []Polygon

	Decorations(node Handle) []Decoration
	AddDecoration(node Handle, decoration Decoration) error
	// removes decorations matching `match` and returns the count removed
	RemoveDecorations(node Handle, match func(Decoration) bool) int

	// appends `node` as the last child of `parent`. `NoHandle` is the top level
	// an inserted node is first detached from its current parent
	Insert(node Handle, parent Handle) error
	// detaches and destroys `node` and its subtree
	Remove(node Handle) error
	// `NoHandle` for top level nodes and nodes not in the scene
	Parent(node Handle) Handle
	Children(node Handle) []Handle
	TopLevel() []Handle
	// true if the node is inserted in the scene
	Contains(node Handle) bool
	IsGroup(node Handle) bool

	Name(node Handle) string
	SetName(node Handle, name string)
	Visible(node Handle) bool
	SetVisible(node Handle, visible bool)
	Scale(node Handle) float32
	SetScale(node Handle, scale float32)
	Meta(node Handle) (NodeMeta, bool)
	SetMeta(node Handle, meta NodeMeta)

	BeginUndo()
	EndUndo()
	// Collapses the selected polygons into one polygon. Destructive: polygon
	// indices after the merged ones shift. Must be called outside an undo scope.
	MergePolygons(mesh Handle, polygons []int) error

	Selection() []Handle
	// notifies the host that the document changed
	Commit()
}
