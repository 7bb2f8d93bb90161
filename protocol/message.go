package protocol

import (
	"fmt"
)

// all integers on the wire are little-endian u32/i32/f32
// requests carry (message_type, request_id) as the header
// server pushed transaction, new version and new file messages carry only message_type

type MessageType uint32

const (
	MessageTypeTransaction MessageType = 0
	MessageTypeAdd         MessageType = 1
	MessageTypeUpdate      MessageType = 2
	MessageTypeDelete      MessageType = 3
	MessageTypeMove        MessageType = 4
	MessageTypeAttribute   MessageType = 5

	MessageTypeNewVersion MessageType = 10
	MessageTypeNewFile    MessageType = 11

	MessageTypeListAll        MessageType = 20
	MessageTypeListSome       MessageType = 21
	MessageTypeListVisible    MessageType = 22
	MessageTypeSubscribeAll   MessageType = 23
	MessageTypeSubscribeSome  MessageType = 24
	MessageTypeUnsubscribeAll MessageType = 25
	MessageTypeRefacetSome    MessageType = 26
)

func (self MessageType) String() string {
	switch self {
	case MessageTypeTransaction:
		return "transaction"
	case MessageTypeAdd:
		return "add"
	case MessageTypeUpdate:
		return "update"
	case MessageTypeDelete:
		return "delete"
	case MessageTypeMove:
		return "move"
	case MessageTypeAttribute:
		return "attribute"
	case MessageTypeNewVersion:
		return "new_version"
	case MessageTypeNewFile:
		return "new_file"
	case MessageTypeListAll:
		return "list_all"
	case MessageTypeListSome:
		return "list_some"
	case MessageTypeListVisible:
		return "list_visible"
	case MessageTypeSubscribeAll:
		return "subscribe_all"
	case MessageTypeSubscribeSome:
		return "subscribe_some"
	case MessageTypeUnsubscribeAll:
		return "unsubscribe_all"
	case MessageTypeRefacetSome:
		return "refacet_some"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(self))
	}
}

func (self MessageType) IsList() bool {
	switch self {
	case MessageTypeListAll, MessageTypeListSome, MessageTypeListVisible:
		return true
	default:
		return false
	}
}

type ObjectKind uint32

const (
	ObjectKindSolid ObjectKind = 0
	ObjectKindSheet ObjectKind = 1
	ObjectKindWire  ObjectKind = 2
	ObjectKindGroup ObjectKind = 5
	ObjectKindEmpty ObjectKind = 6
)

// solids and sheets are the only kinds that carry geometry arrays
func (self ObjectKind) HasGeometry() bool {
	return self == ObjectKindSolid || self == ObjectKindSheet
}

func (self ObjectKind) String() string {
	switch self {
	case ObjectKindSolid:
		return "solid"
	case ObjectKindSheet:
		return "sheet"
	case ObjectKindWire:
		return "wire"
	case ObjectKindGroup:
		return "group"
	case ObjectKindEmpty:
		return "empty"
	default:
		return fmt.Sprintf("kind(%d)", uint32(self))
	}
}

type FacetShape uint32

const (
	FacetShapeAny    FacetShape = 20500
	FacetShapeCut    FacetShape = 20501
	FacetShapeConvex FacetShape = 20502
)

const StatusOk uint32 = 200

const (
	// bit 0
	FlagHidden uint32 = 1 << 0
	// bit 1
	FlagVisibleInView uint32 = 1 << 1

	DefaultFlags = FlagVisibleInView | 1<<2
)

// hidden if force-hidden is set or visible-in-view is clear
func IsHidden(flags uint32) bool {
	return flags&FlagHidden != 0 || flags&FlagVisibleInView == 0
}

type ObjectRecord struct {
	Kind       ObjectKind
	Id         uint32
	Version    uint32
	ParentId   int32
	MaterialId int32
	Flags      uint32
	Name       string

	// flat xyz
	Vertices []float32
	// flat triangle vertex indices
	Faces []int32
	// flat xyz
	Normals []float32
	Groups  []int32
	FaceIds []int32
}

type Transaction struct {
	Filename string
	Version  uint32
	Delete   []uint32
	Add      []*ObjectRecord
	Update   []*ObjectRecord
}

// add followed by update, the processing order
func (self *Transaction) Objects() []*ObjectRecord {
	objects := make([]*ObjectRecord, 0, len(self.Add)+len(self.Update))
	objects = append(objects, self.Add...)
	objects = append(objects, self.Update...)
	return objects
}

type RefacetItem struct {
	Id      uint32
	Version uint32
	// one entry per loop position; a run of equal values is one polygon
	Membership []int32
	Vertices   []float32
	Indices    []int32
	Normals    []float32
	Groups     []int32
	FaceIds    []int32
}

type FacetSettings struct {
	RelativeToBbox        bool
	CurveChordTolerance   float32
	CurveChordAngle       float32
	SurfacePlaneTolerance float32
	SurfacePlaneAngle     float32
	MatchTopology         bool
	MaxSides              uint32
	PlaneAngle            float32
	MinWidth              float32
	MaxWidth              float32
	CurveChordMax         float32
	Shape                 FacetShape
}

func DefaultFacetSettings() *FacetSettings {
	return &FacetSettings{
		RelativeToBbox:        true,
		CurveChordTolerance:   0.01,
		CurveChordAngle:       0.35,
		SurfacePlaneTolerance: 0.01,
		SurfacePlaneAngle:     0.35,
		MatchTopology:         true,
		MaxSides:              3,
		PlaneAngle:            0,
		MinWidth:              0,
		MaxWidth:              0,
		CurveChordMax:         0,
		Shape:                 FacetShapeCut,
	}
}

// decoded messages

type Message interface {
	MessageType() MessageType
}

// a transaction push or one of the list responses
type TransactionMessage struct {
	Type MessageType
	// list responses only
	RequestId uint32
	// list responses only. transaction pushes are always `StatusOk`
	Code uint32
	// nil when `Code` is not `StatusOk`
	Transaction *Transaction
}

func (self *TransactionMessage) MessageType() MessageType {
	return self.Type
}

type RefacetResponse struct {
	RequestId   uint32
	Code        uint32
	Filename    string
	FileVersion uint32
	Items       []*RefacetItem
}

func (self *RefacetResponse) MessageType() MessageType {
	return MessageTypeRefacetSome
}

type NewVersionMessage struct {
	Filename string
	Version  uint32
}

func (self *NewVersionMessage) MessageType() MessageType {
	return MessageTypeNewVersion
}

type NewFileMessage struct {
	Filename string
}

func (self *NewFileMessage) MessageType() MessageType {
	return MessageTypeNewFile
}

// a message with a type tag this codec does not handle
// the caller should skip it
type UnknownMessage struct {
	Type         MessageType
	MessageBytes []byte
}

func (self *UnknownMessage) MessageType() MessageType {
	return self.Type
}

// decoded client requests

type Request struct {
	Type      MessageType
	RequestId uint32
	// subscribe some, refacet some
	Filename string
	Ids      []uint32
	// refacet some
	Facet *FacetSettings
}
