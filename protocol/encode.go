package protocol

import (
	"encoding/binary"
	"math"
)

// little-endian append buffer
type writer struct {
	b []byte
}

func newWriter(capacity int) *writer {
	return &writer{
		b: make([]byte, 0, capacity),
	}
}

func (self *writer) Bytes() []byte {
	return self.b
}

func (self *writer) u32(v uint32) {
	self.b = binary.LittleEndian.AppendUint32(self.b, v)
}

func (self *writer) i32(v int32) {
	self.u32(uint32(v))
}

func (self *writer) f32(v float32) {
	self.u32(math.Float32bits(v))
}

func (self *writer) bool32(v bool) {
	if v {
		self.u32(1)
	} else {
		self.u32(0)
	}
}

// length prefix, utf-8 bytes, zero padding to the next 4-byte boundary
func (self *writer) string(s string) {
	self.u32(uint32(len(s)))
	self.b = append(self.b, s...)
	for range padding(len(s)) {
		self.b = append(self.b, 0)
	}
}

func (self *writer) u32s(values []uint32) {
	for _, v := range values {
		self.u32(v)
	}
}

func (self *writer) i32s(values []int32) {
	for _, v := range values {
		self.i32(v)
	}
}

func (self *writer) f32s(values []float32) {
	for _, v := range values {
		self.f32(v)
	}
}

func padding(n int) int {
	return (4 - n%4) % 4
}

func header(messageType MessageType, requestId uint32) *writer {
	w := newWriter(64)
	w.u32(uint32(messageType))
	w.u32(requestId)
	return w
}

// client requests

func EncodeListAll(requestId uint32) []byte {
	return header(MessageTypeListAll, requestId).Bytes()
}

func EncodeListVisible(requestId uint32) []byte {
	return header(MessageTypeListVisible, requestId).Bytes()
}

func EncodeSubscribeAll(requestId uint32) []byte {
	return header(MessageTypeSubscribeAll, requestId).Bytes()
}

func EncodeUnsubscribeAll(requestId uint32) []byte {
	return header(MessageTypeUnsubscribeAll, requestId).Bytes()
}

func EncodeSubscribeSome(requestId uint32, filename string, ids []uint32) []byte {
	w := header(MessageTypeSubscribeSome, requestId)
	w.string(filename)
	w.u32(uint32(len(ids)))
	w.u32s(ids)
	return w.Bytes()
}

func EncodeRefacetSome(requestId uint32, filename string, ids []uint32, facet *FacetSettings) []byte {
	if facet == nil {
		facet = DefaultFacetSettings()
	}
	w := header(MessageTypeRefacetSome, requestId)
	w.string(filename)
	w.u32(uint32(len(ids)))
	w.u32s(ids)
	w.bool32(facet.RelativeToBbox)
	w.f32(facet.CurveChordTolerance)
	w.f32(facet.CurveChordAngle)
	w.f32(facet.SurfacePlaneTolerance)
	w.f32(facet.SurfacePlaneAngle)
	w.bool32(facet.MatchTopology)
	w.u32(facet.MaxSides)
	w.f32(facet.PlaneAngle)
	w.f32(facet.MinWidth)
	w.f32(facet.MaxWidth)
	w.f32(facet.CurveChordMax)
	w.u32(uint32(facet.Shape))
	return w.Bytes()
}

// server messages
// these mirror what the cad server sends and are used for mock servers and captures

func EncodeTransaction(transaction *Transaction) []byte {
	w := newWriter(256)
	w.u32(uint32(MessageTypeTransaction))
	writeTransaction(w, transaction)
	return w.Bytes()
}

// `listType` is one of the list message types
func EncodeListResponse(listType MessageType, requestId uint32, code uint32, transaction *Transaction) []byte {
	w := header(listType, requestId)
	w.u32(code)
	if code == StatusOk {
		writeTransaction(w, transaction)
	}
	return w.Bytes()
}

func EncodeRefacetResponse(response *RefacetResponse) []byte {
	w := header(MessageTypeRefacetSome, response.RequestId)
	w.u32(response.Code)
	if response.Code != StatusOk {
		return w.Bytes()
	}
	w.string(response.Filename)
	w.u32(response.FileVersion)
	w.u32(uint32(len(response.Items)))
	for _, item := range response.Items {
		w.u32(item.Id)
		w.u32(item.Version)
		w.u32(uint32(len(item.Membership)))
		w.i32s(item.Membership)
		w.u32(uint32(len(item.Vertices)))
		w.f32s(item.Vertices)
		w.u32(uint32(len(item.Indices)))
		w.i32s(item.Indices)
		w.u32(uint32(len(item.Normals)))
		w.f32s(item.Normals)
		w.u32(uint32(len(item.Groups)))
		w.i32s(item.Groups)
		w.u32(uint32(len(item.FaceIds)))
		w.i32s(item.FaceIds)
	}
	return w.Bytes()
}

func EncodeNewVersion(filename string, version uint32) []byte {
	w := newWriter(32)
	w.u32(uint32(MessageTypeNewVersion))
	w.string(filename)
	w.u32(version)
	return w.Bytes()
}

func EncodeNewFile(filename string) []byte {
	w := newWriter(32)
	w.u32(uint32(MessageTypeNewFile))
	w.string(filename)
	return w.Bytes()
}

func writeTransaction(w *writer, transaction *Transaction) {
	w.string(transaction.Filename)
	w.u32(transaction.Version)

	subMessages := [][]byte{}
	if 0 < len(transaction.Delete) {
		sub := newWriter(8 + 4*len(transaction.Delete))
		sub.u32(uint32(MessageTypeDelete))
		sub.u32(uint32(len(transaction.Delete)))
		sub.u32s(transaction.Delete)
		subMessages = append(subMessages, sub.Bytes())
	}
	if 0 < len(transaction.Add) {
		subMessages = append(subMessages, encodeObjects(MessageTypeAdd, transaction.Add))
	}
	if 0 < len(transaction.Update) {
		subMessages = append(subMessages, encodeObjects(MessageTypeUpdate, transaction.Update))
	}

	w.u32(uint32(len(subMessages)))
	for _, subMessage := range subMessages {
		w.u32(uint32(len(subMessage)))
		w.b = append(w.b, subMessage...)
	}
}

func encodeObjects(messageType MessageType, objects []*ObjectRecord) []byte {
	w := newWriter(256)
	w.u32(uint32(messageType))
	w.u32(uint32(len(objects)))
	for _, object := range objects {
		writeObject(w, object)
	}
	return w.Bytes()
}

func writeObject(w *writer, object *ObjectRecord) {
	w.u32(uint32(object.Kind))
	w.u32(object.Id)
	w.u32(object.Version)
	w.i32(object.ParentId)
	w.i32(object.MaterialId)
	w.u32(object.Flags)
	w.string(object.Name)
	if !object.Kind.HasGeometry() {
		return
	}
	// vertices, faces and normals are counted in triples
	w.u32(uint32(len(object.Vertices) / 3))
	w.f32s(object.Vertices[:3*(len(object.Vertices)/3)])
	w.u32(uint32(len(object.Faces) / 3))
	w.i32s(object.Faces[:3*(len(object.Faces)/3)])
	w.u32(uint32(len(object.Normals) / 3))
	w.f32s(object.Normals[:3*(len(object.Normals)/3)])
	w.u32(uint32(len(object.Groups)))
	w.i32s(object.Groups)
	w.u32(uint32(len(object.FaceIds)))
	w.i32s(object.FaceIds)
}
