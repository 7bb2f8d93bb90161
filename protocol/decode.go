package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/golang/glog"
)

var ErrTruncated = errors.New("Truncated message.")

// bounds checked little-endian reader
// the first failed read sets `err` and every later read is a no-op
type reader struct {
	b      []byte
	offset int
	err    error
}

func newReader(b []byte) *reader {
	return &reader{
		b: b,
	}
}

func (self *reader) Offset() int {
	return self.offset
}

func (self *reader) Err() error {
	return self.err
}

func (self *reader) need(n uint64) bool {
	if self.err != nil {
		return false
	}
	if uint64(len(self.b)-self.offset) < n {
		self.err = fmt.Errorf("%w need %d bytes at offset %d of %d", ErrTruncated, n, self.offset, len(self.b))
		return false
	}
	return true
}

func (self *reader) u32() uint32 {
	if !self.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(self.b[self.offset:])
	self.offset += 4
	return v
}

func (self *reader) i32() int32 {
	return int32(self.u32())
}

func (self *reader) f32() float32 {
	return math.Float32frombits(self.u32())
}

func (self *reader) bool32() bool {
	return self.u32() != 0
}

// invalid utf-8 is replaced rather than rejected
func (self *reader) string() string {
	n := self.u32()
	if n == 0 {
		return ""
	}
	padded := uint64(n) + uint64(padding(int(n%4)))
	if !self.need(padded) {
		return ""
	}
	raw := self.b[self.offset : self.offset+int(n)]
	self.offset += int(padded)
	if utf8.Valid(raw) {
		return string(raw)
	}
	return strings.ToValidUTF8(string(raw), string(utf8.RuneError))
}

func (self *reader) skip(n uint64) {
	if !self.need(n) {
		return
	}
	self.offset += int(n)
}

// bulk array reads. the length check happens once for the whole payload

func (self *reader) f32s(count uint64) []float32 {
	if count == 0 || !self.need(4*count) {
		return []float32{}
	}
	values := make([]float32, count)
	b := self.b[self.offset : self.offset+int(4*count)]
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	self.offset += int(4 * count)
	return values
}

func (self *reader) i32s(count uint64) []int32 {
	if count == 0 || !self.need(4*count) {
		return []int32{}
	}
	values := make([]int32, count)
	b := self.b[self.offset : self.offset+int(4*count)]
	for i := range values {
		values[i] = int32(binary.LittleEndian.Uint32(b[4*i:]))
	}
	self.offset += int(4 * count)
	return values
}

func (self *reader) u32s(count uint64) []uint32 {
	if count == 0 || !self.need(4*count) {
		return []uint32{}
	}
	values := make([]uint32, count)
	b := self.b[self.offset : self.offset+int(4*count)]
	for i := range values {
		values[i] = binary.LittleEndian.Uint32(b[4*i:])
	}
	self.offset += int(4 * count)
	return values
}

// Decodes one server message. An unrecognized message type is returned as an
// `*UnknownMessage` with a nil error so that the stream can continue.
func DecodeMessage(b []byte) (Message, error) {
	r := newReader(b)
	messageType := MessageType(r.u32())
	if err := r.Err(); err != nil {
		return nil, err
	}

	switch messageType {
	case MessageTypeTransaction:
		transaction := decodeTransaction(r)
		if err := r.Err(); err != nil {
			return nil, err
		}
		return &TransactionMessage{
			Type:        messageType,
			Code:        StatusOk,
			Transaction: transaction,
		}, nil

	case MessageTypeListAll, MessageTypeListSome, MessageTypeListVisible:
		message := &TransactionMessage{
			Type:      messageType,
			RequestId: r.u32(),
			Code:      r.u32(),
		}
		if message.Code == StatusOk {
			message.Transaction = decodeTransaction(r)
		}
		if err := r.Err(); err != nil {
			return nil, err
		}
		return message, nil

	case MessageTypeRefacetSome:
		response := decodeRefacet(r)
		if err := r.Err(); err != nil {
			return nil, err
		}
		return response, nil

	case MessageTypeNewVersion:
		message := &NewVersionMessage{
			Filename: r.string(),
			Version:  r.u32(),
		}
		if err := r.Err(); err != nil {
			return nil, err
		}
		return message, nil

	case MessageTypeNewFile:
		message := &NewFileMessage{
			Filename: r.string(),
		}
		if err := r.Err(); err != nil {
			return nil, err
		}
		return message, nil

	default:
		return &UnknownMessage{
			Type:         messageType,
			MessageBytes: b,
		}, nil
	}
}

// Decodes a transaction-shaped body (filename onwards) and returns the number
// of bytes consumed.
func DecodeTransaction(b []byte) (*Transaction, int, error) {
	r := newReader(b)
	transaction := decodeTransaction(r)
	if err := r.Err(); err != nil {
		return nil, r.Offset(), err
	}
	return transaction, r.Offset(), nil
}

func decodeTransaction(r *reader) *Transaction {
	transaction := &Transaction{
		Filename: r.string(),
		Version:  r.u32(),
		Delete:   []uint32{},
		Add:      []*ObjectRecord{},
		Update:   []*ObjectRecord{},
	}
	messageCount := r.u32()
	for i := uint32(0); i < messageCount && r.Err() == nil; i += 1 {
		itemLength := r.u32()
		if itemLength == 0 {
			continue
		}
		if !r.need(uint64(itemLength)) {
			break
		}
		item := r.b[r.offset : r.offset+int(itemLength)]
		// the length frame lets a bad or unknown sub-message be skipped without losing the rest
		if messageType, err := decodeSubMessage(item, transaction); err != nil {
			glog.Infof("[protocol]skip %s sub-message = %s\n", messageType, err)
		}
		r.skip(uint64(itemLength))
	}
	return transaction
}

// A malformed sub-message is not applied. Returns the sub-message type and the
// read error.
func decodeSubMessage(item []byte, transaction *Transaction) (MessageType, error) {
	r := newReader(item)
	messageType := MessageType(r.u32())
	switch messageType {
	case MessageTypeDelete:
		count := r.u32()
		ids := r.u32s(uint64(count))
		if r.Err() == nil {
			transaction.Delete = append(transaction.Delete, ids...)
		}
	case MessageTypeAdd:
		objects := decodeObjects(r)
		if r.Err() == nil {
			transaction.Add = append(transaction.Add, objects...)
		}
	case MessageTypeUpdate:
		objects := decodeObjects(r)
		if r.Err() == nil {
			transaction.Update = append(transaction.Update, objects...)
		}
	default:
		// move, attribute and future sub-messages are skipped
	}
	return messageType, r.Err()
}

func decodeObjects(r *reader) []*ObjectRecord {
	count := r.u32()
	objects := []*ObjectRecord{}
	for i := uint32(0); i < count && r.Err() == nil; i += 1 {
		objects = append(objects, decodeObject(r))
	}
	return objects
}

func decodeObject(r *reader) *ObjectRecord {
	object := &ObjectRecord{
		Kind:       ObjectKind(r.u32()),
		Id:         r.u32(),
		Version:    r.u32(),
		ParentId:   r.i32(),
		MaterialId: r.i32(),
		Flags:      r.u32(),
		Name:       r.string(),
		Vertices:   []float32{},
		Faces:      []int32{},
		Normals:    []float32{},
		Groups:     []int32{},
		FaceIds:    []int32{},
	}
	// groups and empties carry no geometry arrays at all
	if !object.Kind.HasGeometry() {
		return object
	}
	object.Vertices = r.f32s(3 * uint64(r.u32()))
	object.Faces = r.i32s(3 * uint64(r.u32()))
	object.Normals = r.f32s(3 * uint64(r.u32()))
	object.Groups = r.i32s(uint64(r.u32()))
	object.FaceIds = r.i32s(uint64(r.u32()))
	return object
}

func decodeRefacet(r *reader) *RefacetResponse {
	response := &RefacetResponse{
		RequestId: r.u32(),
		Code:      r.u32(),
		Items:     []*RefacetItem{},
	}
	if response.Code != StatusOk {
		return response
	}
	response.Filename = r.string()
	response.FileVersion = r.u32()
	itemCount := r.u32()
	for i := uint32(0); i < itemCount && r.Err() == nil; i += 1 {
		item := &RefacetItem{
			Id:      r.u32(),
			Version: r.u32(),
		}
		item.Membership = r.i32s(uint64(r.u32()))
		item.Vertices = r.f32s(uint64(r.u32()))
		item.Indices = r.i32s(uint64(r.u32()))
		item.Normals = r.f32s(uint64(r.u32()))
		item.Groups = r.i32s(uint64(r.u32()))
		item.FaceIds = r.i32s(uint64(r.u32()))
		response.Items = append(response.Items, item)
	}
	return response
}

// Decodes a client request. Used by mock servers and echo tests.
func DecodeRequest(b []byte) (*Request, error) {
	r := newReader(b)
	request := &Request{
		Type:      MessageType(r.u32()),
		RequestId: r.u32(),
	}
	switch request.Type {
	case MessageTypeListAll, MessageTypeListVisible, MessageTypeSubscribeAll, MessageTypeUnsubscribeAll:
	case MessageTypeSubscribeSome:
		request.Filename = r.string()
		request.Ids = r.u32s(uint64(r.u32()))
	case MessageTypeRefacetSome:
		request.Filename = r.string()
		request.Ids = r.u32s(uint64(r.u32()))
		request.Facet = &FacetSettings{
			RelativeToBbox:        r.bool32(),
			CurveChordTolerance:   r.f32(),
			CurveChordAngle:       r.f32(),
			SurfacePlaneTolerance: r.f32(),
			SurfacePlaneAngle:     r.f32(),
			MatchTopology:         r.bool32(),
			MaxSides:              r.u32(),
			PlaneAngle:            r.f32(),
			MinWidth:              r.f32(),
			MaxWidth:              r.f32(),
			CurveChordMax:         r.f32(),
			Shape:                 FacetShape(r.u32()),
		}
	default:
		if r.Err() == nil {
			return nil, fmt.Errorf("Unknown request type: %s", request.Type)
		}
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return request, nil
}
