package link

import (
	"bytes"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// opaque reference to a node in the host scene
// comparable
type Handle [16]byte

// the zero handle means "no node", e.g. the top level as a parent
var NoHandle = Handle{}

func NewHandle() Handle {
	return Handle(ulid.Make())
}

func (self Handle) IsZero() bool {
	return self == NoHandle
}

func (self Handle) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", self[0:4], self[4:6], self[6:8], self[8:10], self[10:16])
}

func (self Handle) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(self.String())
	buff.WriteByte('"')
	return buff.Bytes(), nil
}
