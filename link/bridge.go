package link

import (
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/bringyour/scenelink/protocol"
)

// the bridge is the only state shared between the receive goroutine and the consumer
// the receive side pushes events; the consumer drains and dispatches them on its own tick

type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventConnectionError
	EventListResponse
	EventIncrementalTransaction
	EventRefacetResponse
	EventNewVersionAvailable
	EventNewFileOpened
	EventStatusUpdate
)

func (self EventType) String() string {
	switch self {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventConnectionError:
		return "connection_error"
	case EventListResponse:
		return "list_response"
	case EventIncrementalTransaction:
		return "incremental_transaction"
	case EventRefacetResponse:
		return "refacet_response"
	case EventNewVersionAvailable:
		return "new_version_available"
	case EventNewFileOpened:
		return "new_file_opened"
	case EventStatusUpdate:
		return "status_update"
	default:
		return fmt.Sprintf("event(%d)", int(self))
	}
}

// tagged by `Type`. only the fields for that type are set
type BridgeEvent struct {
	Type EventType
	// connection error, status update
	Message string
	// list response, incremental transaction
	Transaction *protocol.Transaction
	// refacet response
	Refacet *protocol.RefacetResponse
	// new version, new file
	Filename string
	Version  uint32
}

func ConnectedEvent() *BridgeEvent {
	return &BridgeEvent{Type: EventConnected}
}

func DisconnectedEvent() *BridgeEvent {
	return &BridgeEvent{Type: EventDisconnected}
}

func ConnectionErrorEvent(message string) *BridgeEvent {
	return &BridgeEvent{Type: EventConnectionError, Message: message}
}

func ListResponseEvent(transaction *protocol.Transaction) *BridgeEvent {
	return &BridgeEvent{Type: EventListResponse, Transaction: transaction}
}

func IncrementalTransactionEvent(transaction *protocol.Transaction) *BridgeEvent {
	return &BridgeEvent{Type: EventIncrementalTransaction, Transaction: transaction}
}

func RefacetResponseEvent(response *protocol.RefacetResponse) *BridgeEvent {
	return &BridgeEvent{Type: EventRefacetResponse, Refacet: response}
}

func NewVersionAvailableEvent(filename string, version uint32) *BridgeEvent {
	return &BridgeEvent{Type: EventNewVersionAvailable, Filename: filename, Version: version}
}

func NewFileOpenedEvent(filename string) *BridgeEvent {
	return &BridgeEvent{Type: EventNewFileOpened, Filename: filename}
}

func StatusUpdateEvent(message string) *BridgeEvent {
	return &BridgeEvent{Type: EventStatusUpdate, Message: message}
}

// a returned error, like a panic, is logged and does not stop dispatch
type EventCallback func(event *BridgeEvent) error

type BridgeSettings struct {
	QueueSize int
}

func DefaultBridgeSettings() *BridgeSettings {
	return &BridgeSettings{
		QueueSize: 1000,
	}
}

type Bridge struct {
	// bounded fifo. push never blocks
	events chan *BridgeEvent

	stateLock     sync.Mutex
	connected     bool
	filename      string
	statusMessage string
	dropCount     uint64

	callbacksLock sync.Mutex
	callbacks     map[EventType][]EventCallback
}

func NewBridgeWithDefaults() *Bridge {
	return NewBridge(DefaultBridgeSettings())
}

func NewBridge(settings *BridgeSettings) *Bridge {
	return &Bridge{
		events:        make(chan *BridgeEvent, settings.QueueSize),
		statusMessage: "Disconnected",
		callbacks:     map[EventType][]EventCallback{},
	}
}

func (self *Bridge) Connected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connected
}

func (self *Bridge) SetConnected(connected bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.connected = connected
}

func (self *Bridge) Filename() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.filename
}

func (self *Bridge) SetFilename(filename string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.filename = filename
}

func (self *Bridge) StatusMessage() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.statusMessage
}

func (self *Bridge) SetStatusMessage(statusMessage string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.statusMessage = statusMessage
}

// total events dropped because the queue was full
func (self *Bridge) DropCount() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.dropCount
}

// clears the connection state in one step
// safe to call any number of times
func (self *Bridge) resetConnection() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.connected = false
	self.filename = ""
}

// Queues an event for the consumer. Returns false and drops the event when the
// queue is full. Never blocks.
func (self *Bridge) Push(event *BridgeEvent) bool {
	select {
	case self.events <- event:
		return true
	default:
		self.stateLock.Lock()
		self.dropCount += 1
		dropCount := self.dropCount
		self.stateLock.Unlock()
		glog.Infof("[bridge]drop %s (%d dropped)\n", event.Type, dropCount)
		return false
	}
}

// number of queued events
func (self *Bridge) Len() int {
	return len(self.events)
}

// callbacks for one type are called in registration order
func (self *Bridge) Register(eventType EventType, callback EventCallback) {
	self.callbacksLock.Lock()
	defer self.callbacksLock.Unlock()
	self.callbacks[eventType] = append(self.callbacks[eventType], callback)
}

// Pops and dispatches every event queued at the time of the call. Events pushed
// by callbacks during the drain wait for the next call. Called only from the
// consumer, never concurrently with itself. Returns the number of events dispatched.
func (self *Bridge) DrainAndDispatch() int {
	n := len(self.events)
	for i := 0; i < n; i += 1 {
		// the consumer is the only receiver so a counted event is always present
		event := <-self.events
		self.Dispatch(event)
	}
	return n
}

func (self *Bridge) Dispatch(event *BridgeEvent) {
	self.callbacksLock.Lock()
	// copy so that a callback can register without deadlock
	callbacks := append([]EventCallback{}, self.callbacks[event.Type]...)
	self.callbacksLock.Unlock()

	glog.V(LogLevelEvents).Infof("[bridge]dispatch %s to %d callbacks\n", event.Type, len(callbacks))
	for _, callback := range callbacks {
		HandleError(func() {
			if err := callback(event); err != nil {
				glog.Infof("[bridge]callback error for %s (%s) = %s\n", event.Type, CallbackName(callback), err)
			}
		})
	}
}

// drops all queued events without dispatch
func (self *Bridge) Clear() {
	for {
		select {
		case <-self.events:
		default:
			return
		}
	}
}

// writes the status line shown to the user
// the line is continuously overwritten and never blocks
type StatusReporter struct {
	bridge *Bridge
}

func NewStatusReporter(bridge *Bridge) *StatusReporter {
	return &StatusReporter{
		bridge: bridge,
	}
}

func (self *StatusReporter) Info(format string, a ...any) {
	self.bridge.SetStatusMessage(fmt.Sprintf(format, a...))
}

func (self *StatusReporter) Warning(format string, a ...any) {
	self.bridge.SetStatusMessage("Warning: " + fmt.Sprintf(format, a...))
}

func (self *StatusReporter) Error(format string, a ...any) {
	self.bridge.SetStatusMessage("Error: " + fmt.Sprintf(format, a...))
}
