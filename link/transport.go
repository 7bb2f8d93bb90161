package link

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/bringyour/scenelink/protocol"
)

// one session owns at most one connection at a time
// each connect starts a run: a receive goroutine that dials and reads, plus a write goroutine
// the consumer never blocks on the connection for longer than the send timeout

var ErrNotConnected = errors.New("Not connected.")
var ErrSendTimeout = errors.New("Send timeout.")

const DefaultAddress = "localhost:8980"

type SessionState int

const (
	SessionIdle SessionState = iota
	SessionConnecting
	SessionOpen
	SessionClosing
	SessionError
)

func (self SessionState) String() string {
	switch self {
	case SessionIdle:
		return "idle"
	case SessionConnecting:
		return "connecting"
	case SessionOpen:
		return "open"
	case SessionClosing:
		return "closing"
	case SessionError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(self))
	}
}

type SessionSettings struct {
	HandshakeTimeout time.Duration
	// how long a send operation waits for the write to complete
	SendTimeout  time.Duration
	WriteTimeout time.Duration
	// how long disconnect waits for the close handshake
	CloseTimeout time.Duration
	// how long disconnect waits for the receive goroutine after the close
	JoinTimeout time.Duration
	// 0 is unlimited
	ReadLimit      int64
	SendBufferSize int
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		HandshakeTimeout: 5 * time.Second,
		SendTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
		CloseTimeout:     2 * time.Second,
		JoinTimeout:      3 * time.Second,
		ReadLimit:        1<<32 - 1,
		SendBufferSize:   32,
	}
}

type sendRequest struct {
	messageType protocol.MessageType
	encode      func(requestId uint32) []byte
	result      chan error
}

type sessionRun struct {
	ctx    context.Context
	cancel context.CancelFunc
	id     ulid.ULID

	address string

	wsLock sync.Mutex
	ws     *websocket.Conn

	sends chan *sendRequest
	// closed when the receive goroutine exits
	done chan struct{}

	finishOnce sync.Once
}

func (self *sessionRun) setWs(ws *websocket.Conn) bool {
	self.wsLock.Lock()
	defer self.wsLock.Unlock()
	if self.ctx.Err() != nil {
		return false
	}
	self.ws = ws
	return true
}

func (self *sessionRun) getWs() *websocket.Conn {
	self.wsLock.Lock()
	defer self.wsLock.Unlock()
	return self.ws
}

type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	bridge   *Bridge
	status   *StatusReporter
	settings *SessionSettings

	stateLock sync.Mutex
	state     SessionState
	run       *sessionRun
}

func NewSessionWithDefaults(ctx context.Context, bridge *Bridge) *Session {
	return NewSession(ctx, bridge, DefaultSessionSettings())
}

func NewSession(ctx context.Context, bridge *Bridge, settings *SessionSettings) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Session{
		ctx:      cancelCtx,
		cancel:   cancel,
		bridge:   bridge,
		status:   NewStatusReporter(bridge),
		settings: settings,
		state:    SessionIdle,
	}
}

func (self *Session) State() SessionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *Session) setState(run *sessionRun, state SessionState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.run == run {
		self.state = state
	}
}

func (self *Session) openRun() *sessionRun {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state != SessionOpen {
		return nil
	}
	return self.run
}

func WebsocketUrl(address string) string {
	if strings.HasPrefix(address, "ws://") || strings.HasPrefix(address, "wss://") {
		return address
	}
	return fmt.Sprintf("ws://%s", address)
}

// Starts a connection to `address` in the background. The outcome arrives as a
// `Connected` or `ConnectionError` event.
func (self *Session) Connect(address string) {
	if address == "" {
		address = DefaultAddress
	}

	self.stateLock.Lock()
	switch self.state {
	case SessionOpen, SessionConnecting:
		self.stateLock.Unlock()
		glog.Infof("[session]connect %s while %s\n", address, self.State())
		self.status.Warning("Already connected")
		self.bridge.Push(StatusUpdateEvent("Warning: Already connected"))
		return
	case SessionClosing:
		self.stateLock.Unlock()
		self.status.Warning("Disconnect in progress")
		self.bridge.Push(StatusUpdateEvent("Warning: Disconnect in progress"))
		return
	}
	runCtx, runCancel := context.WithCancel(self.ctx)
	run := &sessionRun{
		ctx:     runCtx,
		cancel:  runCancel,
		id:      ulid.Make(),
		address: address,
		sends:   make(chan *sendRequest, self.settings.SendBufferSize),
		done:    make(chan struct{}),
	}
	self.run = run
	self.state = SessionConnecting
	self.stateLock.Unlock()

	self.status.Info("Connecting to %s...", address)
	go self.receive(run)
}

func (self *Session) receive(run *sessionRun) {
	defer close(run.done)
	defer self.finish(run)

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(run.ctx, WebsocketUrl(run.address), nil)
	if err != nil {
		if run.ctx.Err() != nil {
			// disconnected while connecting
			return
		}
		glog.Infof("[session]%s connect %s error = %s\n", run.id, run.address, err)
		self.setState(run, SessionError)
		self.bridge.Push(ConnectionErrorEvent(fmt.Sprintf("Could not connect to %s: %s", run.address, err)))
		return
	}
	if !run.setWs(ws) {
		ws.Close()
		return
	}
	ws.SetReadLimit(self.settings.ReadLimit)

	self.setState(run, SessionOpen)
	self.bridge.SetConnected(true)
	self.bridge.Push(ConnectedEvent())
	self.status.Info("Connected to %s", run.address)
	glog.Infof("[session]%s connected %s\n", run.id, run.address)

	go HandleError(func() {
		self.write(run, ws)
	}, func() {
		ws.Close()
	})

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			// gorilla read errors are permanent. every error ends the run
			switch {
			case run.ctx.Err() != nil:
				glog.V(LogLevelEvents).Infof("[session]%s closed\n", run.id)
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				glog.Infof("[session]%s closed by server\n", run.id)
			default:
				glog.Infof("[session]%s<- error = %s\n", run.id, err)
				self.setState(run, SessionError)
				self.bridge.Push(StatusUpdateEvent(fmt.Sprintf("Error: Connection lost: %s", err)))
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			HandleError(func() {
				self.handleMessage(run, message)
			})
		default:
			glog.V(LogLevelEvents).Infof("[session]%s<- skip frame type %d\n", run.id, messageType)
		}
	}
}

// request ids are assigned here, in write order
func (self *Session) write(run *sessionRun, ws *websocket.Conn) {
	var requestId uint32
	for {
		select {
		case <-run.ctx.Done():
			return
		case send := <-run.sends:
			requestId += 1
			message := send.encode(requestId)
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			err := ws.WriteMessage(websocket.BinaryMessage, message)
			send.result <- err
			if err != nil {
				// a websocket write error cannot be recovered
				glog.Infof("[session]%s-> %s error = %s\n", run.id, send.messageType, err)
				ws.Close()
				return
			}
			glog.V(LogLevelEvents).Infof("[session]%s-> %s (%d, %d bytes)\n", run.id, send.messageType, requestId, len(message))
		}
	}
}

func (self *Session) handleMessage(run *sessionRun, message []byte) {
	decoded, err := protocol.DecodeMessage(message)
	if err != nil {
		glog.Infof("[session]%s<- decode error (%d bytes) = %s\n", run.id, len(message), err)
		return
	}
	glog.V(LogLevelEvents).Infof("[session]%s<- %s (%d bytes)\n", run.id, decoded.MessageType(), len(message))

	switch v := decoded.(type) {
	case *protocol.TransactionMessage:
		if !v.Type.IsList() {
			if v.Transaction == nil {
				return
			}
			self.bridge.SetFilename(v.Transaction.Filename)
			self.bridge.Push(IncrementalTransactionEvent(v.Transaction))
		} else if v.Code != protocol.StatusOk || v.Transaction == nil {
			self.bridge.Push(StatusUpdateEvent(fmt.Sprintf("Error: %s failed (%d)", v.Type, v.Code)))
		} else {
			self.bridge.SetFilename(v.Transaction.Filename)
			self.bridge.Push(ListResponseEvent(v.Transaction))
		}
	case *protocol.RefacetResponse:
		self.bridge.Push(RefacetResponseEvent(v))
	case *protocol.NewVersionMessage:
		self.bridge.SetFilename(v.Filename)
		self.bridge.Push(NewVersionAvailableEvent(v.Filename, v.Version))
	case *protocol.NewFileMessage:
		self.bridge.SetFilename(v.Filename)
		self.bridge.Push(NewFileOpenedEvent(v.Filename))
	case *protocol.UnknownMessage:
		glog.Infof("[session]%s<- skip unknown message %s (%d bytes)\n", run.id, v.Type, len(v.MessageBytes))
	}
}

// Cleans up `run` once. Every caller after the first is a no-op, so the
// receive goroutine and a forced disconnect push exactly one `Disconnected`.
func (self *Session) finish(run *sessionRun) {
	run.finishOnce.Do(func() {
		run.cancel()
		if ws := run.getWs(); ws != nil {
			ws.Close()
		}

		self.stateLock.Lock()
		if self.run == run {
			self.run = nil
			self.state = SessionIdle
		}
		self.stateLock.Unlock()

		self.bridge.resetConnection()
		self.bridge.Push(DisconnectedEvent())
		self.status.Info("Disconnected")
		glog.Infof("[session]%s disconnected\n", run.id)
	})
}

// Closes the connection and waits, bounded, for the receive goroutine.
// If the goroutine does not finish in time the cleanup is done here.
func (self *Session) Disconnect() {
	self.stateLock.Lock()
	run := self.run
	if run == nil {
		self.stateLock.Unlock()
		return
	}
	self.state = SessionClosing
	self.stateLock.Unlock()

	// the running flag
	run.cancel()

	if ws := run.getWs(); ws != nil {
		closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := ws.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(self.settings.CloseTimeout)); err != nil {
			glog.V(LogLevelEvents).Infof("[session]%s close error = %s\n", run.id, err)
		}
		select {
		case <-run.done:
		case <-time.After(self.settings.CloseTimeout):
		}
		// unblocks the read if the server did not answer the close
		ws.Close()
	}

	select {
	case <-run.done:
	case <-time.After(self.settings.JoinTimeout):
		glog.Infof("[session]%s receive did not stop after %s\n", run.id, self.settings.JoinTimeout)
	}
	self.finish(run)
}

// disconnects and releases the session
func (self *Session) Close() {
	self.Disconnect()
	self.cancel()
}

// Writes a request on the session's write goroutine and waits up to the send
// timeout. Failures are also pushed as a `StatusUpdate`.
func (self *Session) send(messageType protocol.MessageType, encode func(requestId uint32) []byte) error {
	err := self.sendAndWait(messageType, encode)
	if err != nil {
		glog.Infof("[session]send %s error = %s\n", messageType, err)
		var message string
		if errors.Is(err, ErrNotConnected) {
			message = "Cannot send, not connected"
		} else {
			message = fmt.Sprintf("Send failed: %s", err)
		}
		self.status.Error("%s", message)
		self.bridge.Push(StatusUpdateEvent("Error: " + message))
	}
	return err
}

func (self *Session) sendAndWait(messageType protocol.MessageType, encode func(requestId uint32) []byte) error {
	run := self.openRun()
	if run == nil {
		return ErrNotConnected
	}

	send := &sendRequest{
		messageType: messageType,
		encode:      encode,
		result:      make(chan error, 1),
	}
	timeout := time.After(self.settings.SendTimeout)

	select {
	case run.sends <- send:
	case <-run.ctx.Done():
		return ErrNotConnected
	case <-timeout:
		return ErrSendTimeout
	}

	select {
	case err := <-send.result:
		return err
	case <-run.ctx.Done():
		return ErrNotConnected
	case <-timeout:
		return ErrSendTimeout
	}
}

func (self *Session) ListAll() error {
	self.status.Info("Refreshing all objects...")
	return self.send(protocol.MessageTypeListAll, protocol.EncodeListAll)
}

func (self *Session) ListVisible() error {
	self.status.Info("Refreshing visible objects...")
	return self.send(protocol.MessageTypeListVisible, protocol.EncodeListVisible)
}

func (self *Session) SubscribeAll() error {
	self.status.Info("Subscribing to live updates...")
	return self.send(protocol.MessageTypeSubscribeAll, protocol.EncodeSubscribeAll)
}

func (self *Session) Unsubscribe() error {
	self.status.Info("Unsubscribing...")
	return self.send(protocol.MessageTypeUnsubscribeAll, protocol.EncodeUnsubscribeAll)
}

// no-op for no ids
func (self *Session) SubscribeSome(filename string, ids []uint32) error {
	if len(ids) == 0 {
		return nil
	}
	return self.send(protocol.MessageTypeSubscribeSome, func(requestId uint32) []byte {
		return protocol.EncodeSubscribeSome(requestId, filename, ids)
	})
}

// no-op for no ids
func (self *Session) RefacetSome(filename string, ids []uint32, facet *protocol.FacetSettings) error {
	if len(ids) == 0 {
		return nil
	}
	self.status.Info("Refaceting %d objects...", len(ids))
	return self.send(protocol.MessageTypeRefacetSome, func(requestId uint32) []byte {
		return protocol.EncodeRefacetSome(requestId, filename, ids, facet)
	})
}
