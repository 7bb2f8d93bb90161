package link

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"github.com/bringyour/scenelink/protocol"
)

// a server that decodes every request and hands it to `respond`
type testServer struct {
	server   *httptest.Server
	requests chan *protocol.Request

	connsLock sync.Mutex
	conns     []*websocket.Conn
}

func newTestServer(t *testing.T, respond func(ws *websocket.Conn, request *protocol.Request)) *testServer {
	testServer := &testServer{
		requests: make(chan *protocol.Request, 64),
	}
	upgrader := websocket.Upgrader{}
	testServer.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade error = %s", err)
			return
		}
		defer ws.Close()
		testServer.connsLock.Lock()
		testServer.conns = append(testServer.conns, ws)
		testServer.connsLock.Unlock()

		for {
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			request, err := protocol.DecodeRequest(message)
			if err != nil {
				t.Errorf("decode request error = %s", err)
				return
			}
			testServer.requests <- request
			if respond != nil {
				respond(ws, request)
			}
		}
	}))
	return testServer
}

func (self *testServer) Address() string {
	return strings.TrimPrefix(self.server.URL, "http://")
}

// the i-th accepted connection
func (self *testServer) Conn(t *testing.T, i int) *websocket.Conn {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		self.connsLock.Lock()
		var ws *websocket.Conn
		if i < len(self.conns) {
			ws = self.conns[i]
		}
		self.connsLock.Unlock()
		if ws != nil {
			return ws
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no connection")
	return nil
}

func (self *testServer) Request(t *testing.T) *protocol.Request {
	select {
	case request := <-self.requests:
		return request
	case <-time.After(5 * time.Second):
		t.Fatal("no request")
		return nil
	}
}

func (self *testServer) Close() {
	self.server.Close()
}

// records every dispatched event
type testEvents struct {
	bridge *Bridge
	events []*BridgeEvent
}

func newTestEvents(bridge *Bridge) *testEvents {
	testEvents := &testEvents{
		bridge: bridge,
	}
	for eventType := EventConnected; eventType <= EventStatusUpdate; eventType += 1 {
		bridge.Register(eventType, func(event *BridgeEvent) error {
			testEvents.events = append(testEvents.events, event)
			return nil
		})
	}
	return testEvents
}

func (self *testEvents) Count(eventType EventType) int {
	count := 0
	for _, event := range self.events {
		if event.Type == eventType {
			count += 1
		}
	}
	return count
}

// drains until `count` events of the type were dispatched and returns the last one
func (self *testEvents) Wait(t *testing.T, eventType EventType, count int) *BridgeEvent {
	deadline := time.Now().Add(5 * time.Second)
	for {
		self.bridge.DrainAndDispatch()
		if count <= self.Count(eventType) {
			break
		}
		if deadline.Before(time.Now()) {
			t.Fatalf("timeout waiting for %d %s", count, eventType)
		}
		time.Sleep(10 * time.Millisecond)
	}
	var last *BridgeEvent
	for _, event := range self.events {
		if event.Type == eventType {
			last = event
		}
	}
	return last
}

func testSessionSettings() *SessionSettings {
	settings := DefaultSessionSettings()
	settings.CloseTimeout = 500 * time.Millisecond
	settings.JoinTimeout = 500 * time.Millisecond
	return settings
}

func TestSessionRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transaction := &protocol.Transaction{
		Filename: "bracket.3dm",
		Version:  2,
		Add:      []*protocol.ObjectRecord{testMeshRecord(1, 0, "Solid 1")},
	}
	server := newTestServer(t, func(ws *websocket.Conn, request *protocol.Request) {
		switch request.Type {
		case protocol.MessageTypeListAll:
			ws.WriteMessage(websocket.BinaryMessage, protocol.EncodeListResponse(request.Type, request.RequestId, protocol.StatusOk, transaction))
		case protocol.MessageTypeListVisible:
			ws.WriteMessage(websocket.BinaryMessage, protocol.EncodeListResponse(request.Type, request.RequestId, 500, nil))
		case protocol.MessageTypeSubscribeAll:
			// unknown and malformed messages are skipped
			ws.WriteMessage(websocket.BinaryMessage, []byte{99, 0, 0, 0, 1, 2, 3, 4})
			ws.WriteMessage(websocket.BinaryMessage, []byte{0, 0, 0, 0, 200, 0, 0, 0})
			ws.WriteMessage(websocket.TextMessage, []byte("hello"))
			ws.WriteMessage(websocket.BinaryMessage, protocol.EncodeNewVersion("bracket.3dm", 3))
			ws.WriteMessage(websocket.BinaryMessage, protocol.EncodeTransaction(transaction))
		}
	})
	defer server.Close()

	bridge := NewBridgeWithDefaults()
	events := newTestEvents(bridge)
	session := NewSession(ctx, bridge, testSessionSettings())

	session.Connect(server.Address())
	events.Wait(t, EventConnected, 1)
	assert.Equal(t, true, bridge.Connected())
	assert.Equal(t, SessionOpen, session.State())

	assert.Equal(t, nil, session.ListAll())
	request := server.Request(t)
	assert.Equal(t, protocol.MessageTypeListAll, request.Type)
	assert.Equal(t, uint32(1), request.RequestId)
	event := events.Wait(t, EventListResponse, 1)
	assert.Equal(t, "bracket.3dm", event.Transaction.Filename)
	assert.Equal(t, 1, len(event.Transaction.Add))
	assert.Equal(t, "bracket.3dm", bridge.Filename())

	assert.Equal(t, nil, session.ListVisible())
	request = server.Request(t)
	assert.Equal(t, uint32(2), request.RequestId)
	event = events.Wait(t, EventStatusUpdate, 1)
	assert.Equal(t, "Error: list_visible failed (500)", event.Message)

	// no ids, no request
	assert.Equal(t, nil, session.SubscribeSome("bracket.3dm", []uint32{}))
	assert.Equal(t, nil, session.SubscribeSome("bracket.3dm", []uint32{4, 5}))
	request = server.Request(t)
	assert.Equal(t, protocol.MessageTypeSubscribeSome, request.Type)
	assert.Equal(t, uint32(3), request.RequestId)
	assert.Equal(t, "bracket.3dm", request.Filename)
	assert.Equal(t, []uint32{4, 5}, request.Ids)

	facet := protocol.DefaultFacetSettings()
	facet.MaxSides = 128
	assert.Equal(t, nil, session.RefacetSome("bracket.3dm", []uint32{4}, facet))
	request = server.Request(t)
	assert.Equal(t, protocol.MessageTypeRefacetSome, request.Type)
	assert.Equal(t, uint32(4), request.RequestId)
	assert.Equal(t, facet, request.Facet)

	assert.Equal(t, nil, session.SubscribeAll())
	request = server.Request(t)
	assert.Equal(t, protocol.MessageTypeSubscribeAll, request.Type)
	event = events.Wait(t, EventNewVersionAvailable, 1)
	assert.Equal(t, uint32(3), event.Version)
	event = events.Wait(t, EventIncrementalTransaction, 1)
	assert.Equal(t, uint32(2), event.Transaction.Version)
	assert.Equal(t, SessionOpen, session.State())

	assert.Equal(t, nil, session.Unsubscribe())
	request = server.Request(t)
	assert.Equal(t, protocol.MessageTypeUnsubscribeAll, request.Type)

	session.Disconnect()
	events.Wait(t, EventDisconnected, 1)
	assert.Equal(t, false, bridge.Connected())
	assert.Equal(t, "", bridge.Filename())
	assert.Equal(t, SessionIdle, session.State())

	// idempotent
	session.Disconnect()
	time.Sleep(100 * time.Millisecond)
	bridge.DrainAndDispatch()
	assert.Equal(t, 1, events.Count(EventDisconnected))
}

func TestSessionConnectError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer(t, nil)
	address := server.Address()
	server.Close()

	bridge := NewBridgeWithDefaults()
	events := newTestEvents(bridge)
	session := NewSession(ctx, bridge, testSessionSettings())

	session.Connect(address)
	event := events.Wait(t, EventConnectionError, 1)
	assert.Equal(t, true, strings.HasPrefix(event.Message, "Could not connect to "+address))
	events.Wait(t, EventDisconnected, 1)
	assert.Equal(t, 0, events.Count(EventConnected))
	assert.Equal(t, false, bridge.Connected())
	assert.Equal(t, SessionIdle, session.State())
}

func TestSessionNotConnected(t *testing.T) {
	bridge := NewBridgeWithDefaults()
	events := newTestEvents(bridge)
	session := NewSessionWithDefaults(context.Background(), bridge)
	defer session.Close()

	assert.Equal(t, ErrNotConnected, session.ListAll())
	event := events.Wait(t, EventStatusUpdate, 1)
	assert.Equal(t, "Error: Cannot send, not connected", event.Message)
	assert.Equal(t, "Error: Cannot send, not connected", bridge.StatusMessage())

	// nothing to disconnect
	session.Disconnect()
	bridge.DrainAndDispatch()
	assert.Equal(t, 0, events.Count(EventDisconnected))
}

func TestSessionSendTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// a server that accepts and then never reads
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		<-release
	}))
	defer server.Close()
	defer close(release)

	bridge := NewBridgeWithDefaults()
	events := newTestEvents(bridge)
	settings := testSessionSettings()
	settings.SendTimeout = 200 * time.Millisecond
	session := NewSession(ctx, bridge, settings)
	defer session.Close()

	session.Connect(strings.TrimPrefix(server.URL, "http://"))
	events.Wait(t, EventConnected, 1)

	// large enough to fill the socket buffers of the unread connection
	ids := make([]uint32, 16*1024*1024)
	err := session.RefacetSome("bracket.3dm", ids, protocol.DefaultFacetSettings())
	assert.Equal(t, ErrSendTimeout, err)
	event := events.Wait(t, EventStatusUpdate, 1)
	assert.Equal(t, "Error: Send failed: Send timeout.", event.Message)
	assert.Equal(t, "Error: Send failed: Send timeout.", bridge.StatusMessage())
}

func TestSessionAlreadyConnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer(t, nil)
	defer server.Close()

	bridge := NewBridgeWithDefaults()
	events := newTestEvents(bridge)
	session := NewSession(ctx, bridge, testSessionSettings())
	defer session.Close()

	session.Connect(server.Address())
	events.Wait(t, EventConnected, 1)

	session.Connect(server.Address())
	event := events.Wait(t, EventStatusUpdate, 1)
	assert.Equal(t, "Warning: Already connected", event.Message)
	assert.Equal(t, 1, events.Count(EventConnected))
	assert.Equal(t, SessionOpen, session.State())
}

func TestSessionRemoteCloseWithDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer(t, nil)
	defer server.Close()

	for i := 0; i < 4; i += 1 {
		bridge := NewBridgeWithDefaults()
		events := newTestEvents(bridge)
		session := NewSession(ctx, bridge, testSessionSettings())

		session.Connect(server.Address())
		events.Wait(t, EventConnected, 1)
		ws := server.Conn(t, i)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			closeMessage := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
			ws.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(time.Second))
			ws.Close()
		}()
		go func() {
			defer wg.Done()
			session.Disconnect()
		}()
		wg.Wait()

		events.Wait(t, EventDisconnected, 1)
		time.Sleep(100 * time.Millisecond)
		bridge.DrainAndDispatch()
		assert.Equal(t, 1, events.Count(EventDisconnected))
		assert.Equal(t, false, bridge.Connected())
		assert.Equal(t, SessionIdle, session.State())
	}
}

func TestSessionRemoteClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer(t, nil)
	defer server.Close()

	bridge := NewBridgeWithDefaults()
	events := newTestEvents(bridge)
	session := NewSession(ctx, bridge, testSessionSettings())

	session.Connect(server.Address())
	events.Wait(t, EventConnected, 1)

	ws := server.Conn(t, 0)
	closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	ws.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(time.Second))

	events.Wait(t, EventDisconnected, 1)
	assert.Equal(t, SessionIdle, session.State())

	// the session can connect again
	session.Connect(server.Address())
	events.Wait(t, EventConnected, 2)
	assert.Equal(t, true, bridge.Connected())
	session.Disconnect()
	events.Wait(t, EventDisconnected, 2)
}

func TestWebsocketUrl(t *testing.T) {
	assert.Equal(t, "ws://localhost:8980", WebsocketUrl("localhost:8980"))
	assert.Equal(t, "wss://example.com/link", WebsocketUrl("wss://example.com/link"))
}
