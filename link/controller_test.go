package link

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"github.com/bringyour/scenelink/protocol"
)

func tickUntil(t *testing.T, controller *Controller, done func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !done() {
		if deadline.Before(time.Now()) {
			t.Fatal("timeout")
		}
		controller.Tick()
		time.Sleep(10 * time.Millisecond)
	}
}

func TestController(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer(t, func(ws *websocket.Conn, request *protocol.Request) {
		switch request.Type {
		case protocol.MessageTypeListAll:
			ws.WriteMessage(websocket.BinaryMessage, protocol.EncodeListResponse(request.Type, request.RequestId, protocol.StatusOk, testFullTransaction()))
		}
	})
	defer server.Close()

	notices := []string{}
	scene := NewMemoryScene()
	config := DefaultLinkConfig()
	config.Refacet.Mode = RefacetModeNgon
	config.Refacet.MaxWidth = 2
	controller := NewController(ctx, scene, config, func(message string) {
		notices = append(notices, message)
	})
	defer controller.Close()

	// not connected yet
	assert.Equal(t, nil, controller.Refresh(false))
	assert.Equal(t, false, controller.Busy())

	controller.Connect(server.Address())
	tickUntil(t, controller, controller.Connected)
	assert.Equal(t, true, controller.Bridge().Connected())
	assert.Equal(t, server.Address(), config.Address)

	assert.Equal(t, nil, controller.Refresh(false))
	assert.Equal(t, true, controller.Busy())
	request := server.Request(t)
	assert.Equal(t, protocol.MessageTypeListAll, request.Type)
	tickUntil(t, controller, func() bool {
		return !controller.Busy()
	})
	assert.Equal(t, 2, len(controller.Synchronizer().MeshKeys()))
	assert.Equal(t, "Synchronized 'bracket.3dm' v3 (3 objects)", controller.Bridge().StatusMessage())

	assert.Equal(t, nil, controller.SetLiveLink(true))
	assert.Equal(t, true, controller.LiveLink())
	request = server.Request(t)
	assert.Equal(t, protocol.MessageTypeSubscribeAll, request.Type)

	// nothing selected
	assert.Equal(t, nil, controller.RefacetSelected())
	assert.Equal(t, 1, len(notices))
	assert.Equal(t, true, strings.HasPrefix(notices[0], "No objects selected"))
	assert.Equal(t, false, controller.Busy())

	mesh, ok := controller.Synchronizer().Mesh(testKey(1))
	assert.Equal(t, true, ok)
	scene.Select(mesh)
	assert.Equal(t, nil, controller.RefacetSelected())
	request = server.Request(t)
	assert.Equal(t, protocol.MessageTypeRefacetSome, request.Type)
	assert.Equal(t, testFilename, request.Filename)
	assert.Equal(t, []uint32{1}, request.Ids)
	assert.Equal(t, uint32(128), request.Facet.MaxSides)
	assert.Equal(t, float32(math.Pi/4), request.Facet.PlaneAngle)
	assert.Equal(t, float32(2*math.Sqrt(0.5)), request.Facet.CurveChordMax)

	controller.Disconnect()
	assert.Equal(t, false, controller.Bridge().Connected())
	tickUntil(t, controller, func() bool {
		return !controller.Connected()
	})
	assert.Equal(t, false, controller.LiveLink())
	assert.Equal(t, SessionIdle, controller.Session().State())
}

// the bridge flag is set before `Connected` is dispatched
// a stale `Connected` must not clear a request made after it
func TestControllerConnectedOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer(t, nil)
	defer server.Close()

	controller := NewController(ctx, NewMemoryScene(), DefaultLinkConfig(), nil)
	defer controller.Close()

	controller.Connect(server.Address())
	deadline := time.Now().Add(5 * time.Second)
	for !controller.Bridge().Connected() {
		if deadline.Before(time.Now()) {
			t.Fatal("timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// not dispatched yet
	assert.Equal(t, false, controller.Connected())
	assert.Equal(t, nil, controller.Refresh(false))
	assert.Equal(t, false, controller.Busy())

	tickUntil(t, controller, controller.Connected)
	assert.Equal(t, nil, controller.Refresh(false))
	assert.Equal(t, true, controller.Busy())
	request := server.Request(t)
	assert.Equal(t, protocol.MessageTypeListAll, request.Type)
	// the server never answers
	controller.Tick()
	assert.Equal(t, true, controller.Busy())
	assert.Equal(t, nil, controller.Refresh(true))
	select {
	case request := <-server.requests:
		t.Fatalf("unexpected request %s", request.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestControllerConnectionError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer(t, nil)
	address := server.Address()
	server.Close()

	notices := []string{}
	controller := NewController(ctx, NewMemoryScene(), DefaultLinkConfig(), func(message string) {
		notices = append(notices, message)
	})
	defer controller.Close()

	controller.Connect(address)
	tickUntil(t, controller, func() bool {
		return 0 < len(notices)
	})
	assert.Equal(t, true, strings.HasPrefix(notices[0], "Connection error:\nCould not connect to "+address))
	assert.Equal(t, false, controller.Bridge().Connected())
}

func TestControllerCloseDropsEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer(t, nil)
	defer server.Close()

	controller := NewController(ctx, NewMemoryScene(), DefaultLinkConfig(), nil)
	controller.Connect(server.Address())
	tickUntil(t, controller, controller.Connected)

	controller.Close()
	// the `Disconnected` pushed by the close is not delivered
	assert.Equal(t, 0, controller.Bridge().Len())
	assert.Equal(t, 0, controller.Tick())
	assert.Equal(t, false, controller.Bridge().Connected())
}

func TestControllerUnitScale(t *testing.T) {
	config := DefaultLinkConfig()
	controller := NewController(context.Background(), NewMemoryScene(), config, nil)
	defer controller.Close()

	controller.SetUnitScale(0)
	assert.Equal(t, float32(0.0001), config.UnitScale)
	controller.SetUnitScale(2.5)
	assert.Equal(t, float32(2.5), config.UnitScale)
}
