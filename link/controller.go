package link

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/golang/glog"
)

// a blocking notice for the user, e.g. a connection error
type NoticeFunc func(message string)

// The headless control surface. Connects the session, the bridge and the
// synchronizer, and exposes the actions a user triggers. All methods are called
// from the consumer.
type Controller struct {
	bridge       *Bridge
	session      *Session
	synchronizer *Synchronizer
	scene        Scene
	status       *StatusReporter

	config *LinkConfig
	notice NoticeFunc

	// set when the consumer has seen `Connected`, which can trail the bridge flag
	connected bool
	// an action is waiting for its response
	busy     bool
	liveLink bool
}

func NewController(
	ctx context.Context,
	scene Scene,
	config *LinkConfig,
	notice NoticeFunc,
) *Controller {
	bridge := NewBridge(&BridgeSettings{
		QueueSize: config.QueueSize,
	})
	syncSettings := DefaultSyncSettings()
	syncSettings.UnitScale = config.UnitScale

	return NewControllerWithParts(
		bridge,
		NewSessionWithDefaults(ctx, bridge),
		NewSynchronizer(scene, bridge, syncSettings),
		scene,
		config,
		notice,
	)
}

func NewControllerWithParts(
	bridge *Bridge,
	session *Session,
	synchronizer *Synchronizer,
	scene Scene,
	config *LinkConfig,
	notice NoticeFunc,
) *Controller {
	controller := &Controller{
		bridge:       bridge,
		session:      session,
		synchronizer: synchronizer,
		scene:        scene,
		status:       NewStatusReporter(bridge),
		config:       config,
		notice:       notice,
	}

	bridge.Register(EventConnected, func(event *BridgeEvent) error {
		controller.connected = true
		controller.busy = false
		return nil
	})
	bridge.Register(EventDisconnected, func(event *BridgeEvent) error {
		controller.connected = false
		controller.busy = false
		controller.liveLink = false
		return nil
	})
	bridge.Register(EventConnectionError, func(event *BridgeEvent) error {
		controller.busy = false
		message := event.Message
		if message == "" {
			message = "Unknown error"
		}
		controller.status.Error("%s", message)
		controller.showNotice(fmt.Sprintf("Connection error:\n%s", message))
		return nil
	})
	bridge.Register(EventStatusUpdate, func(event *BridgeEvent) error {
		controller.bridge.SetStatusMessage(event.Message)
		if strings.HasPrefix(event.Message, "Error: ") {
			controller.busy = false
		}
		return nil
	})
	bridge.Register(EventListResponse, func(event *BridgeEvent) error {
		controller.busy = false
		return nil
	})
	bridge.Register(EventRefacetResponse, func(event *BridgeEvent) error {
		controller.busy = false
		return nil
	})

	return controller
}

func (self *Controller) showNotice(message string) {
	glog.Infof("[controller]notice: %s\n", message)
	if self.notice != nil {
		self.notice(message)
	}
}

func (self *Controller) Bridge() *Bridge {
	return self.bridge
}

func (self *Controller) Session() *Session {
	return self.session
}

func (self *Controller) Synchronizer() *Synchronizer {
	return self.synchronizer
}

func (self *Controller) Connected() bool {
	return self.connected
}

func (self *Controller) Busy() bool {
	return self.busy
}

func (self *Controller) LiveLink() bool {
	return self.liveLink
}

// Drains the bridge. Called on every consumer tick. Returns the number of
// events dispatched.
func (self *Controller) Tick() int {
	return self.bridge.DrainAndDispatch()
}

func (self *Controller) Connect(address string) {
	if self.busy {
		return
	}
	if address == "" {
		address = self.config.Address
	}
	self.config.Address = address
	self.session.Connect(address)
}

func (self *Controller) Disconnect() {
	self.session.Disconnect()
}

// Closes the session. Events still queued are dropped since nothing drains
// the bridge after close.
func (self *Controller) Close() {
	self.session.Close()
	self.bridge.Clear()
}

func (self *Controller) Refresh(onlyVisible bool) error {
	if self.busy || !self.connected {
		return nil
	}
	self.busy = true
	self.config.OnlyVisible = onlyVisible
	var err error
	if onlyVisible {
		err = self.session.ListVisible()
	} else {
		err = self.session.ListAll()
	}
	if err != nil {
		self.busy = false
	}
	return err
}

func (self *Controller) SetLiveLink(liveLink bool) error {
	if !self.connected {
		return nil
	}
	var err error
	if liveLink {
		err = self.session.SubscribeAll()
	} else {
		err = self.session.Unsubscribe()
	}
	if err == nil {
		self.liveLink = liveLink
		self.config.LiveLink = liveLink
	}
	return err
}

func (self *Controller) SetUnitScale(unitScale float32) {
	self.synchronizer.UpdateUnitScale(unitScale)
	self.config.UnitScale = self.synchronizer.UnitScale()
}

// Requests new tessellation for the selected objects, one request per file,
// using the refacet config.
func (self *Controller) RefacetSelected() error {
	if self.busy || !self.connected {
		return nil
	}

	keys := self.synchronizer.SelectedIdentities(self.scene.Selection())
	if len(keys) == 0 {
		self.showNotice("No objects selected.\nSelect one or more synchronized mesh objects first.")
		return nil
	}

	idsByFilename := map[string][]uint32{}
	filenames := []string{}
	for _, key := range keys {
		if _, ok := idsByFilename[key.Filename]; !ok {
			filenames = append(filenames, key.Filename)
		}
		idsByFilename[key.Filename] = append(idsByFilename[key.Filename], key.Id)
	}
	slices.Sort(filenames)

	facet := self.config.Refacet.FacetSettings()
	self.busy = true
	for _, filename := range filenames {
		if err := self.session.RefacetSome(filename, idsByFilename[filename], facet); err != nil {
			self.busy = false
			return err
		}
	}
	return nil
}
