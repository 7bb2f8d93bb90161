package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/bringyour/scenelink/link"
	"github.com/bringyour/scenelink/protocol"
)

const LocalVersion = "0.0.0-local"

const TickInterval = 100 * time.Millisecond

func main() {
	usage := fmt.Sprintf(
		`Scene link control.

The default address is %s.

Usage:
    linkctl sync [--address=<address>] [--config=<config>]
        [--only_visible]
        [--live_link]
        [--unit_scale=<unit_scale>]
        [--mode=<mode>]
        [--message_count=<message_count>]
        [--json]
        [--v=<level>]
    linkctl decode <file>... [--v=<level>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --address=<address>              Server host:port.
    --config=<config>                YAML config file. Flags override file values.
    --only_visible                   Refresh only objects visible in the server view.
    --live_link                      Subscribe to incremental changes.
    --unit_scale=<unit_scale>        Scale applied to each file root.
    --mode=<mode>                    Refacet mode, tri or ngon.
    --message_count=<message_count>  Exit after this many scene messages.
    --json                           Print the scene tree as json.
    --v=<level>                      Log verbosity [default: 0].`,
		link.DefaultAddress,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	initGlog(opts)

	if sync_, _ := opts.Bool("sync"); sync_ {
		os.Exit(syncScene(opts))
	} else if decode_, _ := opts.Bool("decode"); decode_ {
		os.Exit(decode(opts))
	}
}

func initGlog(opts docopt.Opts) {
	level, _ := opts.String("--v")
	if level == "" {
		level = "0"
	}
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", level)
}

func RequireVersion() string {
	if version := os.Getenv("SCENELINK_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}

// file values, then flags
func loadConfig(opts docopt.Opts) (*link.LinkConfig, error) {
	config := link.DefaultLinkConfig()
	if path, err := opts.String("--config"); err == nil && path != "" {
		config, err = link.LoadConfig(path)
		if err != nil {
			return nil, err
		}
	}
	if address, err := opts.String("--address"); err == nil && address != "" {
		config.Address = address
	}
	if onlyVisible, _ := opts.Bool("--only_visible"); onlyVisible {
		config.OnlyVisible = true
	}
	if liveLink, _ := opts.Bool("--live_link"); liveLink {
		config.LiveLink = true
	}
	if opts["--unit_scale"] != nil {
		unitScale, err := opts.Float64("--unit_scale")
		if err != nil {
			return nil, fmt.Errorf("--unit_scale: %w", err)
		}
		config.UnitScale = float32(unitScale)
	}
	if mode, err := opts.String("--mode"); err == nil && mode != "" {
		config.Refacet.Mode = link.RefacetMode(mode)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func syncScene(opts docopt.Opts) int {
	config, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return 2
	}

	messageCount := -1
	if opts["--message_count"] != nil {
		messageCount, err = opts.Int("--message_count")
		if err != nil {
			fmt.Fprintf(os.Stderr, "--message_count: %s\n", err)
			return 2
		}
	}
	printJson, _ := opts.Bool("--json")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	exitCode := 0
	scene := link.NewMemoryScene()
	controller := link.NewController(ctx, scene, config, func(message string) {
		fmt.Fprintf(os.Stderr, "%s\n", message)
	})
	defer controller.Close()

	statusLine := newStatusLine(os.Stdout)
	bridge := controller.Bridge()

	messages := 0
	onSceneMessage := func(event *link.BridgeEvent) error {
		statusLine.Clear()
		printTree(scene, printJson)
		messages += 1
		if 0 <= messageCount && messageCount <= messages {
			cancel()
		}
		return nil
	}
	bridge.Register(link.EventListResponse, onSceneMessage)
	bridge.Register(link.EventIncrementalTransaction, onSceneMessage)
	bridge.Register(link.EventRefacetResponse, onSceneMessage)
	bridge.Register(link.EventConnected, func(event *link.BridgeEvent) error {
		if err := controller.Refresh(config.OnlyVisible); err != nil {
			glog.Infof("[linkctl]refresh error = %s\n", err)
		}
		if config.LiveLink {
			if err := controller.SetLiveLink(true); err != nil {
				glog.Infof("[linkctl]live link error = %s\n", err)
			}
		}
		return nil
	})
	bridge.Register(link.EventConnectionError, func(event *link.BridgeEvent) error {
		exitCode = 1
		return nil
	})
	bridge.Register(link.EventDisconnected, func(event *link.BridgeEvent) error {
		cancel()
		return nil
	})

	controller.Connect(config.Address)

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			controller.Tick()
			statusLine.Print(bridge.StatusMessage())
			statusLine.Done()
			return exitCode
		case <-ticker.C:
			controller.Tick()
			statusLine.Print(bridge.StatusMessage())
		}
	}
}

// On a terminal the status line is overwritten in place. Otherwise each change
// is printed on its own line.
type statusLine struct {
	out      *os.File
	terminal bool
	last     string
	open     bool
}

func newStatusLine(out *os.File) *statusLine {
	return &statusLine{
		out:      out,
		terminal: term.IsTerminal(int(out.Fd())),
	}
}

func (self *statusLine) Print(message string) {
	if message == self.last {
		return
	}
	self.last = message
	if self.terminal {
		fmt.Fprintf(self.out, "\r\033[K%s", message)
		self.open = true
	} else {
		fmt.Fprintf(self.out, "%s\n", message)
	}
}

// moves the cursor to a fresh line before other output
func (self *statusLine) Clear() {
	if self.open {
		fmt.Fprintf(self.out, "\r\033[K")
		self.open = false
		self.last = ""
	}
}

func (self *statusLine) Done() {
	if self.open {
		fmt.Fprintf(self.out, "\n")
		self.open = false
	}
}

type treeNode struct {
	Handle   link.Handle `json:"handle"`
	Name     string      `json:"name"`
	Group    bool        `json:"group"`
	Visible  bool        `json:"visible"`
	Id       uint32      `json:"id,omitempty"`
	Points   int         `json:"points,omitempty"`
	Polygons int         `json:"polygons,omitempty"`
	Children []*treeNode `json:"children,omitempty"`
}

func buildTree(scene link.Scene, handle link.Handle) *treeNode {
	node := &treeNode{
		Handle:  handle,
		Name:    scene.Name(handle),
		Group:   scene.IsGroup(handle),
		Visible: scene.Visible(handle),
	}
	if meta, ok := scene.Meta(handle); ok {
		node.Id = meta.Id
	}
	if !node.Group {
		node.Points = len(scene.Points(handle))
		node.Polygons = len(scene.Polygons(handle))
	}
	for _, child := range scene.Children(handle) {
		node.Children = append(node.Children, buildTree(scene, child))
	}
	return node
}

func printTree(scene link.Scene, printJson bool) {
	nodes := []*treeNode{}
	for _, handle := range scene.TopLevel() {
		nodes = append(nodes, buildTree(scene, handle))
	}

	if printJson {
		out, err := json.MarshalIndent(nodes, "", "  ")
		if err != nil {
			panic(err)
		}
		fmt.Printf("%s\n", out)
		return
	}

	var printNode func(node *treeNode, depth int)
	printNode = func(node *treeNode, depth int) {
		indent := strings.Repeat("  ", depth)
		hidden := ""
		if !node.Visible {
			hidden = " (hidden)"
		}
		if node.Group {
			fmt.Printf("%s%s/%s\n", indent, node.Name, hidden)
		} else {
			fmt.Printf("%s%s [%d points, %d polygons]%s\n", indent, node.Name, node.Points, node.Polygons, hidden)
		}
		for _, child := range node.Children {
			printNode(child, depth+1)
		}
	}
	for _, node := range nodes {
		printNode(node, 0)
	}
}

func decode(opts docopt.Opts) int {
	paths := opts["<file>"].([]string)
	exitCode := 0
	for _, path := range paths {
		b, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s\n", err)
			exitCode = 1
			continue
		}
		message, err := protocol.DecodeMessage(b)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", path, err)
			exitCode = 1
			continue
		}
		fmt.Printf("%s: %d bytes\n", path, len(b))
		printMessage(message)
	}
	return exitCode
}

func printMessage(message protocol.Message) {
	switch v := message.(type) {
	case *protocol.TransactionMessage:
		if v.Type.IsList() {
			fmt.Printf("%s request_id=%d code=%d\n", v.Type, v.RequestId, v.Code)
		} else {
			fmt.Printf("%s\n", v.Type)
		}
		if v.Transaction == nil {
			return
		}
		transaction := v.Transaction
		fmt.Printf(
			"  file '%s' v%d: %d add, %d update, %d delete\n",
			transaction.Filename,
			transaction.Version,
			len(transaction.Add),
			len(transaction.Update),
			len(transaction.Delete),
		)
		for _, object := range transaction.Objects() {
			fmt.Printf(
				"  %s %d '%s' parent=%d flags=%d vertices=%d triangles=%d\n",
				object.Kind,
				object.Id,
				object.Name,
				object.ParentId,
				object.Flags,
				len(object.Vertices)/3,
				len(object.Faces)/3,
			)
		}
		if 0 < len(transaction.Delete) {
			fmt.Printf("  delete %v\n", transaction.Delete)
		}
	case *protocol.RefacetResponse:
		fmt.Printf("%s request_id=%d code=%d\n", v.MessageType(), v.RequestId, v.Code)
		fmt.Printf("  file '%s' v%d: %d items\n", v.Filename, v.FileVersion, len(v.Items))
		for _, item := range v.Items {
			fmt.Printf(
				"  %d v%d vertices=%d indices=%d ngon=%t\n",
				item.Id,
				item.Version,
				len(item.Vertices)/3,
				len(item.Indices),
				0 < len(item.Membership),
			)
		}
	case *protocol.NewVersionMessage:
		fmt.Printf("%s file '%s' v%d\n", v.MessageType(), v.Filename, v.Version)
	case *protocol.NewFileMessage:
		fmt.Printf("%s file '%s'\n", v.MessageType(), v.Filename)
	case *protocol.UnknownMessage:
		fmt.Printf("unknown message type %d (%d bytes)\n", v.Type, len(v.MessageBytes))
	}
}
