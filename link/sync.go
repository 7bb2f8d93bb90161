package link

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"

	"github.com/bringyour/scenelink/protocol"
)

// (filename, remote object id) names one persistent local object
type IdentityKey struct {
	Filename string
	Id       uint32
}

func (self IdentityKey) String() string {
	return fmt.Sprintf("%s/%d", self.Filename, self.Id)
}

func compareIdentityKeys(a IdentityKey, b IdentityKey) int {
	if c := cmp.Compare(a.Filename, b.Filename); c != 0 {
		return c
	}
	return cmp.Compare(a.Id, b.Id)
}

type SyncSettings struct {
	// decimals kept when welding refacet vertices
	WeldPrecision int
	// radians
	SmoothingAngle     float32
	MinUnitScale       float32
	UnitScale          float32
	ManagedNormalsName string
	RootNamePrefix     string
}

func DefaultSyncSettings() *SyncSettings {
	return &SyncSettings{
		WeldPrecision:      7,
		SmoothingAngle:     float32(40 * math.Pi / 180),
		MinUnitScale:       0.0001,
		UnitScale:          1,
		ManagedNormalsName: "__scenelink_normals__",
		RootNamePrefix:     "Scene: ",
	}
}

type deferredMerge struct {
	key         IdentityKey
	mesh        Handle
	mergeGroups [][]int
}

// Applies drained bridge events to the host scene.
// Owned by the consumer. Every method must be called from the consumer only.
type Synchronizer struct {
	scene    Scene
	bridge   *Bridge
	status   *StatusReporter
	settings *SyncSettings

	meshes map[IdentityKey]Handle
	groups map[IdentityKey]Handle
	roots  map[string]Handle

	unitScale float32
}

func NewSynchronizerWithDefaults(scene Scene, bridge *Bridge) *Synchronizer {
	return NewSynchronizer(scene, bridge, DefaultSyncSettings())
}

func NewSynchronizer(scene Scene, bridge *Bridge, settings *SyncSettings) *Synchronizer {
	synchronizer := &Synchronizer{
		scene:     scene,
		bridge:    bridge,
		status:    NewStatusReporter(bridge),
		settings:  settings,
		meshes:    map[IdentityKey]Handle{},
		groups:    map[IdentityKey]Handle{},
		roots:     map[string]Handle{},
		unitScale: max(settings.MinUnitScale, settings.UnitScale),
	}

	bridge.Register(EventConnected, func(event *BridgeEvent) error {
		synchronizer.OnConnected()
		return nil
	})
	bridge.Register(EventDisconnected, func(event *BridgeEvent) error {
		synchronizer.OnDisconnected()
		return nil
	})
	bridge.Register(EventListResponse, func(event *BridgeEvent) error {
		return synchronizer.ApplyFullRefresh(event.Transaction)
	})
	bridge.Register(EventIncrementalTransaction, func(event *BridgeEvent) error {
		return synchronizer.ApplyIncremental(event.Transaction)
	})
	bridge.Register(EventRefacetResponse, func(event *BridgeEvent) error {
		return synchronizer.ApplyRefacetResponse(event.Refacet)
	})
	bridge.Register(EventNewVersionAvailable, func(event *BridgeEvent) error {
		synchronizer.status.Info("New version available: '%s' v%d. Refresh to update.", event.Filename, event.Version)
		return nil
	})
	bridge.Register(EventNewFileOpened, func(event *BridgeEvent) error {
		synchronizer.status.Info("New file opened: '%s'. Refresh to import.", event.Filename)
		return nil
	})

	return synchronizer
}

func (self *Synchronizer) reset() {
	self.meshes = map[IdentityKey]Handle{}
	self.groups = map[IdentityKey]Handle{}
	self.roots = map[string]Handle{}
}

// a new session assumes no local state
// host objects from a prior session stay until the next refresh reconciles them
func (self *Synchronizer) OnConnected() {
	self.reset()
}

func (self *Synchronizer) OnDisconnected() {
	self.reset()
}

// Applies an authoritative transaction. Cached objects of the file that are not
// in the transaction are removed.
func (self *Synchronizer) ApplyFullRefresh(transaction *protocol.Transaction) error {
	if transaction == nil {
		return nil
	}
	filename := transaction.Filename
	objects := transaction.Objects()

	Trace(fmt.Sprintf("[sync]full refresh %s v%d (%d objects)", filename, transaction.Version, len(objects)), func() {
		var merges []*deferredMerge
		func() {
			self.scene.BeginUndo()
			defer self.scene.EndUndo()

			root := self.root(filename)
			self.prepare(filename)
			merges = self.processObjects(filename, root, objects)

			// meshes and groups are checked against their own kind, so an id
			// that changed kind drops the old object
			incomingMeshes := map[uint32]bool{}
			incomingGroups := map[uint32]bool{}
			for _, object := range objects {
				switch {
				case object.Kind == protocol.ObjectKindGroup:
					incomingGroups[object.Id] = true
				case object.Kind.HasGeometry():
					incomingMeshes[object.Id] = true
				}
			}
			stale := func(cache map[IdentityKey]Handle, incoming map[uint32]bool) []IdentityKey {
				keys := []IdentityKey{}
				for _, key := range maps.Keys(cache) {
					if key.Filename == filename && !incoming[key.Id] {
						keys = append(keys, key)
					}
				}
				slices.SortFunc(keys, compareIdentityKeys)
				return keys
			}
			for _, key := range stale(self.meshes, incomingMeshes) {
				self.removeMesh(key)
			}
			for _, key := range stale(self.groups, incomingGroups) {
				self.removeGroup(key, root)
			}
		}()

		self.runMerges(merges)
		self.scene.Commit()
		self.status.Info("Synchronized '%s' v%d (%d objects)", filename, transaction.Version, len(objects))
	})
	return nil
}

// Applies a live transaction. Only the listed ids are affected.
func (self *Synchronizer) ApplyIncremental(transaction *protocol.Transaction) error {
	if transaction == nil {
		return nil
	}
	filename := transaction.Filename
	objects := transaction.Objects()

	Trace(fmt.Sprintf("[sync]incremental %s v%d (%d objects, %d deletes)", filename, transaction.Version, len(objects), len(transaction.Delete)), func() {
		var merges []*deferredMerge
		func() {
			self.scene.BeginUndo()
			defer self.scene.EndUndo()

			root := self.root(filename)
			self.prepare(filename)
			for _, id := range transaction.Delete {
				key := IdentityKey{Filename: filename, Id: id}
				self.removeMesh(key)
				self.removeGroup(key, root)
			}
			if 0 < len(objects) {
				merges = self.processObjects(filename, root, objects)
			}
		}()

		self.runMerges(merges)
		self.scene.Commit()
	})
	return nil
}

// Replaces the geometry of existing meshes in place. Items for meshes that no
// longer exist are skipped.
func (self *Synchronizer) ApplyRefacetResponse(response *protocol.RefacetResponse) error {
	if response == nil {
		return nil
	}
	if response.Code != protocol.StatusOk {
		self.status.Error("Refacet failed (%d)", response.Code)
		return nil
	}
	filename := response.Filename

	Trace(fmt.Sprintf("[sync]refacet %s (%d items)", filename, len(response.Items)), func() {
		var merges []*deferredMerge
		refaceted := 0
		func() {
			self.scene.BeginUndo()
			defer self.scene.EndUndo()

			self.root(filename)
			self.prepare(filename)
			for _, item := range response.Items {
				key := IdentityKey{Filename: filename, Id: item.Id}
				mesh, ok := self.meshes[key]
				if !ok || !self.scene.Contains(mesh) {
					glog.V(LogLevelEvents).Infof("[sync]refacet skip %s: not found\n", key)
					continue
				}
				if len(item.Vertices) == 0 {
					continue
				}

				var geometry *MeshGeometry
				if 0 < len(item.Membership) {
					geometry = BuildNgonGeometry(item.Vertices, item.Indices, item.Membership, self.settings.WeldPrecision)
				} else {
					geometry = BuildTriangleGeometry(item.Vertices, item.Indices)
				}
				if !self.updateGeometry(key, mesh, geometry, item.Normals) {
					continue
				}
				self.scene.SetMeta(mesh, NodeMeta{
					Id:       item.Id,
					Filename: filename,
					Groups:   item.Groups,
					FaceIds:  item.FaceIds,
				})
				if geometry.NgonMode() {
					merges = append(merges, &deferredMerge{key: key, mesh: mesh, mergeGroups: geometry.MergeGroups})
				}
				refaceted += 1
			}
		}()

		self.runMerges(merges)
		self.scene.Commit()
		self.status.Info("Refaceted %d of %d objects", refaceted, len(response.Items))
	})
	return nil
}

// Clamps `scale` to the minimum and applies it to every known root.
// Mesh buffers are not touched.
func (self *Synchronizer) UpdateUnitScale(scale float32) {
	if math.IsNaN(float64(scale)) {
		scale = self.settings.MinUnitScale
	}
	self.unitScale = max(self.settings.MinUnitScale, scale)
	for _, root := range self.roots {
		if self.scene.Contains(root) {
			self.scene.SetScale(root, self.unitScale)
		}
	}
	self.scene.Commit()
}

func (self *Synchronizer) UnitScale() float32 {
	return self.unitScale
}

// Every identity in `selection`, walking into groups. Each identity appears once.
func (self *Synchronizer) SelectedIdentities(selection []Handle) []IdentityKey {
	keys := []IdentityKey{}
	seen := map[IdentityKey]bool{}
	var collect func(node Handle)
	collect = func(node Handle) {
		if meta, ok := self.scene.Meta(node); ok && meta.Id != 0 && meta.Filename != "" {
			key := IdentityKey{Filename: meta.Filename, Id: meta.Id}
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
		if self.scene.IsGroup(node) {
			for _, child := range self.scene.Children(node) {
				collect(child)
			}
		}
	}
	for _, node := range selection {
		collect(node)
	}
	return keys
}

func (self *Synchronizer) Mesh(key IdentityKey) (Handle, bool) {
	mesh, ok := self.meshes[key]
	return mesh, ok
}

func (self *Synchronizer) Group(key IdentityKey) (Handle, bool) {
	group, ok := self.groups[key]
	return group, ok
}

func (self *Synchronizer) Root(filename string) (Handle, bool) {
	root, ok := self.roots[filename]
	return root, ok
}

// cached mesh identities, ordered
func (self *Synchronizer) MeshKeys() []IdentityKey {
	keys := maps.Keys(self.meshes)
	slices.SortFunc(keys, compareIdentityKeys)
	return keys
}

// cached group identities, ordered
func (self *Synchronizer) GroupKeys() []IdentityKey {
	keys := maps.Keys(self.groups)
	slices.SortFunc(keys, compareIdentityKeys)
	return keys
}

// Resolves the root anchor for `filename`, searching the whole scene for the
// root marker before creating a new one. The unit scale is applied.
func (self *Synchronizer) root(filename string) Handle {
	if root, ok := self.roots[filename]; ok && self.scene.Contains(root) {
		self.scene.SetScale(root, self.unitScale)
		return root
	}

	if root, ok := self.findRoot(self.scene.TopLevel(), filename); ok {
		self.roots[filename] = root
		self.scene.SetScale(root, self.unitScale)
		return root
	}

	name := "Scene"
	if filename != "" {
		name = self.settings.RootNamePrefix + filename
	}
	root := self.scene.CreateGroup(name)
	self.scene.SetMeta(root, NodeMeta{
		Root:     true,
		Filename: filename,
	})
	self.scene.SetScale(root, self.unitScale)
	if err := self.scene.Insert(root, NoHandle); err != nil {
		glog.Infof("[sync]insert root %s = %s\n", name, err)
	}
	self.roots[filename] = root
	glog.V(LogLevelEvents).Infof("[sync]new root %s\n", name)
	return root
}

func (self *Synchronizer) findRoot(nodes []Handle, filename string) (Handle, bool) {
	for _, node := range nodes {
		if meta, ok := self.scene.Meta(node); ok && meta.Root && meta.Filename == filename && self.scene.IsGroup(node) {
			return node, true
		}
		if root, ok := self.findRoot(self.scene.Children(node), filename); ok {
			return root, true
		}
	}
	return NoHandle, false
}

// rebuilds the identity caches for `filename` from the scene
// objects moved or removed outside the synchronizer are picked up here
func (self *Synchronizer) prepare(filename string) {
	maps.DeleteFunc(self.meshes, func(key IdentityKey, _ Handle) bool {
		return key.Filename == filename
	})
	maps.DeleteFunc(self.groups, func(key IdentityKey, _ Handle) bool {
		return key.Filename == filename
	})

	var scan func(nodes []Handle)
	scan = func(nodes []Handle) {
		for _, node := range nodes {
			if meta, ok := self.scene.Meta(node); ok && !meta.Root && meta.Id != 0 && meta.Filename == filename {
				key := IdentityKey{Filename: filename, Id: meta.Id}
				if self.scene.IsGroup(node) {
					self.groups[key] = node
				} else {
					self.meshes[key] = node
				}
			}
			scan(self.scene.Children(node))
		}
	}
	scan(self.scene.TopLevel())
}

// Pass one creates or updates geometry and groups. Pass two re-parents and
// applies visibility. Merges are returned to run after the undo scope ends.
func (self *Synchronizer) processObjects(filename string, root Handle, objects []*protocol.ObjectRecord) []*deferredMerge {
	merges := []*deferredMerge{}

	for _, object := range objects {
		key := IdentityKey{Filename: filename, Id: object.Id}
		switch {
		case object.Kind == protocol.ObjectKindGroup:
			if object.Id == 0 {
				continue
			}
			if group, ok := self.groups[key]; ok && self.scene.Contains(group) {
				self.scene.SetName(group, object.Name)
				continue
			}
			group := self.scene.CreateGroup(object.Name)
			self.scene.SetMeta(group, NodeMeta{Id: object.Id, Filename: filename})
			if err := self.scene.Insert(group, root); err != nil {
				glog.Infof("[sync]insert group %s = %s\n", key, err)
				continue
			}
			self.groups[key] = group
			glog.V(LogLevelEvents).Infof("[sync]new group %s \"%s\"\n", key, object.Name)

		case object.Kind.HasGeometry():
			if len(object.Vertices) == 0 {
				continue
			}
			geometry := BuildTriangleGeometry(object.Vertices, object.Faces)
			meta := NodeMeta{
				Id:       object.Id,
				Filename: filename,
				Groups:   object.Groups,
				FaceIds:  object.FaceIds,
			}

			if mesh, ok := self.meshes[key]; ok && self.scene.Contains(mesh) {
				self.scene.SetName(mesh, object.Name)
				if self.updateGeometry(key, mesh, geometry, object.Normals) && geometry.NgonMode() {
					merges = append(merges, &deferredMerge{key: key, mesh: mesh, mergeGroups: geometry.MergeGroups})
				}
				self.scene.SetMeta(mesh, meta)
				glog.V(LogLevelEvents).Infof("[sync]update mesh %s \"%s\" (%d polygons)\n", key, object.Name, len(geometry.Polygons))
				continue
			}

			if geometry.Empty() {
				continue
			}
			mesh := self.scene.CreateMesh(object.Name, len(geometry.Points), len(geometry.Polygons))
			if err := self.writeGeometry(mesh, geometry); err != nil {
				glog.Infof("[sync]write mesh %s = %s\n", key, err)
				self.scene.Remove(mesh)
				continue
			}
			if !geometry.NgonMode() && 0 < len(object.Normals) && 0 < len(geometry.NormalMap) {
				self.applyNormals(mesh, object.Normals, geometry.NormalMap)
			}
			self.ensureSmoothing(mesh)
			self.scene.SetMeta(mesh, meta)
			if err := self.scene.Insert(mesh, root); err != nil {
				glog.Infof("[sync]insert mesh %s = %s\n", key, err)
				self.scene.Remove(mesh)
				continue
			}
			self.meshes[key] = mesh
			if geometry.NgonMode() {
				merges = append(merges, &deferredMerge{key: key, mesh: mesh, mergeGroups: geometry.MergeGroups})
			}
			glog.V(LogLevelEvents).Infof("[sync]new mesh %s \"%s\" (%d polygons)\n", key, object.Name, len(geometry.Polygons))

		default:
			glog.V(LogLevelEvents).Infof("[sync]ignore %s %s\n", object.Kind, key)
		}
	}

	for _, object := range objects {
		if object.Id == 0 {
			continue
		}
		key := IdentityKey{Filename: filename, Id: object.Id}

		var node Handle
		var ok bool
		switch {
		case object.Kind == protocol.ObjectKindGroup:
			node, ok = self.groups[key]
		case object.Kind.HasGeometry():
			node, ok = self.meshes[key]
		}
		if !ok {
			continue
		}

		parent := root
		if 0 < object.ParentId {
			if group, ok := self.groups[IdentityKey{Filename: filename, Id: uint32(object.ParentId)}]; ok {
				parent = group
			}
		}
		if self.scene.Parent(node) != parent {
			if err := self.scene.Insert(node, parent); err != nil {
				glog.Infof("[sync]reparent %s = %s\n", key, err)
			}
		}
		self.scene.SetVisible(node, !protocol.IsHidden(object.Flags))
	}

	return merges
}

// Replaces points and polygons in place. Only the managed normals decoration is
// replaced; every other decoration stays. Returns false if the geometry is empty
// and the mesh was left unchanged.
func (self *Synchronizer) updateGeometry(key IdentityKey, mesh Handle, geometry *MeshGeometry, normals []float32) bool {
	if geometry.Empty() {
		return false
	}
	self.scene.RemoveDecorations(mesh, self.isManagedNormals)
	if err := self.scene.Resize(mesh, len(geometry.Points), len(geometry.Polygons)); err != nil {
		glog.Infof("[sync]resize %s = %s\n", key, err)
		return false
	}
	if err := self.writeGeometry(mesh, geometry); err != nil {
		glog.Infof("[sync]write %s = %s\n", key, err)
		return false
	}
	if !geometry.NgonMode() && 0 < len(normals) && 0 < len(geometry.NormalMap) {
		self.applyNormals(mesh, normals, geometry.NormalMap)
	}
	self.ensureSmoothing(mesh)
	return true
}

func (self *Synchronizer) writeGeometry(mesh Handle, geometry *MeshGeometry) error {
	for i, point := range geometry.Points {
		if err := self.scene.SetPoint(mesh, i, point); err != nil {
			return err
		}
	}
	for i, polygon := range geometry.Polygons {
		if err := self.scene.SetPolygon(mesh, i, polygon); err != nil {
			return err
		}
	}
	return nil
}

func (self *Synchronizer) isManagedNormals(decoration Decoration) bool {
	return decoration.Kind == DecorationNormals && decoration.Name == self.settings.ManagedNormalsName
}

func (self *Synchronizer) applyNormals(mesh Handle, normals []float32, normalMap []Polygon) {
	self.scene.AddDecoration(mesh, Decoration{
		Kind:    DecorationNormals,
		Name:    self.settings.ManagedNormalsName,
		Normals: CornerNormals(normals, normalMap),
	})
}

// a smoothing decoration the user already has is kept as is
func (self *Synchronizer) ensureSmoothing(mesh Handle) {
	for _, decoration := range self.scene.Decorations(mesh) {
		if decoration.Kind == DecorationSmoothing {
			return
		}
	}
	self.scene.AddDecoration(mesh, Decoration{
		Kind:  DecorationSmoothing,
		Angle: self.settings.SmoothingAngle,
	})
}

func (self *Synchronizer) removeMesh(key IdentityKey) {
	mesh, ok := self.meshes[key]
	if !ok {
		return
	}
	delete(self.meshes, key)
	if self.scene.Contains(mesh) {
		if err := self.scene.Remove(mesh); err != nil {
			glog.Infof("[sync]remove mesh %s = %s\n", key, err)
			return
		}
	}
	glog.V(LogLevelEvents).Infof("[sync]remove mesh %s\n", key)
}

// tracked children of the group are moved to the root first
// so that removing the group never takes live objects with it
func (self *Synchronizer) removeGroup(key IdentityKey, root Handle) {
	group, ok := self.groups[key]
	if !ok {
		return
	}
	delete(self.groups, key)
	if !self.scene.Contains(group) {
		return
	}
	for _, child := range self.scene.Children(group) {
		if self.tracked(child) {
			if err := self.scene.Insert(child, root); err != nil {
				glog.Infof("[sync]rescue child of %s = %s\n", key, err)
			}
		}
	}
	if err := self.scene.Remove(group); err != nil {
		glog.Infof("[sync]remove group %s = %s\n", key, err)
		return
	}
	glog.V(LogLevelEvents).Infof("[sync]remove group %s\n", key)
}

func (self *Synchronizer) tracked(node Handle) bool {
	for _, mesh := range self.meshes {
		if mesh == node {
			return true
		}
	}
	for _, group := range self.groups {
		if group == node {
			return true
		}
	}
	return false
}

func (self *Synchronizer) runMerges(merges []*deferredMerge) {
	for _, merge := range merges {
		if !self.scene.Contains(merge.mesh) {
			continue
		}
		result := ReconstructNgons(self.scene, merge.mesh, merge.mergeGroups)
		if 0 < result.Failed || 0 < result.Skipped {
			glog.Infof("[sync]n-gon reconstruction for %s: %d merged, %d skipped, %d failed\n", merge.key, result.Merged, result.Skipped, result.Failed)
		}
	}
}
