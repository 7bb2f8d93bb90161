package link

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bringyour/scenelink/protocol"
)

type RefacetMode string

const (
	RefacetModeTri  RefacetMode = "tri"
	RefacetModeNgon RefacetMode = "ngon"
)

type LinkConfig struct {
	Address     string        `yaml:"address"`
	OnlyVisible bool          `yaml:"only_visible"`
	LiveLink    bool          `yaml:"live_link"`
	UnitScale   float32       `yaml:"unit_scale"`
	QueueSize   int           `yaml:"queue_size"`
	Refacet     RefacetConfig `yaml:"refacet"`
}

type RefacetConfig struct {
	Mode RefacetMode `yaml:"mode"`
	// simple mode uses one tolerance and angle for curves and surfaces
	Tolerance float32 `yaml:"tolerance"`
	Angle     float32 `yaml:"angle"`
	MinWidth  float32 `yaml:"min_width"`
	MaxWidth  float32 `yaml:"max_width"`
	// when set, replaces the simple tolerance and angle
	Advanced *AdvancedRefacetConfig `yaml:"advanced"`
}

type AdvancedRefacetConfig struct {
	CurveChordTolerance   float32 `yaml:"curve_chord_tolerance"`
	CurveChordAngle       float32 `yaml:"curve_chord_angle"`
	SurfacePlaneTolerance float32 `yaml:"surface_plane_tolerance"`
	SurfacePlaneAngle     float32 `yaml:"surface_plane_angle"`
}

func DefaultLinkConfig() *LinkConfig {
	return &LinkConfig{
		Address:     DefaultAddress,
		OnlyVisible: false,
		LiveLink:    false,
		UnitScale:   1,
		QueueSize:   DefaultBridgeSettings().QueueSize,
		Refacet: RefacetConfig{
			Mode:      RefacetModeTri,
			Tolerance: 0.01,
			Angle:     0.45,
			MinWidth:  0,
			MaxWidth:  0,
		},
	}
}

func DefaultAdvancedRefacetConfig() *AdvancedRefacetConfig {
	return &AdvancedRefacetConfig{
		CurveChordTolerance:   0.01,
		CurveChordAngle:       0.35,
		SurfacePlaneTolerance: 0.01,
		SurfacePlaneAngle:     0.35,
	}
}

// Reads a yaml config file over the defaults. Fields missing from the file
// keep their default values.
func LoadConfig(path string) (*LinkConfig, error) {
	config := DefaultLinkConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := ParseConfig(data, config); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return config, nil
}

func ParseConfig(data []byte, config *LinkConfig) error {
	var advanced struct {
		Refacet struct {
			Advanced yaml.Node `yaml:"advanced"`
		} `yaml:"refacet"`
	}
	if err := yaml.Unmarshal(data, &advanced); err != nil {
		return err
	}
	// an advanced block fills over the advanced defaults
	if advanced.Refacet.Advanced.Kind != 0 && config.Refacet.Advanced == nil {
		config.Refacet.Advanced = DefaultAdvancedRefacetConfig()
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return err
	}
	return config.Validate()
}

func (self *LinkConfig) Validate() error {
	if self.Address == "" {
		return fmt.Errorf("address is required")
	}
	if self.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be > 0")
	}
	switch self.Refacet.Mode {
	case RefacetModeTri, RefacetModeNgon:
	default:
		return fmt.Errorf("unsupported refacet mode %q (use tri or ngon)", self.Refacet.Mode)
	}
	if self.Refacet.MinWidth < 0 || self.Refacet.MaxWidth < 0 {
		return fmt.Errorf("refacet widths must be >= 0")
	}
	return nil
}

// Tri mode limits polygons to triangles. N-gon mode allows up to 128 sides and
// merges coplanar faces within 45 degrees.
func (self *RefacetConfig) FacetSettings() *protocol.FacetSettings {
	facet := protocol.DefaultFacetSettings()
	facet.RelativeToBbox = true
	facet.MatchTopology = true
	facet.Shape = protocol.FacetShapeCut

	switch self.Mode {
	case RefacetModeNgon:
		facet.MaxSides = 128
		facet.PlaneAngle = math.Pi / 4
	default:
		facet.MaxSides = 3
		facet.PlaneAngle = 0
	}

	if self.Advanced != nil {
		facet.CurveChordTolerance = self.Advanced.CurveChordTolerance
		facet.CurveChordAngle = self.Advanced.CurveChordAngle
		facet.SurfacePlaneTolerance = self.Advanced.SurfacePlaneTolerance
		facet.SurfacePlaneAngle = self.Advanced.SurfacePlaneAngle
	} else {
		facet.CurveChordTolerance = self.Tolerance
		facet.CurveChordAngle = self.Angle
		facet.SurfacePlaneTolerance = self.Tolerance
		facet.SurfacePlaneAngle = self.Angle
	}

	facet.MinWidth = self.MinWidth
	facet.MaxWidth = self.MaxWidth
	facet.CurveChordMax = self.MaxWidth * float32(math.Sqrt(0.5))
	return facet
}
