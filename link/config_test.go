package link

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/bringyour/scenelink/protocol"
)

func TestConfigDefaults(t *testing.T) {
	config := DefaultLinkConfig()
	assert.Equal(t, "localhost:8980", config.Address)
	assert.Equal(t, float32(1), config.UnitScale)
	assert.Equal(t, 1000, config.QueueSize)
	assert.Equal(t, RefacetModeTri, config.Refacet.Mode)
	assert.Equal(t, nil, config.Validate())

	facet := config.Refacet.FacetSettings()
	assert.Equal(t, uint32(3), facet.MaxSides)
	assert.Equal(t, float32(0), facet.PlaneAngle)
	assert.Equal(t, float32(0.01), facet.CurveChordTolerance)
	assert.Equal(t, float32(0.45), facet.CurveChordAngle)
	assert.Equal(t, float32(0.01), facet.SurfacePlaneTolerance)
	assert.Equal(t, float32(0.45), facet.SurfacePlaneAngle)
	assert.Equal(t, true, facet.RelativeToBbox)
	assert.Equal(t, true, facet.MatchTopology)
	assert.Equal(t, protocol.FacetShapeCut, facet.Shape)
}

func TestParseConfig(t *testing.T) {
	config := DefaultLinkConfig()
	err := ParseConfig([]byte(`
address: 10.0.0.2:9000
live_link: true
refacet:
  mode: ngon
  max_width: 4
`), config)
	assert.Equal(t, nil, err)
	assert.Equal(t, "10.0.0.2:9000", config.Address)
	assert.Equal(t, true, config.LiveLink)
	// missing fields keep their defaults
	assert.Equal(t, 1000, config.QueueSize)
	assert.Equal(t, float32(0.01), config.Refacet.Tolerance)
	assert.Equal(t, (*AdvancedRefacetConfig)(nil), config.Refacet.Advanced)

	facet := config.Refacet.FacetSettings()
	assert.Equal(t, uint32(128), facet.MaxSides)
	assert.Equal(t, float32(math.Pi/4), facet.PlaneAngle)
	assert.Equal(t, float32(4), facet.MaxWidth)
	assert.Equal(t, float32(4*math.Sqrt(0.5)), facet.CurveChordMax)
}

func TestParseConfigAdvanced(t *testing.T) {
	config := DefaultLinkConfig()
	err := ParseConfig([]byte(`
refacet:
  advanced:
    curve_chord_angle: 0.2
`), config)
	assert.Equal(t, nil, err)
	assert.NotEqual(t, (*AdvancedRefacetConfig)(nil), config.Refacet.Advanced)
	assert.Equal(t, float32(0.01), config.Refacet.Advanced.CurveChordTolerance)
	assert.Equal(t, float32(0.2), config.Refacet.Advanced.CurveChordAngle)
	assert.Equal(t, float32(0.35), config.Refacet.Advanced.SurfacePlaneAngle)

	facet := config.Refacet.FacetSettings()
	assert.Equal(t, float32(0.2), facet.CurveChordAngle)
	assert.Equal(t, float32(0.35), facet.SurfacePlaneAngle)
}

func TestParseConfigInvalid(t *testing.T) {
	assert.NotEqual(t, nil, ParseConfig([]byte("refacet:\n  mode: quad\n"), DefaultLinkConfig()))
	assert.NotEqual(t, nil, ParseConfig([]byte("queue_size: 0\n"), DefaultLinkConfig()))
	assert.NotEqual(t, nil, ParseConfig([]byte("address: \"\"\n"), DefaultLinkConfig()))
	assert.NotEqual(t, nil, ParseConfig([]byte("refacet: [1, 2\n"), DefaultLinkConfig()))
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenelink.yml")
	err := os.WriteFile(path, []byte("unit_scale: 0.001\nonly_visible: true\n"), 0600)
	assert.Equal(t, nil, err)

	config, err := LoadConfig(path)
	assert.Equal(t, nil, err)
	assert.Equal(t, float32(0.001), config.UnitScale)
	assert.Equal(t, true, config.OnlyVisible)
	assert.Equal(t, DefaultAddress, config.Address)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.NotEqual(t, nil, err)
}
