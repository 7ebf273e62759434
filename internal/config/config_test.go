package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-fiducial/pkg/aruco"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.05, cfg.MarkerSize)
	assert.True(t, cfg.ImageIsRectified)
	assert.Equal(t, "", cfg.ReferenceFrame)
	assert.Equal(t, aruco.RefineLines, cfg.Refinement())
	assert.Equal(t, 500*time.Millisecond, cfg.TF.Timeout)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "node.yaml", `
reference_frame: map
marker_size: 0.1
image_is_rectified: false
corner_refinement: SUBPIX
tf:
  timeout: 250ms
  lookup_latest: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "map", cfg.ReferenceFrame)
	assert.Equal(t, 0.1, cfg.MarkerSize)
	assert.False(t, cfg.ImageIsRectified)
	assert.Equal(t, aruco.RefineSubpix, cfg.Refinement())
	assert.Equal(t, 250*time.Millisecond, cfg.TF.Timeout)
	assert.True(t, cfg.TF.LookupLatest)

	// Unset keys keep their defaults.
	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Equal(t, DefaultCacheDuration, cfg.TF.CacheDuration)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "node.json", `{"listen": ":9000", "tf": {"poll_interval": "5ms"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, 5*time.Millisecond, cfg.TF.PollInterval)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "node.toml", "listen = 1"))
	assert.ErrorContains(t, err, "unsupported")

	_, err = Load(writeFile(t, "node.yaml", "marker_size: [1, 2"))
	assert.ErrorContains(t, err, "parse config")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"FIDUCIAL_REFERENCE_FRAME":    "odom",
		"FIDUCIAL_MARKER_SIZE":        "0.2",
		"FIDUCIAL_IMAGE_IS_RECTIFIED": "false",
		"FIDUCIAL_TF_TIMEOUT":         "1s",
		"FIDUCIAL_QUEUE_DEPTH":        "4",
	}
	cfg := Default()
	require.NoError(t, cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))

	assert.Equal(t, "odom", cfg.ReferenceFrame)
	assert.Equal(t, 0.2, cfg.MarkerSize)
	assert.False(t, cfg.ImageIsRectified)
	assert.Equal(t, time.Second, cfg.TF.Timeout)
	assert.Equal(t, 4, cfg.QueueDepth)
}

func TestApplyEnvFromProcess(t *testing.T) {
	t.Setenv("FIDUCIAL_DICTIONARY", "4X4_50")
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "4X4_50", cfg.Dictionary)
}

func TestApplyEnvReportsBadValues(t *testing.T) {
	env := map[string]string{
		"FIDUCIAL_MARKER_SIZE":   "big",
		"FIDUCIAL_LOOKUP_LATEST": "maybe",
	}
	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "FIDUCIAL_MARKER_SIZE")
	assert.ErrorContains(t, err, "FIDUCIAL_LOOKUP_LATEST")
	assert.Equal(t, DefaultMarkerSize, cfg.MarkerSize)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Node)
		want   string
	}{
		{"zero marker size", func(n *Node) { n.MarkerSize = 0 }, "marker_size"},
		{"bad refinement", func(n *Node) { n.CornerRefinement = "FANCY" }, "FANCY"},
		{"bad dictionary", func(n *Node) { n.Dictionary = "DICT_9X9" }, "dictionary"},
		{"queue depth", func(n *Node) { n.QueueDepth = 0 }, "queue_depth"},
		{"no listen", func(n *Node) { n.Listen = "" }, "listen"},
		{"cache", func(n *Node) { n.TF.CacheDuration = 0 }, "cache_duration"},
		{"camera info frame", func(n *Node) { n.CameraInfoFile = "cam.yaml" }, "camera_info_frame"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestResolverConfig(t *testing.T) {
	cfg := Default()
	cfg.TF.LookupLatest = true
	rc := cfg.TF.Resolver()
	assert.Equal(t, cfg.TF.Timeout, rc.Timeout)
	assert.True(t, rc.LookupLatest)
}
