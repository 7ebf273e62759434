// Package config loads the marker node configuration.
//
// Values come from Default, then an optional YAML or JSON file, then
// FIDUCIAL_* environment variables, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-fiducial/pkg/aruco"
	"github.com/teslashibe/go-fiducial/pkg/tf"
)

// Defaults.
const (
	DefaultListen        = ":8090"
	DefaultMarkerSize    = 0.05
	DefaultCacheDuration = 10 * time.Second
	DefaultQueueDepth    = 2
)

// Node is the full configuration of the marker node.
type Node struct {
	Listen   string `yaml:"listen" json:"listen"`
	LogLevel string `yaml:"log_level" json:"log_level"`

	// ReferenceFrame poses are expressed in; empty binds to the camera frame.
	ReferenceFrame string `yaml:"reference_frame" json:"reference_frame"`

	// MarkerSize is the printed marker side length in metres.
	MarkerSize       float64 `yaml:"marker_size" json:"marker_size"`
	ImageIsRectified bool    `yaml:"image_is_rectified" json:"image_is_rectified"`
	CornerRefinement string  `yaml:"corner_refinement" json:"corner_refinement"`
	Dictionary       string  `yaml:"dictionary" json:"dictionary"`
	MarkerFrame      string  `yaml:"marker_frame_prefix" json:"marker_frame_prefix"`

	// QueueDepth bounds pending images; newer images are dropped when full.
	QueueDepth int `yaml:"queue_depth" json:"queue_depth"`

	TF TF `yaml:"tf" json:"tf"`

	// CameraInfoFile is a calibration YAML applied at startup, for cameras
	// that do not send their own.
	CameraInfoFile  string `yaml:"camera_info_file" json:"camera_info_file"`
	CameraInfoFrame string `yaml:"camera_info_frame" json:"camera_info_frame"`

	// RecordPath is a SQLite file for pose history; empty disables recording.
	RecordPath string `yaml:"record_path" json:"record_path"`

	StaticDir string `yaml:"static_dir" json:"static_dir"`
}

// TF configures the transform buffer and resolver.
type TF struct {
	CacheDuration time.Duration `yaml:"cache_duration" json:"cache_duration"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	PollInterval  time.Duration `yaml:"poll_interval" json:"poll_interval"`
	LookupLatest  bool          `yaml:"lookup_latest" json:"lookup_latest"`
}

// Resolver returns the resolver part of the configuration.
func (t TF) Resolver() tf.ResolverConfig {
	return tf.ResolverConfig{
		Timeout:      t.Timeout,
		PollInterval: t.PollInterval,
		LookupLatest: t.LookupLatest,
	}
}

// Default returns the configuration used when nothing is set.
func Default() Node {
	return Node{
		Listen:           DefaultListen,
		LogLevel:         "info",
		MarkerSize:       DefaultMarkerSize,
		ImageIsRectified: true,
		CornerRefinement: aruco.RefineLines.String(),
		Dictionary:       aruco.DefaultDictionary,
		MarkerFrame:      "aruco_marker_",
		QueueDepth:       DefaultQueueDepth,
		TF: TF{
			CacheDuration: DefaultCacheDuration,
			Timeout:       tf.DefaultTimeout,
			PollInterval:  tf.DefaultPollInterval,
		},
	}
}

// Load reads a .yaml, .yml or .json file over Default.
// JSON is parsed as YAML so durations may be written as "500ms" in both.
func Load(path string) (Node, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".json":
	default:
		return cfg, fmt.Errorf("unsupported config file extension: %s", ext)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from FIDUCIAL_* environment variables.
func (n *Node) ApplyEnv() error {
	return n.applyEnv(os.LookupEnv)
}

func (n *Node) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = i
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("FIDUCIAL_LISTEN", &n.Listen)
	str("FIDUCIAL_LOG_LEVEL", &n.LogLevel)
	str("FIDUCIAL_REFERENCE_FRAME", &n.ReferenceFrame)
	float("FIDUCIAL_MARKER_SIZE", &n.MarkerSize)
	boolean("FIDUCIAL_IMAGE_IS_RECTIFIED", &n.ImageIsRectified)
	str("FIDUCIAL_CORNER_REFINEMENT", &n.CornerRefinement)
	str("FIDUCIAL_DICTIONARY", &n.Dictionary)
	str("FIDUCIAL_MARKER_FRAME_PREFIX", &n.MarkerFrame)
	integer("FIDUCIAL_QUEUE_DEPTH", &n.QueueDepth)
	duration("FIDUCIAL_TF_CACHE", &n.TF.CacheDuration)
	duration("FIDUCIAL_TF_TIMEOUT", &n.TF.Timeout)
	duration("FIDUCIAL_TF_POLL", &n.TF.PollInterval)
	boolean("FIDUCIAL_LOOKUP_LATEST", &n.TF.LookupLatest)
	str("FIDUCIAL_CAMERA_INFO_FILE", &n.CameraInfoFile)
	str("FIDUCIAL_CAMERA_INFO_FRAME", &n.CameraInfoFrame)
	str("FIDUCIAL_RECORD_PATH", &n.RecordPath)
	str("FIDUCIAL_STATIC_DIR", &n.StaticDir)

	return errors.Join(errs...)
}

// Validate reports every invalid field.
func (n Node) Validate() error {
	var errs []error

	if n.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if !(n.MarkerSize > 0) {
		errs = append(errs, fmt.Errorf("marker_size must be positive, got %v", n.MarkerSize))
	}
	if _, err := aruco.ParseRefinement(n.CornerRefinement); err != nil {
		errs = append(errs, err)
	}
	if !aruco.ValidDictionary(n.Dictionary) {
		errs = append(errs, fmt.Errorf("unknown dictionary %q", n.Dictionary))
	}
	if n.QueueDepth < 1 {
		errs = append(errs, fmt.Errorf("queue_depth must be at least 1, got %d", n.QueueDepth))
	}
	if n.TF.CacheDuration <= 0 {
		errs = append(errs, fmt.Errorf("tf.cache_duration must be positive, got %v", n.TF.CacheDuration))
	}
	if n.TF.Timeout < 0 || n.TF.PollInterval < 0 {
		errs = append(errs, errors.New("tf durations must not be negative"))
	}
	if n.CameraInfoFile != "" && n.CameraInfoFrame == "" {
		errs = append(errs, errors.New("camera_info_frame is required with camera_info_file"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Refinement returns the parsed corner refinement method.
func (n Node) Refinement() aruco.RefinementMethod {
	m, err := aruco.ParseRefinement(n.CornerRefinement)
	if err != nil {
		return aruco.RefineLines
	}
	return m
}
