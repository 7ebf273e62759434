// Package aruco defines detected fiducial markers and the detector contract
// the pose pipeline consumes. The gocv-backed implementation lives in
// pkg/aruco/cvdetect; this package stays free of cgo so the pipeline and its
// tests build without OpenCV.
package aruco

import (
	"fmt"
	"math"
	"strings"

	"github.com/teslashibe/go-fiducial/pkg/spatial"
)

// Point is a pixel coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Marker is one marker found in one image. Corners run clockwise from the
// marker's top-left corner. Pose is the marker in the camera optical frame
// and is only meaningful when HasPose is set.
type Marker struct {
	ID      int               `json:"id"`
	Corners [4]Point          `json:"corners"`
	Pose    spatial.Transform `json:"-"`
	HasPose bool              `json:"has_pose"`
}

// Center returns the mean of the four corners.
func (m Marker) Center() Point {
	var c Point
	for _, p := range m.Corners {
		c.X += p.X / 4
		c.Y += p.Y / 4
	}
	return c
}

// Perimeter returns the corner polygon perimeter in pixels.
func (m Marker) Perimeter() float64 {
	var sum float64
	for i := range m.Corners {
		a, b := m.Corners[i], m.Corners[(i+1)%4]
		sum += math.Hypot(b.X-a.X, b.Y-a.Y)
	}
	return sum
}

// RefinementMethod selects how detected corners are refined.
type RefinementMethod int

// Corner refinement methods.
const (
	RefineNone RefinementMethod = iota
	RefineLines
	RefineHarris
	RefineSubpix
)

var refinementNames = map[RefinementMethod]string{
	RefineNone:   "NONE",
	RefineLines:  "LINES",
	RefineHarris: "HARRIS",
	RefineSubpix: "SUBPIX",
}

func (m RefinementMethod) String() string {
	if s, ok := refinementNames[m]; ok {
		return s
	}
	return fmt.Sprintf("RefinementMethod(%d)", int(m))
}

// ParseRefinement parses NONE, LINES, HARRIS or SUBPIX, case-insensitively.
// An empty string selects LINES.
func ParseRefinement(s string) (RefinementMethod, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return RefineLines, nil
	}
	for m, name := range refinementNames {
		if name == s {
			return m, nil
		}
	}
	return RefineLines, fmt.Errorf("aruco: unknown corner refinement %q (want NONE, LINES, HARRIS or SUBPIX)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m RefinementMethod) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *RefinementMethod) UnmarshalText(b []byte) error {
	v, err := ParseRefinement(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Dictionaries accepted by the detector.
var Dictionaries = []string{
	"ARUCO_ORIGINAL",
	"4X4_50", "4X4_100", "4X4_250", "4X4_1000",
	"5X5_50", "5X5_100", "5X5_250", "5X5_1000",
	"6X6_50", "6X6_100", "6X6_250", "6X6_1000",
	"7X7_50", "7X7_100", "7X7_250", "7X7_1000",
}

// DefaultDictionary is the classic ArUco dictionary.
const DefaultDictionary = "ARUCO_ORIGINAL"

// ValidDictionary reports whether name is one of Dictionaries.
func ValidDictionary(name string) bool {
	for _, d := range Dictionaries {
		if d == name {
			return true
		}
	}
	return false
}
