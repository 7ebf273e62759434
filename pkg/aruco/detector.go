package aruco

import (
	"context"
	"errors"

	"github.com/teslashibe/go-fiducial/pkg/camera"
)

// ErrImageDecode is returned when an image cannot be turned into pixels.
var ErrImageDecode = errors.New("aruco: cannot decode image")

// Image encodings.
const (
	EncodingJPEG  = "jpeg"
	EncodingPNG   = "png"
	EncodingRGB8  = "rgb8"
	EncodingBGR8  = "bgr8"
	EncodingMono8 = "mono8"
)

// Image is an image as received from the camera. Compressed encodings carry
// the file bytes in Data; raw encodings carry Height rows of Step bytes.
type Image struct {
	Encoding string `json:"encoding"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Step     int    `json:"step,omitempty"`
	Data     []byte `json:"data"`
}

// Compressed reports whether Data holds an encoded file rather than raw pixels.
func (img Image) Compressed() bool {
	return img.Encoding == EncodingJPEG || img.Encoding == EncodingPNG
}

// Detector finds markers in an image.
//
// When params are not Valid the detector still reports 2D corners but leaves
// HasPose unset on every marker.
type Detector interface {
	Detect(ctx context.Context, img Image, params camera.Parameters, markerSize float64) ([]Marker, error)
	Close() error
}

// Annotator draws detections onto the image and returns it JPEG-encoded.
type Annotator interface {
	Annotate(img Image, markers []Marker, params camera.Parameters, markerSize float64) ([]byte, error)
}

// ThresholdImager returns the binarized image the detector searched, JPEG-encoded.
type ThresholdImager interface {
	ThresholdImage(img Image) ([]byte, error)
}
