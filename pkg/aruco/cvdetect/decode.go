package cvdetect

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-fiducial/pkg/aruco"
)

// MaxDimension bounds the width and height of raw images.
const MaxDimension = 1 << 15

// Decode turns an image into a BGR or single-channel Mat. The caller closes it.
// Failures wrap aruco.ErrImageDecode.
func Decode(img aruco.Image) (gocv.Mat, error) {
	if len(img.Data) == 0 {
		return gocv.NewMat(), fmt.Errorf("%w: empty image data", aruco.ErrImageDecode)
	}

	if img.Compressed() {
		mat, err := gocv.IMDecode(img.Data, gocv.IMReadColor)
		if err != nil {
			mat.Close()
			return gocv.NewMat(), fmt.Errorf("%w: %v", aruco.ErrImageDecode, err)
		}
		if mat.Empty() {
			mat.Close()
			return gocv.NewMat(), fmt.Errorf("%w: %s data did not decode", aruco.ErrImageDecode, img.Encoding)
		}
		return mat, nil
	}

	var (
		mt       gocv.MatType
		channels int
	)
	switch img.Encoding {
	case aruco.EncodingBGR8, aruco.EncodingRGB8:
		mt, channels = gocv.MatTypeCV8UC3, 3
	case aruco.EncodingMono8:
		mt, channels = gocv.MatTypeCV8UC1, 1
	default:
		return gocv.NewMat(), fmt.Errorf("%w: unsupported encoding %q", aruco.ErrImageDecode, img.Encoding)
	}

	if img.Width <= 0 || img.Height <= 0 || img.Width > MaxDimension || img.Height > MaxDimension {
		return gocv.NewMat(), fmt.Errorf("%w: %s %dx%d out of range",
			aruco.ErrImageDecode, img.Encoding, img.Width, img.Height)
	}
	row := img.Width * channels
	step := img.Step
	if step == 0 {
		step = row
	}
	// Divide rather than multiply: Step comes off the wire unbounded.
	if step < row || step > len(img.Data)/img.Height {
		return gocv.NewMat(), fmt.Errorf("%w: %s %dx%d step %d does not fit %d bytes",
			aruco.ErrImageDecode, img.Encoding, img.Width, img.Height, step, len(img.Data))
	}

	data := img.Data[:row*img.Height]
	if step != row {
		// Drop row padding so the buffer is contiguous.
		data = make([]byte, 0, row*img.Height)
		for y := 0; y < img.Height; y++ {
			data = append(data, img.Data[y*step:y*step+row]...)
		}
	}
	// NewMatFromBytes shares data with the caller; clone so drawing never
	// writes into the received buffer.
	view, err := gocv.NewMatFromBytes(img.Height, img.Width, mt, data)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: %v", aruco.ErrImageDecode, err)
	}
	defer view.Close()

	mat := gocv.NewMat()
	if img.Encoding == aruco.EncodingRGB8 {
		gocv.CvtColor(view, &mat, gocv.ColorRGBToBGR)
	} else {
		view.CopyTo(&mat)
	}
	return mat, nil
}
