// Package cvdetect implements aruco.Detector on top of OpenCV's ArUco module.
package cvdetect

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"sync"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/teslashibe/go-fiducial/internal/log"
	"github.com/teslashibe/go-fiducial/pkg/aruco"
	"github.com/teslashibe/go-fiducial/pkg/camera"
)

// OpenCV corner refinement codes (cv::aruco::CornerRefineMethod).
const (
	cvRefineNone    = 0
	cvRefineSubpix  = 1
	cvRefineContour = 2
)

// Config holds detector configuration.
type Config struct {
	Dictionary string
	Refinement aruco.RefinementMethod

	// Adaptive threshold window and offset for the debug image.
	ThresholdBlockSize int
	ThresholdC         float32
}

// DefaultConfig returns the classic ArUco dictionary with LINES refinement.
func DefaultConfig() Config {
	return Config{
		Dictionary:         aruco.DefaultDictionary,
		Refinement:         aruco.RefineLines,
		ThresholdBlockSize: 7,
		ThresholdC:         7,
	}
}

// Detector finds ArUco markers with gocv. Calls are serialized.
type Detector struct {
	mu       sync.Mutex
	detector gocv.ArucoDetector
	config   Config
	logger   *slog.Logger
}

// New creates a detector.
func New(cfg Config, logger *slog.Logger) (*Detector, error) {
	if logger == nil {
		logger = log.Component("cvdetect")
	}
	if cfg.Dictionary == "" {
		cfg.Dictionary = aruco.DefaultDictionary
	}
	dict, err := dictionaryCode(cfg.Dictionary)
	if err != nil {
		return nil, err
	}
	if cfg.ThresholdBlockSize < 3 || cfg.ThresholdBlockSize%2 == 0 {
		return nil, fmt.Errorf("cvdetect: threshold block size must be odd and >= 3, got %d", cfg.ThresholdBlockSize)
	}

	params := gocv.NewArucoDetectorParameters()
	params.SetCornerRefinementMethod(refinementCode(cfg.Refinement))
	d := &Detector{
		detector: gocv.NewArucoDetectorWithParams(gocv.GetPredefinedDictionary(dict), params),
		config:   cfg,
		logger:   logger,
	}
	logger.Info("aruco detector ready",
		"dictionary", cfg.Dictionary,
		"corner_refinement", cfg.Refinement.String(),
		"threshold_block_size", cfg.ThresholdBlockSize,
		"threshold_c", cfg.ThresholdC)
	return d, nil
}

// Detect decodes img, finds markers and, when params are valid, estimates each
// marker's pose in the camera optical frame.
func (d *Detector) Detect(ctx context.Context, img aruco.Image, params camera.Parameters, markerSize float64) ([]aruco.Marker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mat, err := Decode(img)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	d.mu.Lock()
	corners, ids, _ := d.detector.DetectMarkers(mat)
	d.mu.Unlock()

	withPose := params.Valid() && markerSize > 0
	markers := make([]aruco.Marker, 0, len(ids))
	for i, id := range ids {
		if len(corners[i]) != 4 {
			d.logger.Warn("marker with unexpected corner count", "id", id, "corners", len(corners[i]))
			continue
		}
		m := aruco.Marker{ID: id}
		for j, c := range corners[i] {
			m.Corners[j] = aruco.Point{X: float64(c.X), Y: float64(c.Y)}
		}
		if withPose {
			pose, err := aruco.EstimatePose(m.Corners, params, markerSize)
			if err != nil {
				d.logger.Debug("pose estimation failed", "id", id, "error", err)
			} else {
				m.Pose, m.HasPose = pose, true
			}
		}
		markers = append(markers, m)
	}
	return markers, nil
}

// Annotate draws marker outlines, ids and, for markers with a pose, their axes.
func (d *Detector) Annotate(img aruco.Image, markers []aruco.Marker, params camera.Parameters, markerSize float64) ([]byte, error) {
	mat, err := Decode(img)
	if err != nil {
		return nil, err
	}
	defer mat.Close()
	if mat.Channels() == 1 {
		gocv.CvtColor(mat, &mat, gocv.ColorGrayToBGR)
	}

	red := color.RGBA{R: 255, A: 255}
	blue := color.RGBA{B: 255, A: 255}
	for _, m := range markers {
		for i := range m.Corners {
			gocv.Line(&mat, pixel(m.Corners[i]), pixel(m.Corners[(i+1)%4]), red, 2)
		}
		gocv.PutText(&mat, fmt.Sprintf("id=%d", m.ID), pixel(m.Center()), gocv.FontHersheySimplex, 0.6, blue, 2)

		if m.HasPose && params.Valid() {
			drawAxes(&mat, m, params, markerSize)
		}
	}
	return encodeJPEG(mat)
}

// ThresholdImage returns the adaptive threshold of the grey image, as the
// detector sees it during candidate search.
func (d *Detector) ThresholdImage(img aruco.Image) ([]byte, error) {
	mat, err := Decode(img)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	grey := gocv.NewMat()
	defer grey.Close()
	if mat.Channels() == 1 {
		mat.CopyTo(&grey)
	} else {
		gocv.CvtColor(mat, &grey, gocv.ColorBGRToGray)
	}

	out := gocv.NewMat()
	defer out.Close()
	gocv.AdaptiveThreshold(grey, &out, 255, gocv.AdaptiveThresholdMean, gocv.ThresholdBinaryInv,
		d.config.ThresholdBlockSize, d.config.ThresholdC)
	return encodeJPEG(out)
}

// Config returns the detector configuration.
func (d *Detector) Config() Config {
	return d.config
}

// Close releases the detector resources.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detector.Close()
	return nil
}

func drawAxes(mat *gocv.Mat, m aruco.Marker, params camera.Parameters, size float64) {
	axes := []struct {
		end r3.Vec
		c   color.RGBA
	}{
		{r3.Vec{X: size}, color.RGBA{R: 255, A: 255}},
		{r3.Vec{Y: size}, color.RGBA{G: 255, A: 255}},
		{r3.Vec{Z: size}, color.RGBA{B: 255, A: 255}},
	}
	origin := m.Pose.Apply(r3.Vec{})
	if origin.Z <= 0 {
		return
	}
	o := pixel(aruco.Project(origin, params))
	for _, a := range axes {
		end := m.Pose.Apply(a.end)
		if end.Z <= 0 {
			continue
		}
		gocv.Line(mat, o, pixel(aruco.Project(end, params)), a.c, 2)
	}
}

func pixel(p aruco.Point) image.Point {
	return image.Pt(int(p.X+0.5), int(p.Y+0.5))
}

func encodeJPEG(mat gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()
	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

// refinementCode maps refinement names onto what OpenCV 4.7+ offers: LINES
// becomes contour line fitting and HARRIS becomes sub-pixel corner search.
func refinementCode(m aruco.RefinementMethod) int {
	switch m {
	case aruco.RefineNone:
		return cvRefineNone
	case aruco.RefineHarris, aruco.RefineSubpix:
		return cvRefineSubpix
	default:
		return cvRefineContour
	}
}

var dictionaries = map[string]gocv.ArucoDictionaryCode{
	"ARUCO_ORIGINAL": gocv.ArucoDictArucoOriginal,
	"4X4_50":         gocv.ArucoDict4x4_50,
	"4X4_100":        gocv.ArucoDict4x4_100,
	"4X4_250":        gocv.ArucoDict4x4_250,
	"4X4_1000":       gocv.ArucoDict4x4_1000,
	"5X5_50":         gocv.ArucoDict5x5_50,
	"5X5_100":        gocv.ArucoDict5x5_100,
	"5X5_250":        gocv.ArucoDict5x5_250,
	"5X5_1000":       gocv.ArucoDict5x5_1000,
	"6X6_50":         gocv.ArucoDict6x6_50,
	"6X6_100":        gocv.ArucoDict6x6_100,
	"6X6_250":        gocv.ArucoDict6x6_250,
	"6X6_1000":       gocv.ArucoDict6x6_1000,
	"7X7_50":         gocv.ArucoDict7x7_50,
	"7X7_100":        gocv.ArucoDict7x7_100,
	"7X7_250":        gocv.ArucoDict7x7_250,
	"7X7_1000":       gocv.ArucoDict7x7_1000,
}

func dictionaryCode(name string) (gocv.ArucoDictionaryCode, error) {
	code, ok := dictionaries[name]
	if !ok {
		return 0, fmt.Errorf("cvdetect: unknown dictionary %q", name)
	}
	return code, nil
}
