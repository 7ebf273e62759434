package camera

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// calibrationMatrix matches the {rows, cols, data} blocks of camera calibration files.
type calibrationMatrix struct {
	Rows int       `yaml:"rows"`
	Cols int       `yaml:"cols"`
	Data []float64 `yaml:"data"`
}

// calibrationFile is the YAML layout written by the usual camera calibration tools.
type calibrationFile struct {
	ImageWidth             int               `yaml:"image_width"`
	ImageHeight            int               `yaml:"image_height"`
	CameraName             string            `yaml:"camera_name"`
	CameraMatrix           calibrationMatrix `yaml:"camera_matrix"`
	DistortionModel        string            `yaml:"distortion_model"`
	DistortionCoefficients calibrationMatrix `yaml:"distortion_coefficients"`
	RectificationMatrix    calibrationMatrix `yaml:"rectification_matrix"`
	ProjectionMatrix       calibrationMatrix `yaml:"projection_matrix"`
}

// LoadCalibration reads a calibration YAML file into an Info. frameID is
// stamped on the result since calibration files do not carry one.
func LoadCalibration(path, frameID string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("read calibration: %w", err)
	}
	return ParseCalibration(data, frameID)
}

// ParseCalibration parses calibration YAML.
func ParseCalibration(data []byte, frameID string) (Info, error) {
	var f calibrationFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Info{}, fmt.Errorf("parse calibration: %w", err)
	}

	info := Info{
		FrameID:         frameID,
		Width:           f.ImageWidth,
		Height:          f.ImageHeight,
		DistortionModel: f.DistortionModel,
		D:               f.DistortionCoefficients.Data,
	}
	if err := fill(info.K[:], f.CameraMatrix, "camera_matrix"); err != nil {
		return Info{}, err
	}
	if len(f.RectificationMatrix.Data) == 0 {
		info.R = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
	} else if err := fill(info.R[:], f.RectificationMatrix, "rectification_matrix"); err != nil {
		return Info{}, err
	}
	if len(f.ProjectionMatrix.Data) == 0 {
		// Monocular calibration without a projection block: P = [K | 0].
		copy(info.P[0:3], info.K[0:3])
		copy(info.P[4:7], info.K[3:6])
		copy(info.P[8:11], info.K[6:9])
	} else if err := fill(info.P[:], f.ProjectionMatrix, "projection_matrix"); err != nil {
		return Info{}, err
	}
	if info.DistortionModel == "" {
		info.DistortionModel = DistortionPlumbBob
	}
	return info, nil
}

func fill(dst []float64, m calibrationMatrix, name string) error {
	if len(m.Data) != len(dst) {
		return fmt.Errorf("parse calibration: %s has %d values, want %d", name, len(m.Data), len(dst))
	}
	copy(dst, m.Data)
	return nil
}
