// camera-push: streams JPEG or PNG files to a marker node as a camera would.
//
//	camera-push -url ws://localhost:8090/ws/camera/front -frame front_optical \
//	    -calibration front.yaml -fps 10 images/*.jpg
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/teslashibe/go-fiducial/internal/log"
	"github.com/teslashibe/go-fiducial/pkg/aruco"
	"github.com/teslashibe/go-fiducial/pkg/camera"
	"github.com/teslashibe/go-fiducial/pkg/ingest"
	"github.com/teslashibe/go-fiducial/pkg/protocol"
	"github.com/teslashibe/go-fiducial/pkg/spatial"
	"github.com/teslashibe/go-fiducial/pkg/tf"
)

var (
	url         = flag.String("url", "ws://localhost:8090/ws/camera/cam0", "node ingest endpoint")
	frameID     = flag.String("frame", "camera", "camera frame id")
	calibration = flag.String("calibration", "", "calibration YAML sent with every image")
	fps         = flag.Float64("fps", 10, "images per second")
	loop        = flag.Bool("loop", false, "repeat the image list until interrupted")
	mountParent = flag.String("mount-parent", "", "publish a static parent->frame transform")
	mountXYZ    = flag.String("mount-xyz", "0,0,0", "mount translation x,y,z in metres")
	mountMatrix = flag.String("mount-matrix", "", "mount as 16 comma-separated row-major 4x4 values; overrides -mount-xyz")
	logLevel    = flag.String("log-level", "info", "debug, info, warn or error")
)

func main() {
	flag.Parse()
	log.Init(*logLevel)

	files, err := imageFiles(flag.Args())
	if err != nil || len(files) == 0 {
		fmt.Fprintln(os.Stderr, "usage: camera-push [flags] image.jpg|dir ...")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(2)
	}
	if *fps <= 0 {
		fmt.Fprintln(os.Stderr, "-fps must be positive")
		os.Exit(2)
	}

	if err := run(files); err != nil {
		log.Error("camera-push failed", "error", err)
		os.Exit(1)
	}
}

func run(files []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var info *camera.Info
	if *calibration != "" {
		ci, err := camera.LoadCalibration(*calibration, *frameID)
		if err != nil {
			return err
		}
		info = &ci
	}

	client := ingest.NewClient(*url, log.Component("camera-push"))
	client.OnPong = func(p *protocol.PongData) {
		log.Debug("pong", "latency_ms", p.LatencyMs)
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	if *mountParent != "" {
		mount, err := parseMount(*mountParent, *frameID, *mountXYZ, *mountMatrix)
		if err != nil {
			return err
		}
		if err := client.SendTransforms([]tf.TransformStamped{mount}, true); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(time.Duration(float64(time.Second) / *fps))
	defer ticker.Stop()

	sent := 0
	for {
		for _, path := range files {
			img, err := readImage(path)
			if err != nil {
				log.Warn("skipping file", "path", path, "error", err)
				continue
			}

			select {
			case <-ctx.Done():
				log.Info("stopped", "sent", sent)
				return nil
			case <-client.Done():
				return fmt.Errorf("connection closed after %d images", sent)
			case <-ticker.C:
			}

			if err := client.SendImage(*frameID, time.Now(), img, info); err != nil {
				return err
			}
			sent++
			if sent%50 == 0 {
				_ = client.Ping(*frameID)
			}
		}
		if !*loop {
			log.Info("done", "sent", sent)
			return nil
		}
	}
}

// imageFiles expands directories into their .jpg/.jpeg/.png files, sorted.
func imageFiles(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		st, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !st.IsDir() {
			files = append(files, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		var dir []string
		for _, e := range entries {
			if encoding(e.Name()) != "" {
				dir = append(dir, filepath.Join(arg, e.Name()))
			}
		}
		sort.Strings(dir)
		files = append(files, dir...)
	}
	return files, nil
}

func encoding(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return aruco.EncodingJPEG
	case ".png":
		return aruco.EncodingPNG
	default:
		return ""
	}
}

func readImage(path string) (aruco.Image, error) {
	enc := encoding(path)
	if enc == "" {
		return aruco.Image{}, fmt.Errorf("unsupported image type %q", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return aruco.Image{}, err
	}
	return aruco.Image{Encoding: enc, Data: data}, nil
}

// parseMount builds the static mount transform from -mount-matrix when set,
// otherwise from -mount-xyz.
func parseMount(parent, child, xyz, matrix string) (tf.TransformStamped, error) {
	out := tf.TransformStamped{FrameID: parent, ChildFrameID: child}
	if matrix != "" {
		fields := strings.Split(matrix, ",")
		if len(fields) != 16 {
			return out, fmt.Errorf("bad -mount-matrix: want 16 values, got %d", len(fields))
		}
		var m [16]float64
		for i, f := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil {
				return out, fmt.Errorf("bad -mount-matrix value %d: %w", i, err)
			}
			m[i] = v
		}
		tr, err := spatial.FromMatrix(m)
		if err != nil {
			return out, fmt.Errorf("bad -mount-matrix: %w", err)
		}
		out.Transform = tr
		return out, nil
	}

	var x, y, z float64
	if _, err := fmt.Sscanf(xyz, "%g,%g,%g", &x, &y, &z); err != nil {
		return out, fmt.Errorf("bad -mount-xyz %q: %w", xyz, err)
	}
	out.Transform = spatial.FromTranslation(x, y, z)
	return out, nil
}
