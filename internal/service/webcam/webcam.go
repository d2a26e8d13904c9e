// Package webcam implements camera.Device on top of an OpenCV VideoCapture.
package webcam

import (
	"fmt"
	"strconv"

	"brivet/internal/service/camera"

	"gocv.io/x/gocv"
)

// Device is a V4L2/USB camera (or a video file/stream URL) opened through gocv.
type Device struct {
	source interface{}
	cap    *gocv.VideoCapture
	mat    gocv.Mat
	mode   camera.Mode
}

var _ camera.Device = (*Device)(nil)

// New returns a Device for a numeric index ("0") or a path/URL.
func New(device string) *Device {
	var source interface{} = device
	if id, err := strconv.Atoi(device); err == nil {
		source = id
	}
	return &Device{source: source}
}

func (d *Device) Open(mode camera.Mode) error {
	vc, err := gocv.OpenVideoCapture(d.source)
	if err != nil {
		return fmt.Errorf("failed to open capture device %v: %w", d.source, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return fmt.Errorf("capture device %v is not available", d.source)
	}
	// keep only the newest frame in the driver queue
	vc.Set(gocv.VideoCaptureBufferSize, 1)

	d.cap = vc
	d.mat = gocv.NewMat()
	return d.SetMode(mode)
}

func (d *Device) SetMode(mode camera.Mode) error {
	if d.cap == nil {
		return fmt.Errorf("capture device not open")
	}
	d.cap.Set(gocv.VideoCaptureFrameWidth, float64(mode.Width))
	d.cap.Set(gocv.VideoCaptureFrameHeight, float64(mode.Height))
	if mode.FPS > 0 {
		d.cap.Set(gocv.VideoCaptureFPS, float64(mode.FPS))
	}
	d.mode = mode
	return nil
}

// Read grabs one frame and returns it JPEG encoded at the mode's quality.
// The size is what the driver actually delivered, which may differ from the
// requested mode.
func (d *Device) Read() ([]byte, int, int, error) {
	if d.cap == nil {
		return nil, 0, 0, fmt.Errorf("capture device not open")
	}
	if ok := d.cap.Read(&d.mat); !ok {
		return nil, 0, 0, fmt.Errorf("failed to read frame from device %v", d.source)
	}
	if d.mat.Empty() {
		return nil, 0, 0, fmt.Errorf("empty frame from device %v", d.source)
	}

	quality := d.mode.Quality
	if quality <= 0 {
		quality = 90
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, d.mat, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to encode frame: %w", err)
	}
	defer buf.Close()

	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())
	return data, d.mat.Cols(), d.mat.Rows(), nil
}

func (d *Device) Close() error {
	if d.cap == nil {
		return nil
	}
	d.mat.Close()
	err := d.cap.Close()
	d.cap = nil
	return err
}
