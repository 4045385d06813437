// Package opencv provides camera frame sources backed by gocv.
package opencv

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"detectserver/internal/model"
	"detectserver/internal/service/camera"

	"gocv.io/x/gocv"
)

var boxColor = color.RGBA{R: 255, G: 0, B: 0, A: 0}

// Device reads frames from a local capture device.
type Device struct {
	capture *gocv.VideoCapture
}

// OpenDevice opens a capture device and requests the given frame size.
func OpenDevice(id, width, height int) (*Device, error) {
	capture, err := gocv.OpenVideoCapture(id)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture device %d: %w", id, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("capture device %d is not available", id)
	}

	capture.Set(gocv.VideoCaptureFrameWidth, float64(width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(height))

	return &Device{capture: capture}, nil
}

// Read grabs the next frame.
func (d *Device) Read() (camera.Frame, error) {
	mat := gocv.NewMat()
	if ok := d.capture.Read(&mat); !ok {
		mat.Close()
		if !d.capture.IsOpened() {
			return nil, camera.ErrEndOfStream
		}
		return nil, errors.New("failed to read frame")
	}
	if mat.Empty() {
		mat.Close()
		return nil, errors.New("captured frame is empty")
	}
	return &Frame{mat: mat}, nil
}

// Close releases the device.
func (d *Device) Close() error {
	return d.capture.Close()
}

// UDPDevice decodes JPEG frames received from network cameras.
type UDPDevice struct {
	receiver *camera.UDPReceiver
}

// NewUDPDevice wraps a receiver as a frame source.
func NewUDPDevice(receiver *camera.UDPReceiver) *UDPDevice {
	return &UDPDevice{receiver: receiver}
}

// Read waits for the next complete JPEG and decodes it.
func (d *UDPDevice) Read() (camera.Frame, error) {
	data, sender, err := d.receiver.ReadJPEG()
	if err != nil {
		// camera.ErrEndOfStream after Close, a retryable read error otherwise.
		return nil, err
	}

	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame from %s: %w", sender, err)
	}
	if mat.Empty() {
		mat.Close()
		return nil, fmt.Errorf("decoded frame from %s is empty", sender)
	}
	return &Frame{mat: mat, jpeg: data}, nil
}

// Close stops the receiver.
func (d *UDPDevice) Close() error {
	return d.receiver.Close()
}

// Frame is a BGR frame held in a gocv.Mat.
type Frame struct {
	mat  gocv.Mat
	jpeg []byte
}

// Image converts the frame to an image.Image.
func (f *Frame) Image() (image.Image, error) {
	return f.mat.ToImage()
}

// JPEG returns the frame as captured, reusing the received bytes when the
// source already sent JPEG.
func (f *Frame) JPEG() ([]byte, error) {
	if f.jpeg != nil {
		return f.jpeg, nil
	}
	return encode(f.mat)
}

// AnnotatedJPEG draws the detections on a copy of the frame.
func (f *Frame) AnnotatedJPEG(dets []model.Detection) ([]byte, error) {
	if len(dets) == 0 {
		return f.JPEG()
	}

	annotated := f.mat.Clone()
	defer annotated.Close()

	if err := Draw(&annotated, dets); err != nil {
		return nil, err
	}
	return encode(annotated)
}

// Close releases the frame.
func (f *Frame) Close() error {
	return f.mat.Close()
}

// Draw paints boxes and "label (confidence)" captions onto mat.
func Draw(mat *gocv.Mat, dets []model.Detection) error {
	for _, d := range dets {
		rect := image.Rect(int(d.Box.XMin), int(d.Box.YMin), int(d.Box.XMax), int(d.Box.YMax))
		if err := gocv.Rectangle(mat, rect, boxColor, 2); err != nil {
			return fmt.Errorf("failed to draw rectangle: %w", err)
		}

		label := fmt.Sprintf("%s (%.2f)", d.Label, d.Confidence)
		pt := image.Pt(rect.Min.X, max(rect.Min.Y-5, 10))
		if err := gocv.PutText(mat, label, pt, gocv.FontHersheySimplex, 0.5, boxColor, 1); err != nil {
			return fmt.Errorf("failed to draw text: %w", err)
		}
	}
	return nil
}

func encode(mat gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}
