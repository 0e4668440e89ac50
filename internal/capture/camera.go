package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"sync"

	"github.com/disintegration/imaging"
)

// Camera errors. Any error from Open puts the service into degraded mode;
// these two are the ones a candidate can act on.
var (
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrNoDevice         = errors.New("no camera device")
	ErrDeviceClosed     = errors.New("camera closed")
)

// Camera is a frame source. Open is called once; Close releases the device.
type Camera interface {
	Open(ctx context.Context) error
	Frame(ctx context.Context) (image.Image, error)
	Close() error
}

// SnapshotCamera reads frames from an image file kept current by a capture
// sidecar, for example:
//
//	ffmpeg -f v4l2 -i /dev/video0 -vf fps=1 -update 1 -y /run/exstem/frame.jpg
type SnapshotCamera struct {
	path string

	mu     sync.Mutex
	opened bool
	closed bool
}

// NewSnapshotCamera creates a camera reading path.
func NewSnapshotCamera(path string) *SnapshotCamera {
	return &SnapshotCamera{path: path}
}

// Open checks that the snapshot file exists and is readable.
func (c *SnapshotCamera) Open(context.Context) error {
	if c.path == "" {
		return ErrNoDevice
	}
	f, err := os.Open(c.path)
	if err != nil {
		return mapFileError(err)
	}
	_ = f.Close()

	c.mu.Lock()
	c.opened = true
	c.mu.Unlock()
	return nil
}

// Frame decodes the current snapshot, honouring EXIF orientation.
func (c *SnapshotCamera) Frame(context.Context) (image.Image, error) {
	c.mu.Lock()
	ready := c.opened && !c.closed
	c.mu.Unlock()
	if !ready {
		return nil, ErrDeviceClosed
	}

	img, err := imaging.Open(c.path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, mapFileError(err)
	}
	return img, nil
}

// Close marks the camera released. Further frames fail with ErrDeviceClosed.
func (c *SnapshotCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func mapFileError(err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	return err
}

// NoCamera is used when no capture source is configured. Open always fails
// with ErrNoDevice.
type NoCamera struct{}

func (NoCamera) Open(context.Context) error { return ErrNoDevice }

func (NoCamera) Frame(context.Context) (image.Image, error) { return nil, ErrDeviceClosed }

func (NoCamera) Close() error { return nil }
