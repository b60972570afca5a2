package stream

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// CaptureHint is the requested capture geometry. Devices treat it as a
// hint, not a guarantee.
type CaptureHint struct {
	Width     int
	Height    int
	FrameRate int
}

// FrameSource opens a capture device. Implementations report permission
// or missing-device problems from Open; the client maps those to
// ErrDeviceAccess.
type FrameSource interface {
	Open(ctx context.Context, hint CaptureHint) (FrameReader, error)
}

// FrameReader hands out the current frame as an encoded JPEG buffer.
// Close releases the underlying device; it must be safe to call once the
// reader is no longer in use.
type FrameReader interface {
	Frame() ([]byte, error)
	Close() error
}

// DirSource simulates a camera by cycling through the JPEG files of a
// directory. Useful for agents running without a physical device and for
// soak testing against a live inference service.
type DirSource struct {
	Dir string
}

func (s DirSource) Open(ctx context.Context, _ CaptureHint) (FrameReader, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("open frame directory %s: %w", s.Dir, err)
	}

	var frames [][]byte
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".jpg" || ext == ".jpeg" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		buf, err := os.ReadFile(filepath.Join(s.Dir, name))
		if err != nil {
			return nil, fmt.Errorf("read frame %s: %w", name, err)
		}
		frames = append(frames, buf)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no JPEG frames in %s", s.Dir)
	}

	return &dirReader{frames: frames}, nil
}

type dirReader struct {
	mu     sync.Mutex
	frames [][]byte
	next   int
	closed bool
}

func (r *dirReader) Frame() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("frame source closed")
	}
	buf := r.frames[r.next]
	r.next = (r.next + 1) % len(r.frames)
	return buf, nil
}

func (r *dirReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
