package media

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"

	"github.com/strangerloop/strangerloop/internal/util"
)

// opusSilence is a minimal "silence" Opus frame. The terminal client has
// no microphone; it still publishes an audio track so the far side sees a
// live stream and the connected-state detection works symmetrically.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const audioFrameInterval = 20 * time.Millisecond

// capture owns the process's local tracks and the goroutines feeding them.
// It survives skip/re-search cycles; Close is called only on quit.
type capture struct {
	tracks []webrtc.TrackLocal

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// acquireCapture builds the local audio track and, when videoFile names an
// IVF recording, a looping video track. Any failure maps to
// ErrDeviceUnavailable so the caller can surface it uniformly.
func acquireCapture(ctx context.Context, videoFile string) (Capture, error) {
	captureCtx, cancel := context.WithCancel(ctx)

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "strangerloop",
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	c := &capture{
		tracks: []webrtc.TrackLocal{audio},
		cancel: cancel,
	}
	go feedSilence(captureCtx, audio)

	if videoFile != "" {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "strangerloop",
		)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		if _, err := os.Stat(videoFile); err != nil {
			cancel()
			return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		c.tracks = append(c.tracks, video)
		go feedVideoLoop(captureCtx, video, videoFile)
	}

	return c, nil
}

func (c *capture) Tracks() []webrtc.TrackLocal { return c.tracks }

// Close stops the feeder goroutines. Idempotent; quit and failure
// teardown may both reach here.
func (c *capture) Close() error {
	c.closeOnce.Do(c.cancel)
	return nil
}

// feedSilence writes one silence frame per 20ms until ctx is cancelled.
// Writes to an unattached track return ErrUnbound, which is expected
// between sessions and simply skipped.
func feedSilence(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(audioFrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = track.WriteSample(pionmedia.Sample{
				Data:     opusSilence,
				Duration: audioFrameInterval,
			})
		case <-ctx.Done():
			return
		}
	}
}

// feedVideoLoop replays the IVF file into the track, restarting from the
// beginning at EOF, until ctx is cancelled.
func feedVideoLoop(ctx context.Context, track *webrtc.TrackLocalStaticSample, path string) {
	for ctx.Err() == nil {
		if err := playIVF(ctx, track, path); err != nil {
			util.LogWarning("video loop stopped: %v", err)
			return
		}
	}
}

// playIVF plays the file once, pacing frames by the container's timebase.
func playIVF(ctx context.Context, track *webrtc.TrackLocalStaticSample, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	ivf, header, err := ivfreader.NewWith(file)
	if err != nil {
		return err
	}

	frameInterval := time.Millisecond *
		time.Duration(float32(header.TimebaseNumerator)/float32(header.TimebaseDenominator)*1000)
	if frameInterval <= 0 {
		frameInterval = 33 * time.Millisecond
	}

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for {
		frame, _, err := ivf.ParseNextFrame()
		if err != nil {
			return nil // EOF: caller restarts the loop
		}

		select {
		case <-ticker.C:
			_ = track.WriteSample(pionmedia.Sample{Data: frame, Duration: frameInterval})
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
