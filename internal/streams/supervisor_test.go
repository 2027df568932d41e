package streams

import (
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parikshanai/edge-agent/internal/config"
)

type fakeCapturer struct {
	mu        sync.Mutex
	connected bool
	fail      bool
	readFail  bool
}

func (f *fakeCapturer) Open(url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connect refused")
	}
	f.connected = true
	return nil
}

// triggerReadFailure makes the next ReadFrame call (and only that one)
// return an error, simulating a mid-stream capture read failure.
func (f *fakeCapturer) triggerReadFailure() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readFail = true
}

func (f *fakeCapturer) ReadFrame() (image.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readFail {
		f.readFail = false
		return nil, errors.New("read failed")
	}
	if !f.connected {
		return nil, errors.New("not connected")
	}
	return image.NewRGBA(image.Rect(0, 0, 4, 4)), nil
}

func (f *fakeCapturer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func TestBackoffLadder(t *testing.T) {
	expected := []time.Duration{5, 10, 20, 40, 60, 60}
	for i, exp := range expected {
		assert.Equal(t, exp*time.Second, backoffDelay(i))
	}
}

func TestSupervisor_StartAndSnapshot(t *testing.T) {
	factory := func() Capturer { return &fakeCapturer{} }
	sup := New(factory, nil, 2, 1, 0)

	sup.Start([]config.Camera{{ID: 1, Enabled: true, RTSPURL: "rtsp://a"}}, nil, nil, config.SchoolConfig{})

	require.Eventually(t, func() bool {
		snap := sup.Snapshot()
		return len(snap) == 1 && snap[0].FramesProcessed > 0
	}, time.Second, 5*time.Millisecond)

	sup.Stop()
	assert.Equal(t, 0, sup.ActiveCount())
}

func TestSupervisor_UpdateConfig_AddRemoveRetain(t *testing.T) {
	factory := func() Capturer { return &fakeCapturer{} }
	sup := New(factory, nil, 2, 1, 0)

	sup.Start([]config.Camera{
		{ID: 1, Enabled: true, RTSPURL: "rtsp://a"},
		{ID: 2, Enabled: true, RTSPURL: "rtsp://b"},
		{ID: 3, Enabled: true, RTSPURL: "rtsp://c"},
	}, nil, nil, config.SchoolConfig{})

	require.Eventually(t, func() bool { return sup.ActiveCount() == 3 }, time.Second, 5*time.Millisecond)

	sup.UpdateConfig([]config.Camera{
		{ID: 2, Enabled: true, RTSPURL: "rtsp://b"},
		{ID: 3, Enabled: true, RTSPURL: "rtsp://c"},
		{ID: 4, Enabled: true, RTSPURL: "rtsp://d"},
	}, nil, nil, config.SchoolConfig{})

	require.Eventually(t, func() bool {
		ids := map[int]bool{}
		for _, s := range sup.Snapshot() {
			ids[s.CameraID] = true
		}
		return len(ids) == 3 && ids[2] && ids[3] && ids[4] && !ids[1]
	}, time.Second, 5*time.Millisecond)

	sup.Stop()
}

func TestSupervisor_ReadFailure_IncrementsErrorsAndReconnects(t *testing.T) {
	cap := &fakeCapturer{}
	factory := func() Capturer { return cap }
	sup := New(factory, nil, 1, 1, 0)

	sup.Start([]config.Camera{{ID: 1, Enabled: true, RTSPURL: "rtsp://a"}}, nil, nil, config.SchoolConfig{})

	require.Eventually(t, func() bool {
		snap := sup.Snapshot()
		return len(snap) == 1 && snap[0].IsConnected
	}, time.Second, 5*time.Millisecond)

	cap.triggerReadFailure()

	require.Eventually(t, func() bool {
		snap := sup.Snapshot()
		return len(snap) == 1 && snap[0].ErrorsCount >= 1 && !snap[0].IsConnected
	}, time.Second, 5*time.Millisecond, "read failure must increment ErrorsCount and disconnect")

	sup.Stop()
}

func TestSupervisor_NilCallbackNoDetectors_DispatchDoesNotPanic(t *testing.T) {
	// No detectors are enabled and onEvent is nil, so no events fire; this
	// exercises the dispatch path without panicking. With frameSkip 1 and
	// no pacing interval every frame is dispatched, and a second frame is
	// only read after the first dispatch has returned.
	factory := func() Capturer { return &fakeCapturer{} }
	sup := New(factory, nil, 1, 1, 0)
	sup.Start([]config.Camera{{ID: 1, Enabled: true, RTSPURL: "rtsp://a", Type: config.CameraTypeGeneral}}, nil, nil, config.SchoolConfig{EnableFaceRecognition: false, EnableDisciplineAlerts: false})

	require.Eventually(t, func() bool {
		snap := sup.Snapshot()
		return len(snap) == 1 && snap[0].IsConnected && snap[0].FramesProcessed > 1
	}, time.Second, 5*time.Millisecond)

	sup.Stop()
}
