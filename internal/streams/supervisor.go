// Package streams implements the Stream Supervisor: one long-lived task
// per enabled camera, each running connect/decimate/detect/reconnect
// independently and reporting detections through a shared callback.
package streams

import (
	"context"
	"image"
	"log"
	"sync"
	"time"

	"github.com/parikshanai/edge-agent/internal/config"
	"github.com/parikshanai/edge-agent/internal/detect"
)

type taskState int

const (
	stateDisconnected taskState = iota
	stateConnecting
	stateStreaming
	stateBackoff
	stateTerminated
)

const (
	backoffBase = 5 * time.Second
	backoffCap  = 60 * time.Second

	// framePaceInterval throttles the capture-read loop so a stream task
	// never busy-spins between frames.
	framePaceInterval = 33 * time.Millisecond
)

// EventCallback is how a stream task hands a detection to the
// orchestrator; it must not block the task for long and must never
// panic it — the task recovers and counts the failure instead.
type EventCallback func(cameraID int, ts time.Time, det detect.Detection)

// Supervisor owns the full set of per-camera stream tasks. Only the
// orchestrator mutates it, via Start/UpdateConfig/Stop.
type Supervisor struct {
	capturerFactory CapturerFactory
	onEvent         EventCallback
	sem             chan struct{} // bounds concurrent Detect() dispatch

	frameSkipCount      int
	detectionIntervalMS int

	mu    sync.Mutex
	tasks map[int]*streamTask
}

// New builds a Supervisor. maxCamerasPerWorker bounds how many stream
// tasks may be inside a Detect() call at the same time.
func New(capturerFactory CapturerFactory, onEvent EventCallback, maxCamerasPerWorker, frameSkipCount, detectionIntervalMS int) *Supervisor {
	if maxCamerasPerWorker <= 0 {
		maxCamerasPerWorker = 10
	}
	return &Supervisor{
		capturerFactory:     capturerFactory,
		onEvent:             onEvent,
		sem:                 make(chan struct{}, maxCamerasPerWorker),
		frameSkipCount:       frameSkipCount,
		detectionIntervalMS:  detectionIntervalMS,
		tasks:               make(map[int]*streamTask),
	}
}

// Start spawns one task per active camera.
func (s *Supervisor) Start(cameras []config.Camera, nvrs []config.NVR, faceEncodings []config.FaceEncoding, school config.SchoolConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cam := range cameras {
		s.spawnLocked(cam, nvrs, faceEncodings, school)
	}
}

func (s *Supervisor) spawnLocked(cam config.Camera, nvrs []config.NVR, faceEncodings []config.FaceEncoding, school config.SchoolConfig) {
	url := config.ResolveRTSPURL(cam, nvrs)
	if url == "" {
		return
	}

	stats := newStatsBox(cam.ID, cam.Location)
	composite := detect.Build(cam.Type, faceEncodings, school, func(name string, err error) {
		log.Printf("[SS:cam-%d] detector %q error: %v", cam.ID, name, err)
		stats.incErrors()
	})

	task := &streamTask{
		cameraID:            cam.ID,
		url:                 url,
		capturerFactory:     s.capturerFactory,
		composite:           composite,
		stats:               stats,
		stop:                make(chan struct{}),
		sem:                 s.sem,
		frameSkipCount:       s.frameSkipCount,
		detectionIntervalMS:  s.detectionIntervalMS,
		onEvent:             s.onEvent,
	}
	s.tasks[cam.ID] = task
	task.wg.Add(1)
	go task.run()
}

// UpdateConfig computes the set difference on camera id: removed ids are
// terminated, added ids are spawned, and retained ids have their
// face-encoding reference swapped in place without restarting.
func (s *Supervisor) UpdateConfig(cameras []config.Camera, nvrs []config.NVR, faceEncodings []config.FaceEncoding, school config.SchoolConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	desired := make(map[int]config.Camera, len(cameras))
	for _, cam := range cameras {
		desired[cam.ID] = cam
	}

	for id, task := range s.tasks {
		if _, keep := desired[id]; !keep {
			task.terminate()
			delete(s.tasks, id)
		}
	}

	for id, cam := range desired {
		if task, exists := s.tasks[id]; exists {
			task.updateFaceEncodings(faceEncodings)
			continue
		}
		s.spawnLocked(cam, nvrs, faceEncodings, school)
	}
}

// Stop terminates every stream task and waits for them to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	tasks := make([]*streamTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.tasks = make(map[int]*streamTask)
	s.mu.Unlock()

	for _, t := range tasks {
		t.terminate()
	}
	for _, t := range tasks {
		t.wg.Wait()
	}
}

// Snapshot returns the current stats for every live stream task.
func (s *Supervisor) Snapshot() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Stats, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.stats.Snapshot())
	}
	return out
}

// ActiveCount returns the number of stream tasks currently supervised.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// streamTask is the per-camera state machine.
type streamTask struct {
	cameraID        int
	url             string
	capturerFactory CapturerFactory
	onEvent         EventCallback

	frameSkipCount      int
	detectionIntervalMS int

	stats *statsBox
	sem   chan struct{}

	compositeMu sync.RWMutex
	composite   *detect.Composite

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (t *streamTask) terminate() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *streamTask) updateFaceEncodings(faceEncodings []config.FaceEncoding) {
	t.compositeMu.RLock()
	c := t.composite
	t.compositeMu.RUnlock()
	if c == nil {
		return
	}
	c.UpdateFaceEncodings(faceEncodings)
}

func (t *streamTask) run() {
	defer t.wg.Done()
	defer t.stats.setConnected(false)

	state := stateDisconnected
	var cap Capturer
	failures := 0
	var frameCount int
	var lastDetection time.Time

	for {
		select {
		case <-t.stop:
			state = stateTerminated
		default:
		}

		switch state {
		case stateDisconnected:
			state = stateConnecting

		case stateConnecting:
			cap = t.capturerFactory()
			if err := cap.Open(t.url); err != nil {
				log.Printf("[SS:cam-%d] connect failed: %v", t.cameraID, err)
				state = stateBackoff
				continue
			}
			failures = 0
			t.stats.setConnected(true)
			state = stateStreaming

		case stateStreaming:
			img, err := t.readFrame(cap)
			if err != nil {
				log.Printf("[SS:cam-%d] read failed: %v", t.cameraID, err)
				t.stats.incErrors()
				t.stats.setConnected(false)
				cap.Close()
				state = stateBackoff
				continue
			}
			t.stats.incFrames()
			frameCount++

			if frameCount%maxInt(t.frameSkipCount, 1) == 0 && time.Since(lastDetection) >= time.Duration(t.detectionIntervalMS)*time.Millisecond {
				lastDetection = time.Now()
				t.dispatchDetection(img, lastDetection)
			}

			// Pace reads so a fast producer (or a stub in tests) can't
			// spin this goroutine; interruptible by shutdown.
			select {
			case <-time.After(framePaceInterval):
			case <-t.stop:
				state = stateTerminated
			}

		case stateBackoff:
			delay := backoffDelay(failures)
			failures++
			select {
			case <-time.After(delay):
				state = stateConnecting
			case <-t.stop:
				state = stateTerminated
			}

		case stateTerminated:
			if cap != nil {
				cap.Close()
			}
			return
		}
	}
}

func (t *streamTask) readFrame(cap Capturer) (image.Image, error) {
	return cap.ReadFrame()
}

// dispatchDetection waits for a slot in the supervisor's semaphore and
// then runs Detect() on this task's own goroutine, suspending this task
// (but not others) until the result is ready.
func (t *streamTask) dispatchDetection(img image.Image, ts time.Time) {
	select {
	case t.sem <- struct{}{}:
	case <-t.stop:
		return
	}
	defer func() { <-t.sem }()

	t.compositeMu.RLock()
	composite := t.composite
	t.compositeMu.RUnlock()
	if composite == nil {
		return
	}

	frame := imageToFrame(img)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dets := composite.Detect(ctx, frame)
	t.stats.incDetections(int64(len(dets)))

	for _, d := range dets {
		t.safeEmit(ts, d)
	}
}

// safeEmit invokes the callback with panic isolation — a callback
// failure must not kill the stream task.
func (t *streamTask) safeEmit(ts time.Time, d detect.Detection) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[SS:cam-%d] event callback panicked: %v", t.cameraID, r)
			t.stats.incErrors()
		}
	}()
	if t.onEvent != nil {
		t.onEvent(t.cameraID, ts, d)
	}
}

func backoffDelay(failures int) time.Duration {
	d := backoffBase
	for i := 0; i < failures; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func imageToFrame(img image.Image) detect.Frame {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	pixels := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			off := (y*w + x) * 3
			pixels[off+0] = byte(b >> 8)
			pixels[off+1] = byte(g >> 8)
			pixels[off+2] = byte(r >> 8)
		}
	}
	return detect.Frame{Width: w, Height: h, Pixels: pixels}
}
