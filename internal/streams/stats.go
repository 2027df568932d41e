package streams

import (
	"sync"
	"time"
)

// Stats is a volatile, eventually-consistent snapshot of one stream
// task's counters, exported to the health surface.
type Stats struct {
	CameraID         int
	Location         string
	FramesProcessed  int64
	DetectionsCount  int64
	ErrorsCount      int64
	LastFrameTime    time.Time
	IsConnected      bool
}

// statsBox is the task-owned, mutex-guarded counter set a task updates
// as it runs; Snapshot is safe to call from any goroutine.
type statsBox struct {
	mu    sync.Mutex
	stats Stats
}

func newStatsBox(cameraID int, location string) *statsBox {
	return &statsBox{stats: Stats{CameraID: cameraID, Location: location}}
}

func (b *statsBox) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *statsBox) incFrames() {
	b.mu.Lock()
	b.stats.FramesProcessed++
	b.stats.LastFrameTime = time.Now()
	b.mu.Unlock()
}

func (b *statsBox) incDetections(n int64) {
	b.mu.Lock()
	b.stats.DetectionsCount += n
	b.mu.Unlock()
}

func (b *statsBox) incErrors() {
	b.mu.Lock()
	b.stats.ErrorsCount++
	b.mu.Unlock()
}

func (b *statsBox) setConnected(v bool) {
	b.mu.Lock()
	b.stats.IsConnected = v
	b.mu.Unlock()
}
