// Package orchestrator implements the Agent Orchestrator: the boot
// sequence that wires every other component together, three periodic
// loops (event drain, heartbeat, config refresh), and graceful shutdown.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parikshanai/edge-agent/internal/cloudsession"
	"github.com/parikshanai/edge-agent/internal/config"
	"github.com/parikshanai/edge-agent/internal/detect"
	"github.com/parikshanai/edge-agent/internal/healthsurface"
	"github.com/parikshanai/edge-agent/internal/hostinfo"
	"github.com/parikshanai/edge-agent/internal/metrics"
	"github.com/parikshanai/edge-agent/internal/queue"
	"github.com/parikshanai/edge-agent/internal/streams"
)

const version = "1.0.0"

const (
	eventDrainInterval    = 5 * time.Second
	heartbeatInterval     = 30 * time.Second
	configRefreshInterval = 300 * time.Second
)

// Agent owns every long-lived component and the three periodic loops
// that drive them.
type Agent struct {
	cfg    *config.Config
	peq    *queue.Queue
	cs     *cloudsession.Client
	ss     *streams.Supervisor
	health *healthsurface.Server
	mx     *metrics.Collector

	startedAt time.Time
	running   atomic.Bool
}

// Boot runs the first six steps of the boot sequence: load config, open
// the PEQ, authenticate, sync configuration, build the health surface,
// start the stream supervisor. Run then starts the health surface
// listening and spawns the three periodic loops. Boot fails fast — any
// step returning an error means the agent cannot run.
func Boot(ctx context.Context, configPath string) (*Agent, error) {
	log.Printf("[AO] starting edge agent v%s", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	peq, err := queue.Open(ctx, cfg.QueueDBPath)
	if err != nil {
		return nil, fmt.Errorf("open event queue: %w", err)
	}

	cs := cloudsession.New(cfg.APIURL, cfg.AgentID, cfg.AgentSecret, cfg.SchoolCode)
	log.Printf("[AO] authenticating with cloud control plane")
	if err := cs.Login(ctx); err != nil {
		peq.Close()
		return nil, fmt.Errorf("cloud login: %w", err)
	}

	a := &Agent{cfg: cfg, peq: peq, cs: cs, mx: metrics.NewCollector(), startedAt: time.Now()}
	a.mx.SetCloudSessionUp(true)

	log.Printf("[AO] syncing configuration from cloud")
	if doc, err := cs.GetConfig(ctx); err != nil || doc == nil {
		log.Printf("[AO] no configuration received from cloud, starting with bootstrap defaults")
	} else {
		cfg.ApplyCloudConfig(*doc)
		log.Printf("[AO] synced %d cameras, %d face encodings", len(doc.Cameras), len(doc.FaceEncodings))
	}

	a.health = healthsurface.New(a.snapshotProvider(), a.mx)

	snap := cfg.Snapshot()
	active := config.GetActiveCameras(snap)
	a.ss = streams.New(streams.DefaultCapturerFactory(), a.handleDetection, cfg.MaxCamerasPerWorker, cfg.FrameSkipCount, cfg.DetectionIntervalMS)
	a.ss.Start(active, snap.NVRs, snap.FaceEncodings, snap.School)
	log.Printf("[AO] stream supervisor started with %d active cameras", len(active))

	return a, nil
}

// Run starts the health surface and the three periodic loops, and blocks
// until ctx is cancelled (by a shutdown signal), at which point it stops
// every component in order and flushes the PEQ.
func (a *Agent) Run(ctx context.Context) error {
	a.running.Store(true)

	healthErrCh := make(chan error, 1)
	go func() { healthErrCh <- a.health.ListenAndServe(ctx) }()

	var loops sync.WaitGroup
	loops.Add(3)
	go func() { defer loops.Done(); a.eventDrainLoop(ctx) }()
	go func() { defer loops.Done(); a.heartbeatLoop(ctx) }()
	go func() { defer loops.Done(); a.configRefreshLoop(ctx) }()

	<-ctx.Done()
	a.running.Store(false)
	log.Printf("[AO] shutdown signal received, stopping components")

	a.ss.Stop()
	a.health.Shutdown(context.Background())
	loops.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.peq.Flush(flushCtx); err != nil {
		log.Printf("[AO] queue flush error: %v", err)
	}
	if err := a.peq.Close(); err != nil {
		log.Printf("[AO] queue close error: %v", err)
	}

	log.Printf("[AO] stopped")
	return nil
}

// handleDetection is the Stream Supervisor's event callback: it encodes
// the detection and enqueues it durably. A failure here is logged, never
// propagated — losing one enqueue must not kill a stream task.
func (a *Agent) handleDetection(cameraID int, ts time.Time, det detect.Detection) {
	data, err := json.Marshal(det.Data)
	if err != nil {
		log.Printf("[AO] marshal detection for camera %d: %v", cameraID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := a.peq.Enqueue(ctx, det.Type, cameraID, ts, data); err != nil {
		log.Printf("[AO] enqueue detection for camera %d: %v", cameraID, err)
	}
}

// eventDrainLoop pulls a batch of pending events and submits them to the
// cloud, marking the accepted prefix processed and the remainder failed
// (bumping their retry count). Any error is logged and the loop
// continues — a single bad cycle must never stop the drain.
func (a *Agent) eventDrainLoop(ctx context.Context) {
	ticker := time.NewTicker(eventDrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.drainOnce(ctx)
		}
	}
}

func (a *Agent) drainOnce(ctx context.Context) {
	records, err := a.peq.GetPending(ctx, a.cfg.EventBatchSize)
	if err != nil {
		log.Printf("[AO] get pending events: %v", err)
		return
	}
	if len(records) == 0 {
		return
	}

	events := make([]cloudsession.Event, len(records))
	for i, r := range records {
		events[i] = cloudsession.Event{
			Type:      string(r.Type),
			CameraID:  r.CameraID,
			Timestamp: r.Timestamp.UTC().Format(time.RFC3339),
			Data:      json.RawMessage(r.Data),
		}
	}

	result := a.cs.SubmitEvents(ctx, events)

	accepted := result.Processed
	if accepted > len(records) {
		accepted = len(records)
	}
	processedIDs := make([]int64, 0, accepted)
	failedIDs := make([]int64, 0, len(records)-accepted)
	for i, r := range records {
		if i < accepted {
			processedIDs = append(processedIDs, r.ID)
		} else {
			failedIDs = append(failedIDs, r.ID)
		}
	}

	if len(processedIDs) > 0 {
		if err := a.peq.MarkProcessed(ctx, processedIDs); err != nil {
			log.Printf("[AO] mark processed: %v", err)
		} else {
			a.mx.AddEventsProcessed(int64(len(processedIDs)))
		}
	}
	if len(failedIDs) > 0 {
		if err := a.peq.MarkFailed(ctx, failedIDs); err != nil {
			log.Printf("[AO] mark failed: %v", err)
		}
	}

	log.Printf("[AO] synced %d events, %d failed", len(processedIDs), len(failedIDs))
}

// heartbeatLoop sends a periodic metrics snapshot to the cloud. Errors
// are swallowed by CS.SendHeartbeat itself; this loop never stops on
// their account.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendHeartbeat(ctx)
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) {
	stats, err := a.peq.Stats(ctx)
	if err != nil {
		log.Printf("[AO] heartbeat: queue stats: %v", err)
	}

	metricsPayload := map[string]any{
		"agentId":             a.cfg.AgentID,
		"status":              "ONLINE",
		"activeCameras":       a.ss.ActiveCount(),
		"eventsProcessed":     stats.TotalProcessed,
		"eventsQueuedOffline": stats.Pending,
		"version":             version,
		"hostname":            hostinfo.Hostname(),
		"ipAddress":           hostinfo.OutboundIP(),
	}

	a.mx.SetCloudSessionUp(a.cs.EnsureAuthenticated(ctx) == nil)
	a.cs.SendHeartbeat(ctx, metricsPayload)

	a.mx.SetEventsPending(int64(stats.Pending))
	a.mx.SetEventsFailed(int64(stats.Failed))
	a.mx.SetCamerasActive(a.ss.ActiveCount())
	for _, s := range a.ss.Snapshot() {
		a.mx.SetCameraStats(fmt.Sprintf("%d", s.CameraID), s.FramesProcessed, s.DetectionsCount, s.ErrorsCount, s.IsConnected)
	}
}

// configRefreshLoop periodically re-syncs configuration from the cloud
// and, on success, applies the diff to the stream supervisor.
func (a *Agent) configRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(configRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.refreshConfig(ctx)
		}
	}
}

func (a *Agent) refreshConfig(ctx context.Context) {
	doc, err := a.cs.GetConfig(ctx)
	if err != nil || doc == nil {
		log.Printf("[AO] config refresh: no configuration received, keeping current")
		return
	}
	a.cfg.ApplyCloudConfig(*doc)

	snap := a.cfg.Snapshot()
	active := config.GetActiveCameras(snap)
	a.ss.UpdateConfig(active, snap.NVRs, snap.FaceEncodings, snap.School)
	log.Printf("[AO] config refreshed: %d active cameras", len(active))
}

// snapshotProvider gives the health surface a read-only view of the
// agent's state without handing it a back-reference to the Agent
// itself, avoiding a cyclic dependency between orchestrator and
// healthsurface.
func (a *Agent) snapshotProvider() healthsurface.StatusProvider {
	return func() healthsurface.Status {
		stats, _ := a.peq.Stats(context.Background())
		return healthsurface.Status{
			Version:             version,
			AgentID:             a.cfg.AgentID,
			Running:             a.running.Load(),
			UptimeSeconds:       int64(time.Since(a.startedAt).Seconds()),
			ActiveCameras:       a.ss.ActiveCount(),
			TotalCameras:        len(a.cfg.Snapshot().Cameras),
			QueuePending:        stats.Pending,
			QueueProcessed:      stats.Processed,
			QueueFailed:         stats.Failed,
			QueueTotalProcessed: stats.TotalProcessed,
			Cameras:             a.ss.Snapshot(),
		}
	}
}
