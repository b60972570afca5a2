package services

import (
	"sync"
	"sync/atomic"
	"time"
)

type Metrics struct {
	framesSent        atomic.Int64
	framesDropped     atomic.Int64
	detectionsApplied atomic.Int64
	lastFrameTime     atomic.Int64

	samplesProduced atomic.Int64
	alertsRaised    atomic.Int64
	alertsResolved  atomic.Int64

	wsConnections atomic.Int64
	wsMessages    atomic.Int64
	wsErrors      atomic.Int64
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

func NewMetrics() *Metrics {
	return &Metrics{}
}

func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = NewMetrics()
	})
	return metricsInstance
}

func (m *Metrics) FrameSent() {
	m.framesSent.Add(1)
	m.lastFrameTime.Store(time.Now().Unix())
}

func (m *Metrics) FrameDropped() {
	m.framesDropped.Add(1)
}

func (m *Metrics) DetectionApplied() {
	m.detectionsApplied.Add(1)
}

func (m *Metrics) SampleProduced() {
	m.samplesProduced.Add(1)
}

func (m *Metrics) AlertRaised() {
	m.alertsRaised.Add(1)
}

func (m *Metrics) AlertResolved() {
	m.alertsResolved.Add(1)
}

func (m *Metrics) WebSocketConnected() {
	m.wsConnections.Add(1)
}

func (m *Metrics) WebSocketDisconnected() {
	m.wsConnections.Add(-1)
}

func (m *Metrics) WebSocketMessage() {
	m.wsMessages.Add(1)
}

func (m *Metrics) WebSocketError() {
	m.wsErrors.Add(1)
}

func (m *Metrics) FramesSent() int64 {
	return m.framesSent.Load()
}

func (m *Metrics) FramesDropped() int64 {
	return m.framesDropped.Load()
}

func (m *Metrics) LastFrameTime() int64 {
	return m.lastFrameTime.Load()
}

func (m *Metrics) WebSocketConnections() int64 {
	return m.wsConnections.Load()
}

// Snapshot returns all counters for the metrics endpoint.
func (m *Metrics) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"frames_sent":        m.framesSent.Load(),
		"frames_dropped":     m.framesDropped.Load(),
		"detections_applied": m.detectionsApplied.Load(),
		"last_frame_time":    m.lastFrameTime.Load(),
		"samples_produced":   m.samplesProduced.Load(),
		"alerts_raised":      m.alertsRaised.Load(),
		"alerts_resolved":    m.alertsResolved.Load(),
		"ws_connections":     m.wsConnections.Load(),
		"ws_messages":        m.wsMessages.Load(),
		"ws_errors":          m.wsErrors.Load(),
	}
}
