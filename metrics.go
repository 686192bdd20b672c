package hmon

import "sync/atomic"

// Metrics is an interface for tracking fleet-wide HMON protocol statistics.
// ConnectionActor and the supervisors call Increment* and an embedding
// application reads via Get*. Kept as an interface, rather than a concrete
// struct, so an embedding application can forward counters into its own
// metrics backend instead of polling DefaultMetrics.
type Metrics interface {
	IncrementFramesSent()
	IncrementFramesReceived()
	IncrementBytesSent(n int64)
	IncrementBytesReceived(n int64)
	IncrementCommandsIssued()
	IncrementCommandTimeouts()
	IncrementReconnectAttempts()
	IncrementDecodeErrors()

	GetFramesSent() int64
	GetFramesReceived() int64
	GetBytesSent() int64
	GetBytesReceived() int64
	GetCommandsIssued() int64
	GetCommandTimeouts() int64
	GetReconnectAttempts() int64
	GetDecodeErrors() int64
}

// DefaultMetrics implements Metrics with atomic counters.
type DefaultMetrics struct {
	framesSent        int64
	framesReceived    int64
	bytesSent         int64
	bytesReceived     int64
	commandsIssued    int64
	commandTimeouts   int64
	reconnectAttempts int64
	decodeErrors      int64
}

// NewDefaultMetrics creates a new DefaultMetrics instance.
func NewDefaultMetrics() *DefaultMetrics { return &DefaultMetrics{} }

func (m *DefaultMetrics) IncrementFramesSent()        { atomic.AddInt64(&m.framesSent, 1) }
func (m *DefaultMetrics) IncrementFramesReceived()     { atomic.AddInt64(&m.framesReceived, 1) }
func (m *DefaultMetrics) IncrementBytesSent(n int64)   { atomic.AddInt64(&m.bytesSent, n) }
func (m *DefaultMetrics) IncrementBytesReceived(n int64) {
	atomic.AddInt64(&m.bytesReceived, n)
}
func (m *DefaultMetrics) IncrementCommandsIssued()    { atomic.AddInt64(&m.commandsIssued, 1) }
func (m *DefaultMetrics) IncrementCommandTimeouts()   { atomic.AddInt64(&m.commandTimeouts, 1) }
func (m *DefaultMetrics) IncrementReconnectAttempts() { atomic.AddInt64(&m.reconnectAttempts, 1) }
func (m *DefaultMetrics) IncrementDecodeErrors()      { atomic.AddInt64(&m.decodeErrors, 1) }

func (m *DefaultMetrics) GetFramesSent() int64        { return atomic.LoadInt64(&m.framesSent) }
func (m *DefaultMetrics) GetFramesReceived() int64    { return atomic.LoadInt64(&m.framesReceived) }
func (m *DefaultMetrics) GetBytesSent() int64         { return atomic.LoadInt64(&m.bytesSent) }
func (m *DefaultMetrics) GetBytesReceived() int64     { return atomic.LoadInt64(&m.bytesReceived) }
func (m *DefaultMetrics) GetCommandsIssued() int64    { return atomic.LoadInt64(&m.commandsIssued) }
func (m *DefaultMetrics) GetCommandTimeouts() int64   { return atomic.LoadInt64(&m.commandTimeouts) }
func (m *DefaultMetrics) GetReconnectAttempts() int64 { return atomic.LoadInt64(&m.reconnectAttempts) }
func (m *DefaultMetrics) GetDecodeErrors() int64      { return atomic.LoadInt64(&m.decodeErrors) }
