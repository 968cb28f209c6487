// Package delivery implements the per-connection outbound pipeline:
// priority queueing, batch flushing, deduplication, compression, and
// adaptive batch window tuning.
package delivery

import (
	"crypto/sha256"
	"encoding/json"
	"sync"
	"time"

	"cardroom/railbird/pkg/api/railbird"
	"cardroom/railbird/pkg/logging"
)

// Frame priorities. Higher values flush sooner within a batch.
const (
	PriorityChat              = 1
	PrioritySystem            = 2
	PriorityGameUpdate        = 3
	PriorityPlayerAction      = 5
	PriorityError             = 8
	PriorityDisconnectWarning = 10
)

// Batch window tuning bounds.
const (
	MinBatchWindow = 20 * time.Millisecond
	MaxBatchWindow = 500 * time.Millisecond

	tuneInterval      = 5 * time.Second
	ewmaPriorWeight   = 0.7
	ewmaInstantWeight = 0.3

	rollingBatchSizes = 100
)

// DefaultPriority maps a frame type to its queue priority.
func DefaultPriority(frameType string) int {
	switch frameType {
	case railbird.TypePlayerAction:
		return PriorityPlayerAction
	case railbird.TypeGameUpdate:
		return PriorityGameUpdate
	case railbird.TypeChat:
		return PriorityChat
	case railbird.TypeSystem:
		return PrioritySystem
	case railbird.TypeDisconnectWarning:
		return PriorityDisconnectWarning
	case railbird.TypeError:
		return PriorityError
	default:
		return PrioritySystem
	}
}

// IsRealtimeCritical reports whether a frame type skips queueing,
// batching, and compression entirely.
func IsRealtimeCritical(frameType string) bool {
	switch frameType {
	case railbird.TypePlayerAction, railbird.TypePing, railbird.TypePong, railbird.TypeDisconnectWarning:
		return true
	}
	return false
}

// Sink is the socket-facing half of the pipeline. Implementations must
// not call back into the pipeline from Send methods.
type Sink interface {
	SendText(data []byte) error
	SendBinary(data []byte) error
	Open() bool
}

// Config tunes one connection's pipeline.
type Config struct {
	BatchWindow            time.Duration
	MaxBatchSize           int
	EnableAdaptiveBatching bool
	EnableDeduplication    bool
	EnableCompression      bool
	CompressionLevel       int
	CompressionThreshold   int
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		BatchWindow:            50 * time.Millisecond,
		MaxBatchSize:           10,
		EnableAdaptiveBatching: true,
		EnableDeduplication:    true,
		EnableCompression:      true,
		CompressionLevel:       6,
		CompressionThreshold:   1024,
	}
}

// Stats is a point-in-time snapshot of one pipeline's counters.
type Stats struct {
	TotalMessages     uint64
	TotalBatches      uint64
	AvgBatchSize      float64
	BytesIn           uint64
	BytesOut          uint64
	CompressedBatches uint64
	SendFailures      uint64
	QueueDepth        int
	Window            time.Duration
}

type queueItem struct {
	frame    *railbird.Frame
	priority int
}

// Pipeline buffers outbound frames for one connection and flushes them
// as batches. Realtime-critical frames bypass the queue.
type Pipeline struct {
	mu     sync.Mutex
	queue  []queueItem
	timer  *time.Timer
	window time.Duration
	closed bool

	cfg       Config
	sink      Sink
	onFailure func(error)
	logger    logging.Logger

	totalMessages     uint64
	totalBatches      uint64
	bytesIn           uint64
	bytesOut          uint64
	compressedBatches uint64
	sendFailures      uint64

	batchSizes [rollingBatchSizes]int
	batchIdx   int
	batchCount int
	batchSum   int

	msgFrequency     float64
	inboundSinceTune uint64
	lastTuneAt       time.Time

	now func() time.Time
}

// NewPipeline builds a pipeline over a sink. onFailure is invoked,
// outside any pipeline lock, after a send error; it may be nil.
func NewPipeline(sink Sink, cfg Config, onFailure func(error), logger logging.Logger) *Pipeline {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 10
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = 50 * time.Millisecond
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = 1024
	}
	p := &Pipeline{
		window:     cfg.BatchWindow,
		cfg:        cfg,
		sink:       sink,
		onFailure:  onFailure,
		logger:     logger,
		now:        time.Now,
		lastTuneAt: time.Now(),
	}
	return p
}

// Enqueue adds a frame with its default priority.
func (p *Pipeline) Enqueue(frame *railbird.Frame) {
	p.EnqueueWithPriority(frame, DefaultPriority(frame.Type))
}

// EnqueueWithPriority adds a frame with an explicit priority.
// Realtime-critical frames are sent immediately; otherwise the frame
// queues and flushes when the queue fills, the priority demands it, or
// the batch timer fires.
func (p *Pipeline) EnqueueWithPriority(frame *railbird.Frame, priority int) {
	if IsRealtimeCritical(frame.Type) {
		p.sendImmediate(frame)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, queueItem{frame: frame, priority: priority})
	if len(p.queue) >= p.cfg.MaxBatchSize || priority >= PriorityDisconnectWarning {
		p.flushLocked()
		p.mu.Unlock()
		return
	}
	if p.timer == nil {
		p.timer = time.AfterFunc(p.window, p.onTimer)
	}
	p.mu.Unlock()
}

// RecordInbound accounts one inbound message for stats and for the
// adaptive window tuner.
func (p *Pipeline) RecordInbound(bytes int) {
	p.mu.Lock()
	p.bytesIn += uint64(bytes)
	p.inboundSinceTune++
	p.mu.Unlock()
}

// Flush forces any queued frames out now.
func (p *Pipeline) Flush() {
	p.mu.Lock()
	p.flushLocked()
	p.mu.Unlock()
}

func (p *Pipeline) onTimer() {
	p.mu.Lock()
	p.flushLocked()
	p.mu.Unlock()
}

// Close stops the batch timer and discards anything still queued.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.queue = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// Stats returns a snapshot of the pipeline's counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	avg := 0.0
	if p.batchCount > 0 {
		avg = float64(p.batchSum) / float64(p.batchCount)
	}
	return Stats{
		TotalMessages:     p.totalMessages,
		TotalBatches:      p.totalBatches,
		AvgBatchSize:      avg,
		BytesIn:           p.bytesIn,
		BytesOut:          p.bytesOut,
		CompressedBatches: p.compressedBatches,
		SendFailures:      p.sendFailures,
		QueueDepth:        len(p.queue),
		Window:            p.window,
	}
}

// Window returns the current batch window.
func (p *Pipeline) Window() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.window
}

// sendImmediate serializes and sends a single frame as text, skipping
// queue and compression.
func (p *Pipeline) sendImmediate(frame *railbird.Frame) {
	data, err := railbird.EncodeFrame(frame)
	if err != nil {
		if p.logger != nil {
			p.logger.WithError(err).Error("Failed to encode realtime frame")
		}
		return
	}

	p.mu.Lock()
	if p.closed || !p.sink.Open() {
		p.mu.Unlock()
		return
	}
	sendErr := p.sink.SendText(data)
	if sendErr != nil {
		p.sendFailures++
	} else {
		p.totalMessages++
		p.bytesOut += uint64(len(data))
	}
	p.mu.Unlock()

	if sendErr != nil {
		p.notifyFailure(sendErr)
	}
}

// flushLocked drains the queue into one batch frame. Caller holds p.mu.
func (p *Pipeline) flushLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if len(p.queue) == 0 {
		return
	}
	if !p.sink.Open() {
		p.queue = nil
		return
	}

	items := p.queue
	p.queue = nil

	sortByPriority(items)
	if p.cfg.EnableDeduplication {
		items = dedupItems(items)
	}

	messages := make([]railbird.Frame, len(items))
	for i, it := range items {
		messages[i] = *it.frame
	}
	now := p.now()
	batch := &railbird.Frame{
		Type:      railbird.TypeBatch,
		Timestamp: now.UnixMilli(),
	}
	payload, err := json.Marshal(railbird.BatchPayload{
		Messages:  messages,
		Count:     len(messages),
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		if p.logger != nil {
			p.logger.WithError(err).Error("Failed to marshal outbound batch")
		}
		return
	}
	batch.Payload = payload

	data, err := railbird.EncodeFrame(batch)
	if err != nil {
		if p.logger != nil {
			p.logger.WithError(err).Error("Failed to encode outbound batch")
		}
		return
	}

	binary := false
	if p.cfg.EnableCompression && len(data) > p.cfg.CompressionThreshold {
		compressed, err := railbird.CompressFrame(data, p.cfg.CompressionLevel)
		if err == nil {
			data = compressed
			binary = true
		} else if p.logger != nil {
			p.logger.WithError(err).Warn("Batch compression failed, sending uncompressed")
		}
	}

	var sendErr error
	if binary {
		sendErr = p.sink.SendBinary(data)
	} else {
		sendErr = p.sink.SendText(data)
	}
	if sendErr != nil {
		p.sendFailures++
		go p.notifyFailure(sendErr)
		return
	}

	p.totalMessages += uint64(len(messages))
	p.totalBatches++
	p.bytesOut += uint64(len(data))
	if binary {
		p.compressedBatches++
	}
	p.recordBatchSize(len(messages))
	p.maybeTune(now)
}

func (p *Pipeline) notifyFailure(err error) {
	if p.logger != nil {
		p.logger.WithError(err).Warn("WebSocket send failed")
	}
	if p.onFailure != nil {
		p.onFailure(err)
	}
}

// recordBatchSize feeds the rolling batch-size window. Caller holds p.mu.
func (p *Pipeline) recordBatchSize(size int) {
	if p.batchCount == rollingBatchSizes {
		p.batchSum -= p.batchSizes[p.batchIdx]
	} else {
		p.batchCount++
	}
	p.batchSizes[p.batchIdx] = size
	p.batchSum += size
	p.batchIdx = (p.batchIdx + 1) % rollingBatchSizes
}

// maybeTune adjusts the batch window from inbound frequency and batch
// sizes, at most once per tuneInterval. Caller holds p.mu.
func (p *Pipeline) maybeTune(now time.Time) {
	if !p.cfg.EnableAdaptiveBatching {
		return
	}
	elapsed := now.Sub(p.lastTuneAt)
	if elapsed < tuneInterval {
		return
	}
	instant := float64(p.inboundSinceTune) / elapsed.Seconds()
	p.inboundSinceTune = 0
	p.lastTuneAt = now
	p.msgFrequency = ewmaPriorWeight*p.msgFrequency + ewmaInstantWeight*instant

	avg := 0.0
	if p.batchCount > 0 {
		avg = float64(p.batchSum) / float64(p.batchCount)
	}

	switch {
	case p.msgFrequency > 20 && avg > 5:
		p.window = time.Duration(float64(p.window) * 0.8)
		if p.window < MinBatchWindow {
			p.window = MinBatchWindow
		}
	case p.msgFrequency < 5 && avg < 2:
		p.window = time.Duration(float64(p.window) * 1.2)
		if p.window > MaxBatchWindow {
			p.window = MaxBatchWindow
		}
	}
}

// sortByPriority orders items by priority descending, preserving
// enqueue order within a priority class.
func sortByPriority(items []queueItem) {
	// Insertion sort keeps the common small batches allocation-free and
	// is stable.
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].priority > items[j-1].priority; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

// dedupItems drops items whose (type, canonical payload) already
// appeared, keeping the first occurrence.
func dedupItems(items []queueItem) []queueItem {
	if len(items) < 2 {
		return items
	}
	seen := make(map[[32]byte]struct{}, len(items))
	out := items[:0]
	for _, it := range items {
		h := canonicalHash(it.frame)
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, it)
	}
	return out
}

// canonicalHash fingerprints a frame by type and payload content.
// Payloads are re-marshaled so key order and whitespace do not defeat
// deduplication.
func canonicalHash(f *railbird.Frame) [32]byte {
	payload := []byte(f.Payload)
	if len(payload) > 0 {
		var v interface{}
		if err := json.Unmarshal(payload, &v); err == nil {
			if canon, err := json.Marshal(v); err == nil {
				payload = canon
			}
		}
	}
	buf := make([]byte, 0, len(f.Type)+1+len(payload))
	buf = append(buf, f.Type...)
	buf = append(buf, 0)
	buf = append(buf, payload...)
	return sha256.Sum256(buf)
}
