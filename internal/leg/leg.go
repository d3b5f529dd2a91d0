// Package leg implements a single upload destination of a transload
// session: a bounded buffer fed by the fanout coordinator on one side and
// drained into an outbound HTTP request body on the other, with a running
// MD5, byte accounting and an idle watchdog.
package leg

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zulfikawr/transload/internal/buffer"
	"github.com/zulfikawr/transload/internal/logging"
	"github.com/zulfikawr/transload/internal/metrics"
)

// IdleTimeout is how long a leg may sit in the active state without
// forward progress before it is aborted. The timer is deliberately
// suspended while a leg is stalled on its own backpressure: the slowest
// leg dictates session progress and must not be killed for it.
const IdleTimeout = 60 * time.Second

// ErrIdleTimeout aborts a leg whose destination stopped accepting data.
var ErrIdleTimeout = errors.New("upload leg idle timeout: no forward progress")

// State is the leg lifecycle position.
type State int32

const (
	StatePreparing State = iota
	StateActive
	StateStalled
	StateFinalizing
	StateDone
)

func (s State) String() string {
	switch s {
	case StatePreparing:
		return "preparing"
	case StateActive:
		return "active"
	case StateStalled:
		return "stalled"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Events receives leg lifecycle notifications. Implemented by the fanout
// coordinator. Callbacks are invoked without leg locks held.
type Events interface {
	// LegStalled fires when a write pushed the buffer past capacity.
	LegStalled(index int)
	// LegDrained fires when a stalled leg's buffer emptied.
	LegDrained(index int)
	// LegClosed fires once when a leg reaches its terminal state.
	LegClosed(index int)
}

// Config describes one upload destination.
type Config struct {
	Index            int
	UploadURL        string
	Method           string // http.MethodPost or http.MethodPut
	FileName         string
	RandomBytesCount uint32
	Headers          map[string]string
	Client           *http.Client
	UserAgent        string
	CalculateMD5     bool
	Logger           *zap.Logger

	// BufferCap and Idle override the defaults in tests.
	BufferCap int64
	Idle      time.Duration
}

// Result is the terminal record of one leg.
type Result struct {
	UploadURL        string
	FileName         string
	DeclaredSize     uint64
	UploadedBytes    uint64
	RandomBytesCount uint32
	MD5              string
	Response         any
	Err              error
}

// Leg owns the buffer, hash, counters and outbound request of one upload
// destination. All state transitions are serialized under mu; the HTTP
// body pump only touches the queue.
type Leg struct {
	cfg    Config
	events Events
	queue  *buffer.Queue
	log    *zap.Logger
	idle   time.Duration

	ready     chan struct{} // closed once the request headers can be built
	readyOnce sync.Once

	mu            sync.Mutex
	state         State
	err           error
	uploadedBytes uint64
	declaredSize  uint64
	sizeKnown     bool
	fileName      string
	contentType   string
	hash          hash.Hash
	md5hex        string
	timer         *time.Timer
	cancel        context.CancelFunc
}

// New prepares a leg: buffer, hash and cancellation slot are allocated,
// no I/O happens yet.
func New(cfg Config, events Events) *Leg {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	idle := cfg.Idle
	if idle <= 0 {
		idle = IdleTimeout
	}
	l := &Leg{
		cfg:      cfg,
		events:   events,
		queue:    buffer.New(cfg.BufferCap),
		log:      logging.Or(cfg.Logger).With(zap.Int("leg", cfg.Index), zap.String("upload_url", cfg.UploadURL)),
		idle:     idle,
		ready:    make(chan struct{}),
		fileName: cfg.FileName,
	}
	if cfg.CalculateMD5 {
		l.hash = md5.New()
	}
	l.queue.OnDrain(l.onDrain)
	return l
}

// SetSize records the source content length, fixes the declared size and
// activates the leg. known is false when the source length could not be
// determined (chunked or compressed transfer); the leg still activates
// but its declared size stays unset.
func (l *Leg) SetSize(contentLength uint64, known bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StatePreparing {
		return
	}
	if known && !l.sizeKnown {
		l.declaredSize = contentLength + uint64(l.cfg.RandomBytesCount)
		l.sizeKnown = true
	}
	l.state = StateActive
	l.armTimerLocked()
}

// SetFilename adopts name unless the leg already has a filename.
func (l *Leg) SetFilename(name string) {
	l.mu.Lock()
	if l.fileName == "" {
		l.fileName = name
	}
	l.mu.Unlock()
}

// SetContentType records the sniffed source content type and unblocks Run.
// Called once, after the source headers and before the first chunk is
// broadcast.
func (l *Leg) SetContentType(ct string) {
	l.mu.Lock()
	if l.contentType == "" {
		l.contentType = ct
	}
	l.mu.Unlock()
	l.markReady()
}

// Write enqueues chunk and reports whether it was accepted without
// crossing the buffer capacity. The chunk counts toward uploadedBytes and
// the running hash either way; false only signals that the producer
// should pause. Writes on a non-live leg are ignored.
func (l *Leg) Write(chunk []byte) (accepted bool) {
	l.mu.Lock()
	if l.state != StateActive && l.state != StateStalled {
		l.mu.Unlock()
		return true
	}
	l.uploadedBytes += uint64(len(chunk))
	if l.hash != nil {
		l.hash.Write(chunk)
	}
	metrics.UploadedBytes.Add(float64(len(chunk)))
	accepted = l.queue.Write(chunk)
	stalled := false
	if !accepted {
		if l.state == StateActive {
			l.state = StateStalled
			// No progress here is deliberate waiting, not breakage.
			l.stopTimerLocked()
			stalled = true
		}
	} else if l.state == StateActive {
		l.armTimerLocked()
	}
	l.mu.Unlock()

	if stalled {
		metrics.LegStalls.Inc()
		l.log.Debug("leg stalled on full buffer")
		l.events.LegStalled(l.cfg.Index)
	}
	return accepted
}

// onDrain runs on the body pump goroutine when the buffer empties.
func (l *Leg) onDrain() {
	l.mu.Lock()
	drained := l.state == StateStalled
	if drained {
		l.state = StateActive
		l.armTimerLocked()
	}
	l.mu.Unlock()

	if drained {
		l.log.Debug("leg drained, resuming")
		l.events.LegDrained(l.cfg.Index)
	}
}

// Finalize appends the random suffix, digests the hash and closes the
// buffer so the outbound body completes as it drains.
func (l *Leg) Finalize() {
	l.mu.Lock()
	if l.state == StateDone || l.state == StateFinalizing {
		l.mu.Unlock()
		return
	}
	if n := l.cfg.RandomBytesCount; n > 0 {
		suffix := make([]byte, n)
		if _, err := rand.Read(suffix); err != nil {
			l.mu.Unlock()
			l.Abort(fmt.Errorf("random suffix: %w", err))
			return
		}
		l.uploadedBytes += uint64(n)
		if l.hash != nil {
			l.hash.Write(suffix)
		}
		metrics.UploadedBytes.Add(float64(n))
		l.queue.Write(suffix)
	}
	if l.hash != nil {
		l.md5hex = hex.EncodeToString(l.hash.Sum(nil))
	}
	l.stopTimerLocked()
	l.state = StateFinalizing
	l.queue.Close()
	l.mu.Unlock()
	l.markReady()
}

// Abort moves the leg to its terminal error state: the buffer is
// destroyed, the outbound request is cancelled and the idle timer
// stopped. The first error wins; later calls are no-ops.
func (l *Leg) Abort(err error) {
	l.mu.Lock()
	if l.state == StateDone {
		l.mu.Unlock()
		return
	}
	l.err = err
	l.state = StateDone
	l.stopTimerLocked()
	cancel := l.cancel
	l.mu.Unlock()

	l.queue.Fail(err)
	if cancel != nil {
		cancel()
	}
	l.markReady()
	l.log.Debug("leg aborted", zap.Error(err))
	l.events.LegClosed(l.cfg.Index)
}

// Body exposes the buffer's read side: the byte stream the outbound
// request carries.
func (l *Leg) Body() io.Reader { return l.queue }

// Result snapshots the leg's terminal record. Run returns the same data
// plus the upload response; this accessor serves inspection after an
// abort.
func (l *Leg) Result() Result { return l.finish(nil) }

// IsAlive reports whether the leg can still make progress.
func (l *Leg) IsAlive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state != StateDone
}

// State returns the current lifecycle position.
func (l *Leg) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// UploadedBytes returns the running byte counter.
func (l *Leg) UploadedBytes() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.uploadedBytes
}

// Run performs the outbound HTTP request and blocks until the leg
// settles. It waits for the source headers (and first-chunk sniff) before
// building the request, streams the buffer as the body and records the
// response. Run never returns a session-fatal error; failures land on the
// returned Result.
func (l *Leg) Run(ctx context.Context) Result {
	metrics.ActiveLegs.Inc()
	defer metrics.ActiveLegs.Dec()

	res := l.run(ctx)
	status := "success"
	if res.Err != nil {
		status = "error"
	}
	metrics.LegsTotal.WithLabelValues(l.cfg.Method, status).Inc()
	return res
}

func (l *Leg) run(ctx context.Context) Result {
	select {
	case <-l.ready:
	case <-ctx.Done():
		l.Abort(ctx.Err())
		return l.finish(nil)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	if l.state == StateDone {
		l.mu.Unlock()
		return l.finish(nil)
	}
	l.cancel = cancel
	l.mu.Unlock()

	req, err := l.buildRequest(runCtx)
	if err != nil {
		l.Abort(fmt.Errorf("build upload request: %w", err))
		return l.finish(nil)
	}

	client := l.cfg.Client
	if client == nil {
		client = http.DefaultClient
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		l.Abort(fmt.Errorf("upload request: %w", err))
		return l.finish(nil)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		l.Abort(fmt.Errorf("read upload response: %w", err))
		return l.finish(nil)
	}

	l.mu.Lock()
	if l.state == StateDone {
		// Aborted while awaiting the response; the abort error stands.
		l.mu.Unlock()
		return l.finish(nil)
	}
	l.stopTimerLocked()
	l.state = StateDone
	l.mu.Unlock()

	// Any resolved response counts as leg success, status code included;
	// the body is recorded verbatim for the caller to judge.
	var response any = string(body)
	var parsed any
	if json.Unmarshal(body, &parsed) == nil {
		response = parsed
	}

	l.log.Info("upload leg finished",
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))
	l.events.LegClosed(l.cfg.Index)
	return l.finish(response)
}

// finish snapshots the terminal record.
func (l *Leg) finish(response any) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := Result{
		UploadURL:        l.cfg.UploadURL,
		FileName:         l.fileName,
		UploadedBytes:    l.uploadedBytes,
		RandomBytesCount: l.cfg.RandomBytesCount,
	}
	if l.sizeKnown {
		r.DeclaredSize = l.declaredSize
	}
	if l.err != nil {
		r.Err = l.err
		return r
	}
	r.MD5 = l.md5hex
	r.Response = response
	return r
}

// onIdle fires when the leg made no forward progress for the idle window.
func (l *Leg) onIdle() {
	metrics.IdleTimeouts.Inc()
	l.log.Warn("leg idle timeout", zap.Duration("window", l.idle))
	l.Abort(ErrIdleTimeout)
}

func (l *Leg) armTimerLocked() {
	if l.timer == nil {
		l.timer = time.AfterFunc(l.idle, l.onIdle)
		return
	}
	l.timer.Reset(l.idle)
}

func (l *Leg) stopTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
	}
}

// markReady unblocks Run once the request headers can be built.
func (l *Leg) markReady() {
	l.readyOnce.Do(func() { close(l.ready) })
}
