// Package transload streams a single HTTP download simultaneously to one
// or more upload destinations, and optionally to a local file, without
// ever buffering the complete payload in memory or on disk.
//
// Each destination (a "leg") owns a bounded 20 MiB buffer; the slowest
// leg throttles the download through backpressure. Individual leg
// failures are recorded on their result and never fail the session; the
// only fatal condition is the initial download request failing outright.
//
//	session, err := transload.New(srcURL, []transload.UploadConfig{
//		{UploadURL: dst1},
//		{UploadURL: dst2, Method: "PUT", RandomBytesCount: 12},
//	}, &transload.SessionConfig{CalculateMD5: true})
//	if err != nil { ... }
//	result, err := session.Transload(ctx)
package transload

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zulfikawr/transload/internal/fanout"
	"github.com/zulfikawr/transload/internal/leg"
	"github.com/zulfikawr/transload/internal/logging"
	"github.com/zulfikawr/transload/internal/metrics"
	"github.com/zulfikawr/transload/internal/source"
)

// DefaultUserAgent is sent on the source request and on upload requests
// with no caller-supplied headers.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/110.0.0.0 Safari/537.36"

// progressInterval is how often a running session logs its byte counts.
const progressInterval = 5 * time.Second

// UploadConfig describes one upload destination.
type UploadConfig struct {
	// UploadURL receives the stream.
	UploadURL string
	// Method is "POST" (default, multipart form with a single "file"
	// part) or "PUT" (raw body).
	Method string
	// FileName overrides the filename derived from the source.
	FileName string
	// RandomBytesCount appends that many cryptographically random bytes
	// to this leg's stream, altering its content hash.
	RandomBytesCount uint32
	// Headers replaces the default headers entirely when non-empty.
	Headers map[string]string
	// Agent overrides the HTTP client for this leg.
	Agent *http.Client
}

// SessionConfig carries the session-wide options.
type SessionConfig struct {
	// SaveToLocalPath additionally writes the download to this path.
	SaveToLocalPath string
	// CalculateMD5 maintains an MD5 per leg and for the source stream.
	CalculateMD5 bool
	// Logger receives structured session logs; nil uses the package
	// fallback logger.
	Logger *zap.Logger
	// Agent overrides the HTTP client for the source download.
	Agent *http.Client
}

// Session is a configured transload. Construct with New, run once with
// Transload.
type Session struct {
	id          string
	downloadURL string
	uploads     []UploadConfig
	cfg         SessionConfig
	log         *zap.Logger

	// overridable in tests
	bufferCap     int64
	idleTimeout   time.Duration
	chunkSize     int
	progressEvery time.Duration
}

// New validates the inputs and returns a session ready to run. No I/O
// happens until Transload.
func New(downloadURL string, uploads []UploadConfig, cfg *SessionConfig) (*Session, error) {
	if downloadURL == "" {
		return nil, fmt.Errorf("transload: download URL is empty")
	}
	for i := range uploads {
		if uploads[i].UploadURL == "" {
			return nil, fmt.Errorf("transload: upload %d: URL is empty", i)
		}
		switch strings.ToUpper(uploads[i].Method) {
		case "", http.MethodPost, http.MethodPut:
		default:
			return nil, fmt.Errorf("transload: upload %d: unsupported method %q", i, uploads[i].Method)
		}
	}
	s := &Session{
		id:            uuid.NewString(),
		downloadURL:   downloadURL,
		uploads:       uploads,
		progressEvery: progressInterval,
	}
	if cfg != nil {
		s.cfg = *cfg
	}
	s.log = logging.Or(s.cfg.Logger).With(zap.String("session", s.id[:8]))
	return s, nil
}

// Transload runs the session to completion: it opens the source, streams
// it to every leg (and the local file when configured) and blocks until
// every leg has settled. The returned error is non-nil only when the
// source could not be opened at all; any other failure is recorded on
// the corresponding UploadResult.
func (s *Session) Transload(ctx context.Context) (*TransloadResult, error) {
	metrics.ActiveTransloads.Inc()
	defer metrics.ActiveTransloads.Dec()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	coord := fanout.New(s.log)
	legs := make([]*leg.Leg, len(s.uploads))
	for i, u := range s.uploads {
		method := strings.ToUpper(u.Method)
		if method == "" {
			method = http.MethodPost
		}
		agent := u.Agent
		if agent == nil {
			agent = DefaultClient()
		}
		legs[i] = leg.New(leg.Config{
			Index:            i,
			UploadURL:        u.UploadURL,
			Method:           method,
			FileName:         u.FileName,
			RandomBytesCount: u.RandomBytesCount,
			Headers:          u.Headers,
			Client:           agent,
			UserAgent:        DefaultUserAgent,
			CalculateMD5:     s.cfg.CalculateMD5,
			Logger:           s.log,
			BufferCap:        s.bufferCap,
			Idle:             s.idleTimeout,
		}, coord)
		coord.Attach(legs[i])
	}

	agent := s.cfg.Agent
	if agent == nil {
		agent = DefaultClient()
	}
	src := source.New(source.Config{
		URL:          s.downloadURL,
		Client:       agent,
		UserAgent:    DefaultUserAgent,
		SavePath:     s.cfg.SaveToLocalPath,
		CalculateMD5: s.cfg.CalculateMD5,
		Logger:       s.log,
		ChunkSize:    s.chunkSize,
	})

	srcCtx, srcCancel := context.WithCancel(ctx)
	defer srcCancel()

	s.log.Info("transload starting",
		zap.Int("uploads", len(s.uploads)),
		zap.Bool("local_save", s.cfg.SaveToLocalPath != ""))

	if err := src.Open(srcCtx); err != nil {
		// Sole fatal path. Release the never-started legs.
		coord.AbortAll(err)
		return nil, &SourceOpenError{URL: s.downloadURL, Err: err}
	}

	results := make([]leg.Result, len(legs))
	var wg sync.WaitGroup
	for i, l := range legs {
		wg.Add(1)
		go func(i int, l *leg.Leg) {
			defer wg.Done()
			results[i] = l.Run(ctx)
		}(i, l)
	}

	// Once no leg can consume and nothing is saved locally, draining the
	// source is pure waste; cut it loose even if it is mid-read.
	if s.cfg.SaveToLocalPath == "" && len(legs) > 0 {
		go func() {
			select {
			case <-coord.Unusable():
				srcCancel()
			case <-ctx.Done():
			}
		}()
	}

	stopProgress := make(chan struct{})
	go s.logProgress(src, stopProgress)

	pumpErr := src.Pump(srcCtx, coord)
	wg.Wait()
	close(stopProgress)

	if pumpErr != nil {
		// Recorded on the legs; the session still resolves.
		s.log.Warn("transload finished with source failure", zap.Error(pumpErr))
	} else {
		s.log.Info("transload finished",
			zap.Uint64("bytes", src.BytesDownloaded()))
	}
	return assembleResult(s.downloadURL, s.cfg.SaveToLocalPath, src, results), nil
}

// logProgress emits a byte-count line at a fixed cadence while the pump
// runs. The counter read is racy by design; it is monotonic and only
// logged.
func (s *Session) logProgress(src *source.Reader, stop <-chan struct{}) {
	ticker := time.NewTicker(s.progressEvery)
	defer ticker.Stop()
	total, known := src.ContentLength()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			done := src.BytesDownloaded()
			if known && total > 0 {
				s.log.Info("transload progress",
					zap.Uint64("bytes_downloaded", done),
					zap.Uint64("content_length", total),
					zap.Float64("pct", float64(done)/float64(total)*100))
			} else {
				s.log.Info("transload progress",
					zap.Uint64("bytes_downloaded", done))
			}
		}
	}
}
