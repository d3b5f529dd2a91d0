// Package source opens the download side of a transload and pumps the
// response body into the fanout coordinator and, optionally, a local
// file. The pump obeys the coordinator's backpressure level: it stops
// reading from the network while any live leg is stalled, which is what
// ultimately throttles the producer to the slowest consumer.
package source

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/h2non/filetype"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/zulfikawr/transload/internal/fanout"
	"github.com/zulfikawr/transload/internal/logging"
	"github.com/zulfikawr/transload/internal/metrics"
)

// DefaultChunkSize is how much the pump reads from the source per cycle.
const DefaultChunkSize = 256 * 1024

// ErrNoLiveUploads ends a pump that has nowhere left to deliver: every
// leg is dead and no local save is configured.
var ErrNoLiveUploads = errors.New("no live upload legs remain")

// Config describes the download side of a session.
type Config struct {
	URL          string
	Client       *http.Client
	UserAgent    string
	SavePath     string
	CalculateMD5 bool
	Logger       *zap.Logger
	ChunkSize    int
}

// Reader owns the source response, the session hash and the local writer.
type Reader struct {
	cfg  Config
	log  *zap.Logger
	hash hash.Hash

	resp *http.Response
	body io.ReadCloser

	contentLength uint64
	lengthKnown   bool
	fileName      string

	bytesDownloaded atomic.Uint64
	localSize       uint64
	md5hex          string
}

// New prepares a reader; no I/O happens until Open.
func New(cfg Config) *Reader {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	r := &Reader{
		cfg: cfg,
		log: logging.Or(cfg.Logger).With(zap.String("download_url", cfg.URL)),
	}
	if cfg.CalculateMD5 {
		r.hash = md5.New()
	}
	return r
}

// Open performs the GET and extracts content length and filename. Any
// response that yields a body counts as open, status code included; a
// transport failure here is the session's sole fatal path.
func (r *Reader) Open(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("source request: %w", err)
	}
	if r.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", r.cfg.UserAgent)
	}

	client := r.cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("source open: %w", err)
	}
	if resp.Body == nil {
		return fmt.Errorf("source open: response without body")
	}
	r.resp = resp
	r.body = resp.Body

	// A caller-supplied agent may have asked for gzip itself; the
	// stdlib only auto-decodes when it injected the header. Decode
	// here so legs always see payload bytes. Length is then unknown.
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return fmt.Errorf("source open: gzip: %w", err)
		}
		r.body = gz
	} else if resp.ContentLength >= 0 {
		r.contentLength = uint64(resp.ContentLength)
		r.lengthKnown = true
	}

	r.fileName = FileNameFromDisposition(resp.Header.Get("Content-Disposition"))
	if r.fileName == "" {
		u := req.URL
		if resp.Request != nil && resp.Request.URL != nil {
			u = resp.Request.URL // after redirects
		}
		r.fileName = FileNameFromURL(u)
	}

	r.log.Info("source opened",
		zap.Int("status", resp.StatusCode),
		zap.Uint64("content_length", r.contentLength),
		zap.String("filename", r.fileName))
	return nil
}

// ContentLength returns the source length and whether it is known.
func (r *Reader) ContentLength() (uint64, bool) { return r.contentLength, r.lengthKnown }

// FileName returns the derived filename (header parameter or URL basename).
func (r *Reader) FileName() string { return r.fileName }

// BytesDownloaded returns the pump's running counter. Safe for concurrent
// readers such as the progress logger.
func (r *Reader) BytesDownloaded() uint64 { return r.bytesDownloaded.Load() }

// MD5 returns the session digest, set only after a completed pump.
func (r *Reader) MD5() string { return r.md5hex }

// LocalSize returns how many bytes reached the local file.
func (r *Reader) LocalSize() uint64 { return r.localSize }

// Pump announces size and filename to the coordinator, then streams the
// body chunk by chunk: hash, broadcast, local write. It pauses whenever
// the coordinator reports a stalled leg and stops early only when the
// stream fails or nothing is left to deliver.
func (r *Reader) Pump(ctx context.Context, coord *fanout.Coordinator) error {
	defer func() { _ = r.body.Close() }()

	coord.SetSize(r.contentLength, r.lengthKnown)
	coord.SetFilename(r.fileName)

	var local *os.File
	if r.cfg.SavePath != "" {
		f, err := os.Create(r.cfg.SavePath)
		if err != nil {
			err = fmt.Errorf("create local file: %w", err)
			coord.AbortAll(err)
			metrics.SourcesTotal.WithLabelValues("error").Inc()
			return err
		}
		local = f
		defer func() { _ = local.Close() }()
	}

	buf := make([]byte, r.cfg.ChunkSize)
	first := true
	for {
		waited, err := coord.AwaitCapacity(ctx)
		if waited {
			metrics.SourcePauses.Inc()
		}
		if err != nil {
			return r.fail(coord, local != nil, fmt.Errorf("source cancelled: %w", err))
		}
		if local == nil && coord.AllDead() {
			metrics.SourcesTotal.WithLabelValues("abandoned").Inc()
			r.log.Warn("abandoning source, no live legs and no local save")
			return ErrNoLiveUploads
		}

		n, err := r.body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if first {
				first = false
				coord.SetContentType(sniffContentType(chunk))
			}
			if r.hash != nil {
				r.hash.Write(chunk)
			}
			r.bytesDownloaded.Add(uint64(n))
			metrics.DownloadedBytes.Add(float64(n))
			coord.Broadcast(chunk)
			if local != nil {
				if _, werr := local.Write(chunk); werr != nil {
					return r.fail(coord, false, fmt.Errorf("local write: %w", werr))
				}
				r.localSize += uint64(n)
			}
		}
		if err == io.EOF {
			coord.FinalizeAll()
			if r.hash != nil {
				r.md5hex = hex.EncodeToString(r.hash.Sum(nil))
			}
			metrics.SourcesTotal.WithLabelValues("success").Inc()
			r.log.Info("source drained", zap.Uint64("bytes", r.bytesDownloaded.Load()))
			return nil
		}
		if err != nil {
			return r.fail(coord, local != nil, fmt.Errorf("source stream: %w", err))
		}
	}
}

// fail settles a broken pump. When every leg already died on its own
// there is nothing left to abort and the pump was merely abandoned.
func (r *Reader) fail(coord *fanout.Coordinator, localSave bool, err error) error {
	if coord.AllDead() && !localSave {
		metrics.SourcesTotal.WithLabelValues("abandoned").Inc()
		return ErrNoLiveUploads
	}
	coord.AbortAll(err)
	metrics.SourcesTotal.WithLabelValues("error").Inc()
	r.log.Warn("source failed", zap.Error(err))
	return err
}

// sniffContentType inspects the magic bytes of the first chunk.
func sniffContentType(chunk []byte) string {
	t, err := filetype.Match(chunk)
	if err != nil || t == filetype.Unknown {
		return "application/octet-stream"
	}
	return t.MIME.Value
}
