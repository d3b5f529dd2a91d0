package transload

import (
	"fmt"

	"github.com/zulfikawr/transload/internal/leg"
	"github.com/zulfikawr/transload/internal/source"
)

// SourceOpenError is the only failure Transload returns as an error: the
// initial download request never yielded a body. Every later failure is
// recorded on the affected upload result instead.
type SourceOpenError struct {
	URL string
	Err error
}

func (e *SourceOpenError) Error() string {
	return fmt.Sprintf("open source %s: %v", e.URL, e.Err)
}

func (e *SourceOpenError) Unwrap() error { return e.Err }

// Sentinels surfaced on per-upload results, re-exported so callers can
// match them with errors.Is against UploadResult.Error sources.
var (
	// ErrIdleTimeout marks a leg aborted after 60s without forward
	// progress while its destination was supposed to be consuming.
	ErrIdleTimeout = leg.ErrIdleTimeout

	// ErrNoLiveUploads marks a source abandoned because every leg died
	// and no local save was configured.
	ErrNoLiveUploads = source.ErrNoLiveUploads
)
