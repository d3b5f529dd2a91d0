package transload

import (
	"github.com/zulfikawr/transload/internal/leg"
	"github.com/zulfikawr/transload/internal/source"
)

// TransloadResult aggregates the whole session: source facts, the
// optional local copy and one UploadResult per destination in input
// order. Upload failures live on their entry; they never fail the
// session.
type TransloadResult struct {
	URL      string         `json:"url"`
	Size     uint64         `json:"size"`
	Filename string         `json:"filename"`
	MD5      string         `json:"md5,omitempty"`
	Local    *LocalResult   `json:"local,omitempty"`
	Uploads  []UploadResult `json:"uploads"`
}

// LocalResult describes the locally saved copy.
type LocalResult struct {
	Path string `json:"path"`
	Size uint64 `json:"size"`
}

// UploadResult is the terminal record of one upload destination.
type UploadResult struct {
	UploadURL string `json:"uploadUrl"`
	FileName  string `json:"fileName,omitempty"`
	Size      uint64 `json:"size"`
	// UploadedBytes marshals as "uploadedByes". The misspelling is part
	// of the wire contract; consumers key on it.
	UploadedBytes    uint64 `json:"uploadedByes"`
	RandomBytesCount uint32 `json:"randomBytesCount,omitempty"`
	MD5              string `json:"md5,omitempty"`
	Response         any    `json:"response,omitempty"`
	Error            string `json:"error,omitempty"`
}

// assembleResult folds the source state and per-leg records into the
// caller-visible aggregate.
func assembleResult(downloadURL, savePath string, src *source.Reader, legResults []leg.Result) *TransloadResult {
	size, _ := src.ContentLength()
	out := &TransloadResult{
		URL:      downloadURL,
		Size:     size,
		Filename: src.FileName(),
		MD5:      src.MD5(),
		Uploads:  make([]UploadResult, 0, len(legResults)),
	}
	if savePath != "" {
		out.Local = &LocalResult{Path: savePath, Size: src.LocalSize()}
	}
	for _, r := range legResults {
		u := UploadResult{
			UploadURL:        r.UploadURL,
			FileName:         r.FileName,
			Size:             r.DeclaredSize,
			UploadedBytes:    r.UploadedBytes,
			RandomBytesCount: r.RandomBytesCount,
		}
		if r.Err != nil {
			u.Error = r.Err.Error()
		} else {
			u.MD5 = r.MD5
			u.Response = r.Response
		}
		out.Uploads = append(out.Uploads, u)
	}
	return out
}
