package leg

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sort"
	"strings"
)

const fallbackContentType = "application/octet-stream"

// buildRequest constructs the outbound request for this leg. PUT streams
// the buffer as a raw body; any other method wraps it in a multipart form
// with a single part named "file". The body reader is the leg's queue, so
// the request naturally completes or fails with the buffer.
func (l *Leg) buildRequest(ctx context.Context) (*http.Request, error) {
	l.mu.Lock()
	fileName := l.fileName
	contentType := l.contentType
	declaredSize := l.declaredSize
	sizeKnown := l.sizeKnown
	l.mu.Unlock()

	if contentType == "" {
		contentType = fallbackContentType
	}

	if l.cfg.Method == http.MethodPut {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, l.cfg.UploadURL, l.queue)
		if err != nil {
			return nil, err
		}
		l.applyHeaders(req)
		if sizeKnown {
			req.ContentLength = int64(declaredSize)
		} else {
			req.ContentLength = -1 // chunked
		}
		if req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", contentType)
		}
		return req, nil
	}

	partHeader := make(textproto.MIMEHeader)
	partHeader.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(fileName)))
	partHeader.Set("Content-Type", contentType)

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreatePart(partHeader)
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, l.queue); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, l.cfg.Method, l.cfg.UploadURL, pr)
	if err != nil {
		_ = pr.Close()
		return nil, err
	}
	l.applyHeaders(req)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if sizeKnown {
		req.ContentLength = int64(declaredSize) + multipartOverhead(mw.Boundary(), partHeader)
	} else {
		req.ContentLength = -1
	}
	return req, nil
}

// applyHeaders sets the caller's headers, or the default user agent alone
// when none were given.
func (l *Leg) applyHeaders(req *http.Request) {
	if len(l.cfg.Headers) == 0 {
		if l.cfg.UserAgent != "" {
			req.Header.Set("User-Agent", l.cfg.UserAgent)
		}
		return
	}
	for k, v := range l.cfg.Headers {
		req.Header.Set(k, v)
	}
}

// multipartOverhead computes the framing bytes mime/multipart emits around
// a single part, so the request can carry an exact Content-Length while
// the payload itself is still streaming.
func multipartOverhead(boundary string, header textproto.MIMEHeader) int64 {
	var b bytes.Buffer
	fmt.Fprintf(&b, "--%s\r\n", boundary)
	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range header[k] {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	b.WriteString("\r\n")
	closing := fmt.Sprintf("\r\n--%s--\r\n", boundary)
	return int64(b.Len() + len(closing))
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
