package transload

import (
	"net/http"
	"time"

	"github.com/quic-go/quic-go/http3"
)

// DefaultClient returns an HTTP client tuned for large streaming
// transfers: pooled connections, HTTP/2 where offered and no overall
// request timeout, since a transload may legitimately run for hours.
func DefaultClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			ForceAttemptHTTP2:     true,
			WriteBufferSize:       256 * 1024,
			ReadBufferSize:        256 * 1024,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}
}

// HTTP3Client returns an agent that speaks HTTP/3 over QUIC, for sources
// or destinations that support it. Pass it as SessionConfig.Agent or
// UploadConfig.Agent.
func HTTP3Client() *http.Client {
	return &http.Client{
		Transport: &http3.RoundTripper{},
	}
}
