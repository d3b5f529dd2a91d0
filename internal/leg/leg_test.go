package leg

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeEvents records coordinator callbacks.
type fakeEvents struct {
	mu      sync.Mutex
	stalled []int
	drained []int
	closed  []int
}

func (f *fakeEvents) LegStalled(i int) { f.mu.Lock(); f.stalled = append(f.stalled, i); f.mu.Unlock() }
func (f *fakeEvents) LegDrained(i int) { f.mu.Lock(); f.drained = append(f.drained, i); f.mu.Unlock() }
func (f *fakeEvents) LegClosed(i int)  { f.mu.Lock(); f.closed = append(f.closed, i); f.mu.Unlock() }

func (f *fakeEvents) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stalled), len(f.drained), len(f.closed)
}

func TestWriteAccountingAndHash(t *testing.T) {
	ev := &fakeEvents{}
	l := New(Config{UploadURL: "http://dst", CalculateMD5: true}, ev)

	l.SetSize(11, true)
	if got := l.State(); got != StateActive {
		t.Fatalf("state after SetSize = %v, want active", got)
	}

	data := []byte("hello world")
	if !l.Write(data[:5]) || !l.Write(data[5:]) {
		t.Fatalf("writes below capacity must be accepted")
	}
	if got := l.UploadedBytes(); got != 11 {
		t.Fatalf("uploadedBytes = %d, want 11", got)
	}

	l.Finalize()
	sum := md5.Sum(data)
	if l.md5hex != hex.EncodeToString(sum[:]) {
		t.Fatalf("md5 = %s, want digest of payload", l.md5hex)
	}
}

func TestDeclaredSizeIncludesSuffix(t *testing.T) {
	l := New(Config{UploadURL: "http://dst", RandomBytesCount: 12}, &fakeEvents{})
	l.SetSize(1000, true)
	if l.declaredSize != 1012 {
		t.Fatalf("declaredSize = %d, want 1012", l.declaredSize)
	}
	// Set at most once.
	l.SetSize(5, true)
	if l.declaredSize != 1012 {
		t.Fatalf("declaredSize overwritten to %d", l.declaredSize)
	}
}

func TestFilenameAdoptedOnce(t *testing.T) {
	l := New(Config{UploadURL: "http://dst"}, &fakeEvents{})
	l.SetFilename("derived.bin")
	l.SetFilename("other.bin")
	if l.fileName != "derived.bin" {
		t.Fatalf("fileName = %q, want derived.bin", l.fileName)
	}

	pinned := New(Config{UploadURL: "http://dst", FileName: "mine.zip"}, &fakeEvents{})
	pinned.SetFilename("derived.bin")
	if pinned.fileName != "mine.zip" {
		t.Fatalf("configured filename overridden to %q", pinned.fileName)
	}
}

func TestStallAndDrain(t *testing.T) {
	ev := &fakeEvents{}
	l := New(Config{UploadURL: "http://dst", BufferCap: 8}, ev)
	l.SetSize(100, true)

	if !l.Write(make([]byte, 8)) {
		t.Fatalf("write at capacity must be accepted")
	}
	if l.Write(make([]byte, 4)) {
		t.Fatalf("overflowing write must report not accepted")
	}
	if got := l.State(); got != StateStalled {
		t.Fatalf("state = %v, want stalled", got)
	}
	// The chunk was still taken.
	if got := l.UploadedBytes(); got != 12 {
		t.Fatalf("uploadedBytes = %d, want 12", got)
	}

	// Drain the queue; the leg must resume.
	if _, err := io.CopyN(io.Discard, l.queue, 12); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := l.State(); got != StateActive {
		t.Fatalf("state after drain = %v, want active", got)
	}
	st, dr, _ := ev.counts()
	if st != 1 || dr != 1 {
		t.Fatalf("events stalled=%d drained=%d, want 1/1", st, dr)
	}
}

func TestFinalizeAppendsRandomSuffix(t *testing.T) {
	payload := []byte("payload bytes")
	ev := &fakeEvents{}
	l := New(Config{UploadURL: "http://dst", RandomBytesCount: 12, CalculateMD5: true}, ev)
	l.SetSize(uint64(len(payload)), true)
	l.Write(payload)
	l.Finalize()

	if got := l.UploadedBytes(); got != uint64(len(payload))+12 {
		t.Fatalf("uploadedBytes = %d, want %d", got, len(payload)+12)
	}

	streamed, err := io.ReadAll(l.queue)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(streamed) != len(payload)+12 {
		t.Fatalf("streamed %d bytes, want %d", len(streamed), len(payload)+12)
	}
	if !bytes.Equal(streamed[:len(payload)], payload) {
		t.Fatalf("suffix must follow the payload, not precede it")
	}

	plain := md5.Sum(payload)
	if l.md5hex == hex.EncodeToString(plain[:]) {
		t.Fatalf("suffix did not alter the content hash")
	}
	whole := md5.Sum(streamed)
	if l.md5hex != hex.EncodeToString(whole[:]) {
		t.Fatalf("md5 does not cover the suffix")
	}
}

func TestAbortFirstErrorWins(t *testing.T) {
	ev := &fakeEvents{}
	l := New(Config{UploadURL: "http://dst"}, ev)
	l.SetSize(10, true)

	first := errors.New("first")
	l.Abort(first)
	l.Abort(errors.New("second"))

	if l.IsAlive() {
		t.Fatalf("leg alive after abort")
	}
	res := l.finish(nil)
	if !errors.Is(res.Err, first) {
		t.Fatalf("result error = %v, want first", res.Err)
	}
	if _, _, closed := ev.counts(); closed != 1 {
		t.Fatalf("closed fired %d times, want 1", closed)
	}
	// Writes on a dead leg are ignored.
	l.Write([]byte("late"))
	if got := l.UploadedBytes(); got != 0 {
		t.Fatalf("dead leg counted %d bytes", got)
	}
}

func TestIdleTimeoutFiresWhenActive(t *testing.T) {
	l := New(Config{UploadURL: "http://dst", Idle: 30 * time.Millisecond}, &fakeEvents{})
	l.SetSize(10, true)

	deadline := time.After(2 * time.Second)
	for l.IsAlive() {
		select {
		case <-deadline:
			t.Fatalf("idle timer never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if !errors.Is(l.finish(nil).Err, ErrIdleTimeout) {
		t.Fatalf("error = %v, want ErrIdleTimeout", l.finish(nil).Err)
	}
}

func TestStalledLegDoesNotIdleOut(t *testing.T) {
	l := New(Config{UploadURL: "http://dst", BufferCap: 4, Idle: 30 * time.Millisecond}, &fakeEvents{})
	l.SetSize(100, true)
	if l.Write(make([]byte, 8)) {
		t.Fatalf("expected overflow")
	}

	// Well past the idle window: a stalled leg is waiting, not broken.
	time.Sleep(120 * time.Millisecond)
	if !l.IsAlive() {
		t.Fatalf("stalled leg was idle-aborted")
	}
	if got := l.State(); got != StateStalled {
		t.Fatalf("state = %v, want stalled", got)
	}
}

func TestRunPutStreamsRawBody(t *testing.T) {
	payload := []byte(strings.Repeat("transload!", 1000))

	var gotBody []byte
	var gotLen int64
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLen = r.ContentLength
		gotUA = r.Header.Get("User-Agent")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	l := New(Config{
		UploadURL:    srv.URL,
		Method:       http.MethodPut,
		CalculateMD5: true,
		UserAgent:    "test-agent/1.0",
	}, &fakeEvents{})
	l.SetSize(uint64(len(payload)), true)
	l.SetContentType("application/octet-stream")

	done := make(chan Result, 1)
	go func() { done <- l.Run(context.Background()) }()

	l.Write(payload)
	l.Finalize()

	res := <-done
	if res.Err != nil {
		t.Fatalf("run: %v", res.Err)
	}
	if !bytes.Equal(gotBody, payload) {
		t.Fatalf("server received %d bytes, want %d", len(gotBody), len(payload))
	}
	if gotLen != int64(len(payload)) {
		t.Fatalf("Content-Length = %d, want %d", gotLen, len(payload))
	}
	if gotUA != "test-agent/1.0" {
		t.Fatalf("User-Agent = %q", gotUA)
	}
	m, ok := res.Response.(map[string]any)
	if !ok || m["ok"] != true {
		t.Fatalf("response not parsed as JSON: %#v", res.Response)
	}
	if res.UploadedBytes != uint64(len(payload)) {
		t.Fatalf("uploadedBytes = %d, want %d", res.UploadedBytes, len(payload))
	}
	sum := md5.Sum(payload)
	if res.MD5 != hex.EncodeToString(sum[:]) {
		t.Fatalf("md5 = %s", res.MD5)
	}
}

func TestRunPostStreamsMultipart(t *testing.T) {
	payload := []byte(strings.Repeat("abc123", 2048))

	var gotPart []byte
	var gotName, gotFile, gotPartType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mr, err := r.MultipartReader()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		part, err := mr.NextPart()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotName = part.FormName()
		gotFile = part.FileName()
		gotPartType = part.Header.Get("Content-Type")
		gotPart, _ = io.ReadAll(part)
		_, _ = w.Write([]byte("stored"))
	}))
	defer srv.Close()

	l := New(Config{UploadURL: srv.URL, FileName: "data.bin"}, &fakeEvents{})
	l.SetSize(uint64(len(payload)), true)
	l.SetContentType("application/octet-stream")

	done := make(chan Result, 1)
	go func() { done <- l.Run(context.Background()) }()

	l.Write(payload)
	l.Finalize()

	res := <-done
	if res.Err != nil {
		t.Fatalf("run: %v", res.Err)
	}
	if gotName != "file" {
		t.Fatalf("part name = %q, want file", gotName)
	}
	if gotFile != "data.bin" {
		t.Fatalf("part filename = %q, want data.bin", gotFile)
	}
	if gotPartType != "application/octet-stream" {
		t.Fatalf("part content type = %q", gotPartType)
	}
	if !bytes.Equal(gotPart, payload) {
		t.Fatalf("server received %d part bytes, want %d", len(gotPart), len(payload))
	}
	if res.Response != "stored" {
		t.Fatalf("response = %#v, want raw text", res.Response)
	}
}

func TestRunNon2xxIsStillSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream sad"))
	}))
	defer srv.Close()

	l := New(Config{UploadURL: srv.URL, Method: http.MethodPut}, &fakeEvents{})
	l.SetSize(3, true)
	l.SetContentType("application/octet-stream")

	done := make(chan Result, 1)
	go func() { done <- l.Run(context.Background()) }()
	l.Write([]byte("abc"))
	l.Finalize()

	res := <-done
	if res.Err != nil {
		t.Fatalf("a resolved response must count as success, got %v", res.Err)
	}
	if res.Response != "upstream sad" {
		t.Fatalf("response = %#v", res.Response)
	}
}

func TestRunConnectionFailure(t *testing.T) {
	// Nothing listens here; connect fails fast.
	l := New(Config{UploadURL: "http://127.0.0.1:1/upload"}, &fakeEvents{})
	l.SetSize(3, true)
	l.SetContentType("application/octet-stream")

	done := make(chan Result, 1)
	go func() { done <- l.Run(context.Background()) }()
	l.Write([]byte("abc"))
	l.Finalize()

	res := <-done
	if res.Err == nil {
		t.Fatalf("expected a connection error")
	}
	if l.IsAlive() {
		t.Fatalf("leg still alive after failed run")
	}
	if res.MD5 != "" {
		t.Fatalf("failed leg must omit md5, got %s", res.MD5)
	}
}
