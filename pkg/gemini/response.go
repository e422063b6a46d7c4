package gemini

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxMetaLength  = 1024
	GemtextMIME    = "text/gemini; charset=utf-8"
	defaultBufSize = 32 * 1024
)

var ErrBodyNotAllowed = errors.New("response status does not allow a body")

type ResponseWriter interface {
	// WriteHeader sends the status line. Only the first call has an effect.
	WriteHeader(status Status, meta string)
	// Write sends body bytes, implicitly writing "20 text/gemini" first.
	Write(p []byte) (int, error)
	Flush() error
}

type Handler interface {
	ServeGemini(w ResponseWriter, r *Request)
}

type HandlerFunc func(w ResponseWriter, r *Request)

func (f HandlerFunc) ServeGemini(w ResponseWriter, r *Request) {
	f(w, r)
}

// sanitizeMeta strips line breaks and truncates to the protocol limit
// without splitting a UTF-8 sequence.
func sanitizeMeta(meta string) string {
	meta = strings.NewReplacer("\r", " ", "\n", " ").Replace(meta)
	if len(meta) > MaxMetaLength {
		cut := MaxMetaLength
		for cut > 0 && !utf8.RuneStart(meta[cut]) {
			cut--
		}
		meta = meta[:cut]
	}
	return meta
}

func Input(w ResponseWriter, prompt string) {
	w.WriteHeader(StatusInput, prompt)
}

func Redirect(w ResponseWriter, target string) {
	w.WriteHeader(StatusRedirect, target)
}

func NotFound(w ResponseWriter, message string) {
	if message == "" {
		message = "Not found"
	}
	w.WriteHeader(StatusNotFound, message)
}

func Error(w ResponseWriter, status Status, message string) {
	w.WriteHeader(status, message)
}

// SlowDown asks the client to wait before retrying.
func SlowDown(w ResponseWriter, wait time.Duration) {
	seconds := int(wait.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.WriteHeader(StatusSlowDown, strconv.Itoa(seconds))
}

// Text writes a complete gemtext page.
func Text(w ResponseWriter, body string) {
	w.WriteHeader(StatusSuccess, GemtextMIME)
	io.WriteString(w, body)
}

// connResponse writes a response to a client connection.
type connResponse struct {
	bw          *bufio.Writer
	status      Status
	wroteHeader bool
	bodyAllowed bool
	written     int64
}

func newConnResponse(w io.Writer) *connResponse {
	return &connResponse{bw: bufio.NewWriterSize(w, defaultBufSize)}
}

func (r *connResponse) WriteHeader(status Status, meta string) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	r.bodyAllowed = status.Class() == 2
	fmt.Fprintf(r.bw, "%d %s\r\n", int(status), sanitizeMeta(meta))
}

func (r *connResponse) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(StatusSuccess, GemtextMIME)
	}
	if !r.bodyAllowed {
		return 0, ErrBodyNotAllowed
	}
	n, err := r.bw.Write(p)
	r.written += int64(n)
	return n, err
}

func (r *connResponse) Flush() error {
	return r.bw.Flush()
}

// Recorder captures a response in memory for handler tests.
type Recorder struct {
	Status      Status
	Meta        string
	Body        bytes.Buffer
	WroteHeader bool
	Flushed     bool
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (rec *Recorder) WriteHeader(status Status, meta string) {
	if rec.WroteHeader {
		return
	}
	rec.WroteHeader = true
	rec.Status = status
	rec.Meta = sanitizeMeta(meta)
}

func (rec *Recorder) Write(p []byte) (int, error) {
	if !rec.WroteHeader {
		rec.WriteHeader(StatusSuccess, GemtextMIME)
	}
	if rec.Status.Class() != 2 {
		return 0, ErrBodyNotAllowed
	}
	return rec.Body.Write(p)
}

func (rec *Recorder) Flush() error {
	rec.Flushed = true
	return nil
}
