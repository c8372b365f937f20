// Package stream decodes an incremental chat response into a normalized
// event sequence. It understands SSE-shaped frames (`data: <payload>`),
// JSON control payloads, and falls back to raw text lines for servers
// that stream plain text.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// ErrIdleTimeout is reported through OnError when no bytes arrive within
// the configured idle window.
var ErrIdleTimeout = errors.New("stream idle timeout")

const dataPrefix = "data: "

// Sink receives decoded stream events. OnChunk is called once per
// content chunk in arrival order. Exactly one of OnComplete or OnError
// is called per stream, and no callback fires after that terminal call.
type Sink struct {
	OnChunk    func(text string)
	OnComplete func()
	OnError    func(err error)
}

// frame is the recognized subset of structured payloads. Content field
// names are tried in order: chunk, content, text.
type frame struct {
	Done    bool   `json:"done"`
	Chunk   string `json:"chunk"`
	Content string `json:"content"`
	Text    string `json:"text"`
	Error   string `json:"error"`
}

func (f *frame) contentField() string {
	switch {
	case f.Chunk != "":
		return f.Chunk
	case f.Content != "":
		return f.Content
	default:
		return f.Text
	}
}

// Decoder turns a streamed HTTP response into sink callbacks.
type Decoder struct {
	idleTimeout time.Duration
	readBufSize int
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithIdleTimeout aborts the stream if no bytes arrive for d. Zero
// disables the watchdog.
func WithIdleTimeout(d time.Duration) Option {
	return func(dec *Decoder) { dec.idleTimeout = d }
}

// NewDecoder creates a Decoder.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{readBufSize: 4096}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode consumes resp and drives the sink. The response body is closed
// on every exit path. A non-2xx response produces exactly one OnError
// carrying the server's error message when one can be extracted.
//
// On context cancellation the body is released promptly, no further
// sink calls are made, and the context's error is returned. All other
// failures are delivered through OnError and Decode returns nil.
func (d *Decoder) Decode(ctx context.Context, resp *http.Response, sink Sink) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		if sink.OnError != nil {
			sink.OnError(errorFromResponse(resp))
		}
		return nil
	}
	return d.DecodeBody(ctx, resp.Body, sink)
}

// DecodeBody decodes an already-open stream body. Useful when the
// transport is not plain HTTP.
func (d *Decoder) DecodeBody(ctx context.Context, body io.ReadCloser, sink Sink) error {
	// Single close point shared by the cancellation watcher, the idle
	// watchdog, and normal exit.
	var closed atomic.Bool
	closeBody := func() {
		if closed.CompareAndSwap(false, true) {
			body.Close()
		}
	}
	defer closeBody()

	// Release the body as soon as the caller cancels so the blocked Read
	// returns.
	watcherDone := make(chan struct{})
	defer close(watcherDone)
	go func() {
		select {
		case <-ctx.Done():
			closeBody()
		case <-watcherDone:
		}
	}()

	var timedOut atomic.Bool
	var watchdog *time.Timer
	if d.idleTimeout > 0 {
		watchdog = time.AfterFunc(d.idleTimeout, func() {
			timedOut.Store(true)
			closeBody()
		})
		defer watchdog.Stop()
	}

	st := &sinkState{sink: sink}
	// Carries the unterminated tail of the previous read so lines (and
	// any multi-byte sequences inside them) are never split across
	// chunk boundaries.
	var pending string
	buf := make([]byte, d.readBufSize)

	for {
		n, err := body.Read(buf)
		if watchdog != nil {
			watchdog.Reset(d.idleTimeout)
		}

		if n > 0 {
			pending += string(buf[:n])
			for {
				line, rest, found := strings.Cut(pending, "\n")
				if !found {
					break
				}
				pending = rest
				if st.processLine(line); st.terminal {
					return nil
				}
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				// Client abort: release quietly, no further sink calls.
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				// Flush a trailing line without a final newline, then
				// treat natural end-of-stream as completion.
				if pending != "" {
					if st.processLine(pending); st.terminal {
						return nil
					}
				}
				st.complete()
				return nil
			}
			if timedOut.Load() {
				st.fail(ErrIdleTimeout)
				return nil
			}
			st.fail(err)
			return nil
		}
	}
}

// sinkState enforces the exactly-one-terminal-call contract.
type sinkState struct {
	sink     Sink
	terminal bool
}

func (s *sinkState) chunk(text string) {
	if s.terminal {
		return
	}
	if s.sink.OnChunk != nil {
		s.sink.OnChunk(text)
	}
}

func (s *sinkState) complete() {
	if s.terminal {
		return
	}
	s.terminal = true
	if s.sink.OnComplete != nil {
		s.sink.OnComplete()
	}
}

func (s *sinkState) fail(err error) {
	if s.terminal {
		return
	}
	s.terminal = true
	if s.sink.OnError != nil {
		s.sink.OnError(err)
	}
}

// processLine classifies one decoded line.
func (s *sinkState) processLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, ":") {
		return
	}

	payload, isSSE := strings.CutPrefix(line, dataPrefix)
	if !isSSE {
		// Fallback for plain-text streams: pass the line through verbatim.
		s.chunk(line)
		return
	}

	if payload == "[DONE]" {
		s.complete()
		return
	}

	var f frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		// Not JSON: the whole payload is literal chunk text.
		s.chunk(payload)
		return
	}

	switch {
	case f.Done:
		s.complete()
	case f.Error != "":
		s.fail(errors.New(f.Error))
	default:
		if content := f.contentField(); content != "" {
			s.chunk(content)
		}
	}
}

// errorFromResponse extracts a structured error message from a failed
// response body, or synthesizes a status-based one.
func errorFromResponse(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err == nil {
		var f frame
		if jsonErr := json.Unmarshal(body, &f); jsonErr == nil && f.Error != "" {
			return errors.New(f.Error)
		}
	}
	return fmt.Errorf("unexpected status %d", resp.StatusCode)
}
