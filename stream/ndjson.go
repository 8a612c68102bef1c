package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/hupe1980/geocomply/core"
)

// ContentType is the media type of an NDJSON stream.
const ContentType = "application/x-ndjson"

// Writer encodes records as newline-delimited JSON.
type Writer struct {
	mu      sync.Mutex
	enc     *json.Encoder
	flusher http.Flusher
}

// NewWriter returns a Writer on w. When w implements http.Flusher every record
// is flushed as soon as it is written.
func NewWriter(w io.Writer) *Writer {
	nw := &Writer{enc: json.NewEncoder(w)}
	nw.enc.SetEscapeHTML(false)
	if f, ok := w.(http.Flusher); ok {
		nw.flusher = f
	}
	return nw
}

// Write encodes one record followed by a newline.
func (w *Writer) Write(ev core.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(ev); err != nil {
		return fmt.Errorf("encode stream record: %w", err)
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// Emit implements Emitter.
func (w *Writer) Emit(ctx context.Context, ev core.StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.Write(ev)
}

// Copy writes every record from ch until it closes and returns the count.
// It stops early when ctx is done or a write fails.
func Copy(ctx context.Context, w *Writer, ch <-chan core.StreamEvent) (int, error) {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return n, nil
			}
			if err := w.Write(ev); err != nil {
				return n, err
			}
			n++
		}
	}
}

// Decode reads an NDJSON stream back into records.
func Decode(r io.Reader) ([]core.StreamEvent, error) {
	dec := json.NewDecoder(r)
	var out []core.StreamEvent
	for {
		var ev core.StreamEvent
		if err := dec.Decode(&ev); err == io.EOF {
			return out, nil
		} else if err != nil {
			return out, fmt.Errorf("decode stream record: %w", err)
		}
		out = append(out, ev)
	}
}
