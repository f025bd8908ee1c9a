// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

package stream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
)

// Format identifies the framing of an HTTP event stream.
type Format int

const (
	// FormatAuto picks SSE or NDJSON from the response content type.
	FormatAuto Format = iota
	FormatSSE
	FormatNDJSON
)

func (f Format) String() string {
	switch f {
	case FormatSSE:
		return "sse"
	case FormatNDJSON:
		return "ndjson"
	default:
		return "auto"
	}
}

// DetectFormat maps a Content-Type header to a Format. Anything that is not
// NDJSON is read as SSE.
func DetectFormat(contentType string) Format {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch mt {
	case "application/x-ndjson", "application/ndjson", "application/jsonl", "application/jsonlines":
		return FormatNDJSON
	default:
		return FormatSSE
	}
}

// Source yields stream events until io.EOF or a transport error.
type Source interface {
	Next() (Event, error)
	Close() error
}

// Reader decodes SSE or NDJSON records from a byte stream. A record larger
// than the WebSocket frame limit is skipped and reported as malformed.
type Reader struct {
	source io.ReadCloser
	format Format
	buf    *bufio.Reader
	limit  int
	done   bool
}

// NewReader wraps r. FormatAuto is treated as SSE.
func NewReader(r io.ReadCloser, format Format) *Reader {
	if format == FormatAuto {
		format = FormatSSE
	}
	return &Reader{
		source: r,
		format: format,
		buf:    bufio.NewReaderSize(r, 64*1024),
		limit:  maxFrameSize,
	}
}

// Next returns the next event. Malformed records are reported with
// ErrMalformedEvent and the reader stays usable.
func (r *Reader) Next() (Event, error) {
	if r.done {
		return Event{}, io.EOF
	}

	var (
		raw  []byte
		name string
		err  error
	)
	if r.format == FormatNDJSON {
		raw, err = r.readLine()
	} else {
		raw, name, err = r.readSSE()
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			r.done = true
		}
		return Event{}, err
	}
	return decodeEvent(raw, name)
}

// readBounded reads up to and including the next newline. A line longer
// than the limit is consumed but not kept, and tooLong is set.
func (r *Reader) readBounded() (line []byte, tooLong bool, err error) {
	for {
		chunk, err := r.buf.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > r.limit {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, tooLong, err
	}
}

func (r *Reader) oversized() error {
	return fmt.Errorf("%w: record exceeds %d bytes", ErrMalformedEvent, r.limit)
}

func (r *Reader) readLine() ([]byte, error) {
	for {
		line, tooLong, err := r.readBounded()
		if tooLong {
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			return nil, r.oversized()
		}
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			return trimmed, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// readSSE joins the data lines of one event. A blank line terminates the
// event; comment lines and unknown fields are ignored.
func (r *Reader) readSSE() ([]byte, string, error) {
	var (
		data     bytes.Buffer
		name     string
		tooLarge bool
	)
	for {
		raw, tooLong, err := r.readBounded()
		if tooLong {
			tooLarge = true
			data.Reset()
		}
		line := string(raw)
		if err != nil {
			if errors.Is(err, io.EOF) && !tooLarge && data.Len() == 0 && strings.TrimSpace(line) == "" {
				return nil, "", io.EOF
			}
			if errors.Is(err, io.EOF) {
				// Truncated event.
				return nil, "", io.ErrUnexpectedEOF
			}
			return nil, "", err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case tooLong:
			continue
		case line == "" && tooLarge:
			return nil, "", r.oversized()
		case line == "":
			if data.Len() == 0 {
				name = ""
				continue
			}
			return data.Bytes(), name, nil
		case strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "data:"):
			if tooLarge {
				continue
			}
			value := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data.Len()+len(value)+1 > r.limit {
				tooLarge = true
				data.Reset()
				continue
			}
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		}
	}
}

// Close releases the underlying body.
func (r *Reader) Close() error {
	r.done = true
	if r.source == nil {
		return nil
	}
	if err := r.source.Close(); err != nil {
		return fmt.Errorf("close stream body: %w", err)
	}
	return nil
}
