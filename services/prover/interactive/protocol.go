// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package interactive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// Request is one line sent to the environment.
type Request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// Response is one line read back. Exactly one of Result and Error is set.
// ID is optional on the wire; when present it must equal the request id.
type Response struct {
	ID     *int64          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResponseError  `json:"error,omitempty"`
}

// =============================================================================
// PROTOCOL
// =============================================================================

// Protocol frames newline-delimited JSON over a reader/writer pair.
//
// Description:
//
//	The environment interprets one request at a time, so there is no read
//	loop and no pending map: Call writes a line and then blocks reading the
//	next line. The mutex makes the write-then-read pair atomic, so two
//	goroutines can never interleave requests on one session.
//
// Thread Safety:
//
//	Safe for concurrent use; calls are serialized.
type Protocol struct {
	mu     sync.Mutex
	reader *bufio.Reader
	writer io.Writer
	nextID int64
	broken error
	logger *slog.Logger
}

// NewProtocol wraps r and w. A nil logger uses slog.Default.
func NewProtocol(r io.Reader, w io.Writer, logger *slog.Logger) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{
		reader: bufio.NewReader(r),
		writer: w,
		logger: logger,
	}
}

// Call sends method/params and decodes the result into out (which may be nil).
//
// Outputs:
//
//	*ResponseError - Non-nil when the environment answered with an error
//	                 object. The protocol is still in sync.
//	error          - Transport or framing failure. The protocol is marked
//	                 broken and every later call fails with the same error.
func (p *Protocol) Call(ctx context.Context, method string, params, out any) (*ResponseError, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.usable(ctx); err != nil {
		return nil, err
	}

	p.nextID++
	id := p.nextID
	if err := p.writeLocked(Request{ID: id, Method: method, Params: params}); err != nil {
		return nil, p.fail(err)
	}

	line, err := p.readLocked()
	if err != nil {
		return nil, p.fail(err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, p.fail(fmt.Errorf("%w: decode %s response: %v", ErrProtocolDesync, method, err))
	}
	if resp.ID != nil && *resp.ID != id {
		return nil, p.fail(fmt.Errorf("%w: %s sent id %d, got id %d", ErrProtocolDesync, method, id, *resp.ID))
	}
	if resp.Error != nil {
		return resp.Error, nil
	}
	if resp.Result == nil {
		return nil, p.fail(fmt.Errorf("%w: %s response has neither result nor error", ErrProtocolDesync, method))
	}
	if out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return nil, p.fail(fmt.Errorf("%w: decode %s result: %v", ErrProtocolDesync, method, err))
		}
	}
	return nil, nil
}

// Send writes a message that has no response (file selection).
func (p *Protocol) Send(ctx context.Context, msg any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.usable(ctx); err != nil {
		return err
	}
	if err := p.writeLocked(msg); err != nil {
		return p.fail(err)
	}
	return nil
}

// Receive reads one unsolicited message (the next declaration banner).
func (p *Protocol) Receive(ctx context.Context, out any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.usable(ctx); err != nil {
		return err
	}
	line, err := p.readLocked()
	if err != nil {
		return p.fail(err)
	}
	if err := json.Unmarshal(line, out); err != nil {
		return p.fail(fmt.Errorf("%w: decode message: %v", ErrProtocolDesync, err))
	}
	return nil
}

// Err returns the error that broke the protocol, or nil.
func (p *Protocol) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.broken
}

func (p *Protocol) usable(ctx context.Context) error {
	if p.broken != nil {
		return p.broken
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	return nil
}

func (p *Protocol) fail(err error) error {
	p.broken = err
	return err
}

func (p *Protocol) writeLocked(msg any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	p.logger.Debug("env request", slog.String("line", trimNewline(buf.Bytes())))
	if _, err := p.writer.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("%w: write: %v", ErrSessionClosed, err)
	}
	return nil
}

func (p *Protocol) readLocked() ([]byte, error) {
	for {
		line, err := p.reader.ReadBytes('\n')
		if err != nil && !(errors.Is(err, io.EOF) && len(bytes.TrimSpace(line)) > 0) {
			return nil, fmt.Errorf("%w: read: %v", ErrSessionClosed, err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		p.logger.Debug("env response", slog.String("line", string(line)))
		return line, nil
	}
}

func trimNewline(b []byte) string {
	return string(bytes.TrimRight(b, "\n"))
}
