package engine

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"github.com/speechbridge/gateway/internal/httpclient"
)

// StreamDriver opens one bidirectional HTTP/2 stream per session, pumping
// the session's outbound queue into the request body while reading and
// classifying the response body. The request and response bodies are
// both lazy byte streams read and written concurrently over the same
// HTTP/2 connection.
type StreamDriver struct {
	client *http.Client
	cfg    Config
	logger *slog.Logger
}

// NewStreamDriver builds a driver whose transport forces HTTP/2 and, when
// cfg.Insecure is set (test harnesses against an httptest.Server), speaks
// h2c over a plain TCP dial instead of negotiating TLS.
func NewStreamDriver(cfg Config, logger *slog.Logger) *StreamDriver {
	var transport http.RoundTripper
	if cfg.Insecure {
		transport = &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return net.Dial(network, addr)
			},
		}
	} else {
		transport = &http2.Transport{}
	}

	client := httpclient.New(
		httpclient.WithTimeout(cfg.RequestTimeout),
		httpclient.WithTransport(transport),
	)
	return &StreamDriver{client: client, cfg: cfg, logger: logger}
}

// queueReader adapts a session's outbound queue into an io.Reader driving
// the HTTP/2 request body.
type queueReader struct {
	ctx    context.Context
	s      *Session
	driver *StreamDriver
	buf    []byte
}

func (r *queueReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if !r.s.IsActive() {
			return 0, io.EOF
		}
		ev, ok := r.s.Queue.Next(r.ctx, r.s.CloseSignal(), r.driver.cfg.QueueWaitTimeout,
			func() OutboundEvent { return seedSessionStart(r.s) },
			func() {
				r.driver.logger.Warn("outbound queue empty and nothing ever produced, re-seeding sessionStart", "session", r.s.ID)
			},
		)
		if !ok {
			return 0, io.EOF
		}
		data, err := EncodeOutbound(ev)
		if err != nil {
			return 0, err
		}
		r.buf = data
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func seedSessionStart(s *Session) OutboundEvent {
	return OutboundEvent{Kind: EventSessionStart, Payload: SessionStartPayload{InferenceConfiguration: s.InferenceConfig()}}
}

// Run opens the stream and drives it until the response body ends, an
// upstream error frame arrives, the transport fails, or the session goes
// inactive. dispatch receives every decoded inbound event, including the
// synthetic streamComplete/error events the driver itself introduces. Run
// returns the error that caused termination, or nil on a clean end.
//
// Opening the stream (the call to client.Do returning a response) is
// bounded by cfg.InitiationOpenTimeout; confirming the handshake (the
// first inbound frame after that) is bounded by
// cfg.InitiationHandshakeTimeout. Missing either window fails the whole
// attempt with ErrInitiationTimeout, same as any other terminal driver
// error, so the caller tears the session down in response.
func (d *StreamDriver) Run(ctx context.Context, s *Session, dispatch func(InboundEvent)) error {
	if head, ok := s.Queue.Peek(); !ok {
		s.Queue.Enqueue(seedSessionStart(s))
		d.logger.Warn("outbound queue was empty at stream open, re-seeded sessionStart", "session", s.ID)
	} else if head.Kind != EventSessionStart {
		d.logger.Warn("first queued outbound event was not sessionStart", "session", s.ID, "kind", head.Kind)
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	streamCtx, streamCancel := context.WithCancel(reqCtx)
	defer streamCancel()

	var initiationTimedOut atomic.Bool
	openTimer := time.AfterFunc(d.cfg.InitiationOpenTimeout, func() {
		initiationTimedOut.Store(true)
		streamCancel()
	})
	defer openTimer.Stop()

	body := &queueReader{ctx: streamCtx, s: s, driver: d}
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, d.cfg.RemoteEndpoint, body)
	if err != nil {
		dispatch(InboundEvent{Kind: EventError, Raw: rawOf(UpstreamErrorPayload{Message: err.Error()})})
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := d.client.Do(req)
	openTimer.Stop()
	if err != nil {
		if initiationTimedOut.Load() {
			dispatch(InboundEvent{Kind: EventError, Raw: rawOf(UpstreamErrorPayload{Message: "timed out opening the stream"})})
			return fmt.Errorf("%w: opening the stream", ErrInitiationTimeout)
		}
		dispatch(InboundEvent{Kind: EventError, Raw: rawOf(UpstreamErrorPayload{Message: err.Error()})})
		return fmt.Errorf("%w: %v", ErrUpstreamTransient, err)
	}
	defer resp.Body.Close()

	initiationTimedOut.Store(false)
	handshakeConfirmed := false
	handshakeTimer := time.AfterFunc(d.cfg.InitiationHandshakeTimeout, func() {
		initiationTimedOut.Store(true)
		streamCancel()
	})
	defer handshakeTimer.Stop()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if !handshakeConfirmed {
			handshakeConfirmed = true
			handshakeTimer.Stop()
		}
		if !s.IsActive() {
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := DecodeInbound(line)
		if err != nil {
			d.logger.Warn("discarding malformed inbound frame", "session", s.ID, "error", err)
			continue
		}
		s.Touch()

		switch ev.Kind {
		case EventModelStreamError, EventInternalServerError:
			upstream, _ := ParseUpstreamError(ev)
			dispatch(InboundEvent{Kind: EventError, Raw: rawOf(UpstreamErrorPayload{Message: upstream.Message})})
			return fmt.Errorf("%w: %s", ErrUpstreamValidation, upstream.Message)
		default:
			dispatch(ev)
		}
	}
	if err := scanner.Err(); err != nil {
		if !handshakeConfirmed && initiationTimedOut.Load() {
			dispatch(InboundEvent{Kind: EventError, Raw: rawOf(UpstreamErrorPayload{Message: "timed out confirming the initiation handshake"})})
			return fmt.Errorf("%w: handshake not confirmed", ErrInitiationTimeout)
		}
		if !s.IsActive() {
			return nil
		}
		dispatch(InboundEvent{Kind: EventError, Raw: rawOf(UpstreamErrorPayload{Message: err.Error()})})
		return fmt.Errorf("%w: %v", ErrUpstreamTransient, err)
	}

	if s.IsActive() {
		dispatch(InboundEvent{Kind: EventStreamComplete})
	}
	return nil
}
