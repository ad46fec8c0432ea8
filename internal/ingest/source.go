package ingest

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rvierich/tsrelay/internal/config"
)

// NewHTTPClient builds the client used for upstream pulls. Connection
// establishment is bounded by the relay connection timeout; the overall
// client timeout stays zero because live pulls never end on their own.
// Read staleness is supervised by the engine's health monitor instead.
func NewHTTPClient(cfg config.RelayConfig) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   cfg.ConnectionTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   cfg.ConnectionTimeout,
			ResponseHeaderTimeout: cfg.ConnectionTimeout,
			MaxIdleConns:          16,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// openDirect starts a plain HTTP pull of an MPEG-TS stream and returns
// the body for reading. A readTimeout > 0 bounds every single Read: when
// the body stays silent longer than that, the pull is aborted and the
// blocked Read returns an error.
func openDirect(ctx context.Context, client *http.Client, rawURL, userAgent string, readTimeout time.Duration) (io.ReadCloser, error) {
	rctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	req.Header.Set("Accept", "*/*")

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connecting to upstream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("upstream returned %s", resp.Status)
	}
	if readTimeout <= 0 {
		return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
	}
	return newWatchdogBody(resp.Body, readTimeout, cancel), nil
}

// cancelOnClose releases the request context when the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	b.cancel()
	return b.ReadCloser.Close()
}

// watchdogBody cancels the underlying request when a Read stays blocked
// past the timeout. The timer only runs while a Read is in flight.
type watchdogBody struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
}

func newWatchdogBody(rc io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *watchdogBody {
	b := &watchdogBody{rc: rc, timeout: timeout, cancel: cancel}
	b.timer = time.AfterFunc(timeout, cancel)
	b.timer.Stop()
	return b
}

func (b *watchdogBody) Read(p []byte) (int, error) {
	b.timer.Reset(b.timeout)
	n, err := b.rc.Read(p)
	b.timer.Stop()
	return n, err
}

func (b *watchdogBody) Close() error {
	b.timer.Stop()
	b.cancel()
	return b.rc.Close()
}
