// Package netclient implements the Upload/Commands/Config/Fault-recovery
// clients described in spec.md §4.7: short, synchronous request/response
// clients over an HTTP-class transport, sharing a single network_mutex and
// per-endpoint category back-off.
package netclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ecowatt-edge/firmware/internal/faultkind"
	"github.com/ecowatt-edge/firmware/internal/obslog"
	"github.com/ecowatt-edge/firmware/internal/runtime"
	"github.com/joeycumines/go-catrate"
)

// Category names the per-endpoint sliding-window limiter keys (spec.md
// §4.7's four clients, plus the OTA chunk stream which shares the same
// transport but paces itself separately with a token bucket — see
// internal/ota).
type Category string

const (
	CategoryUpload  Category = "upload"
	CategoryCommand Category = "command"
	CategoryConfig  Category = "config"
	CategoryOTA     Category = "ota"
	CategoryFault   Category = "fault"
)

// defaultRates gives every category a conservative self-throttle: no more
// than one request every 500ms, and no more than the category's nominal
// per-minute budget, so a misbehaving peer or a tight retry loop cannot
// monopolise the single shared HTTP client.
func defaultRates() map[time.Duration]int {
	return map[time.Duration]int{
		500 * time.Millisecond: 1,
		time.Minute:            30,
	}
}

// Transport is the shared HTTP-class executor all four clients (and the
// OTA chunk stream) sit on top of: network_mutex acquisition with a
// per-caller timeout, a "Connection: close" discipline to avoid ambiguous
// reads on keep-alive (spec.md §4.7), and a catrate sliding-window
// self-throttle per category.
type Transport struct {
	HTTPClient *http.Client
	BaseURL    string
	DeviceID   string
	Mutex      *runtime.TimedMutex
	Limiter    *catrate.Limiter
	Log        *obslog.Logger
}

func NewTransport(baseURL, deviceID string, log *obslog.Logger) *Transport {
	return &Transport{
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		BaseURL:    baseURL,
		DeviceID:   deviceID,
		Mutex:      runtime.NewTimedMutex(),
		Limiter:    catrate.NewLimiter(defaultRates()),
		Log:        log,
	}
}

// Do executes one request/response cycle: acquire network_mutex within
// mutexTimeout, self-throttle under category, send, decode a JSON response
// into out (nil-able), release. acceptNoContent treats HTTP 204 as a valid
// "nothing to do" response with out left untouched.
func (t *Transport) Do(ctx context.Context, category Category, mutexTimeout time.Duration, method, path string, body any, out any, acceptNoContent bool) (status int, err error) {
	lockCtx, cancel := context.WithTimeout(ctx, mutexTimeout)
	defer cancel()
	if err := t.Mutex.Lock(lockCtx); err != nil {
		return 0, faultkind.Wrap(faultkind.TransientNetwork, err, "netclient: network_mutex acquisition timed out")
	}
	defer t.Mutex.Unlock()

	if next, ok := t.Limiter.Allow(string(category)); !ok {
		return 0, faultkind.Wrap(faultkind.TransientNetwork, fmt.Errorf("netclient: self-throttled until %s", next), "netclient: category rate limit")
	}

	var reqBody io.Reader
	if body != nil {
		raw, merr := json.Marshal(body)
		if merr != nil {
			return 0, faultkind.Wrap(faultkind.Storage, merr, "netclient: marshal request body")
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, reqBody)
	if err != nil {
		return 0, faultkind.Wrap(faultkind.TransientNetwork, err, "netclient: build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Close = true // spec.md §4.7: "Connection: close discipline to avoid ambiguous reads on keep-alive"
	req.Header.Set("Connection", "close")

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return 0, faultkind.Wrap(faultkind.TransientNetwork, err, "netclient: request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent && acceptNoContent {
		return resp.StatusCode, nil
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return resp.StatusCode, faultkind.New(faultkind.AuthReject, "netclient: rejected by peer")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, faultkind.Wrap(faultkind.TransientNetwork, fmt.Errorf("unexpected status %d", resp.StatusCode), "netclient: non-2xx response")
	}

	if out != nil {
		if derr := json.NewDecoder(resp.Body).Decode(out); derr != nil {
			return resp.StatusCode, faultkind.Wrap(faultkind.ProtocolFrame, derr, "netclient: decode response body")
		}
	}
	return resp.StatusCode, nil
}
