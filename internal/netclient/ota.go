package netclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"
)

// decodeBase64 decodes the standard base64 chunk payload the OTA server
// sends; a malformed chunk decodes to an empty slice and is caught by the
// downstream size/hash check rather than here.
func decodeBase64(s string) []byte {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return raw
}

// ManifestRecord is the 200-response body of GET /ota/check/<id> (spec.md
// §6): version, original_size, encrypted_size, sha256_hash, signature,
// iv, chunk_size, total_chunks. A 204 means no update is available.
type ManifestRecord struct {
	Version       string `json:"version"`
	OriginalSize  int    `json:"original_size"`
	EncryptedSize int    `json:"encrypted_size"`
	SHA256Hash    string `json:"sha256_hash"`
	Signature     string `json:"signature"`
	IV            string `json:"iv"`
	ChunkSize     int    `json:"chunk_size"`
	TotalChunks   int    `json:"total_chunks"`
	// ChunkMAC is an optional per-chunk MAC list (hex-encoded), see
	// SPEC_FULL.md §10's Open Question resolution #2: present when
	// non-empty, verified if present, never required.
	ChunkMAC []string `json:"chunk_mac,omitempty"`
}

type initiateRequest struct {
	FirmwareVersion string `json:"firmware_version"`
}

type initiateResponse struct {
	SessionID string `json:"session_id"`
}

type chunkResponse struct {
	Data  string `json:"data"`
	Index int    `json:"index"`
	Size  int    `json:"size"`
}

type completeRequest struct {
	Success bool `json:"success"`
}

type postRebootReport struct {
	Version  string `json:"version"`
	Status   string `json:"status"`
	ErrorMsg string `json:"error_msg,omitempty"`
}

// OTAClient implements the five OTA HTTP operations named in spec.md §6,
// sharing the Transport's network_mutex/catrate discipline like every
// other client. Chunk-fetch pacing beyond that (a token bucket, since OTA
// download is a sustained stream rather than an occasional poll) is
// layered by internal/ota using golang.org/x/time/rate.
type OTAClient struct {
	t            *Transport
	mutexTimeout time.Duration
}

func NewOTAClient(t *Transport, mutexTimeout time.Duration) *OTAClient {
	return &OTAClient{t: t, mutexTimeout: mutexTimeout}
}

// CheckManifest returns (manifest, true, nil) if an update is available,
// or (_, false, nil) on 204.
func (c *OTAClient) CheckManifest(ctx context.Context, currentVersion string) (ManifestRecord, bool, error) {
	var rec ManifestRecord
	status, err := c.t.Do(ctx, CategoryOTA, c.mutexTimeout, "GET",
		fmt.Sprintf("/ota/check/%s?version=%s", c.t.DeviceID, currentVersion), nil, &rec, true)
	if err != nil {
		return ManifestRecord{}, false, err
	}
	if status == 204 {
		return ManifestRecord{}, false, nil
	}
	return rec, true, nil
}

func (c *OTAClient) Initiate(ctx context.Context, version string) (sessionID string, err error) {
	var resp initiateResponse
	_, err = c.t.Do(ctx, CategoryOTA, c.mutexTimeout, "POST",
		fmt.Sprintf("/ota/initiate/%s", c.t.DeviceID), initiateRequest{FirmwareVersion: version}, &resp, false)
	return resp.SessionID, err
}

func (c *OTAClient) FetchChunk(ctx context.Context, version string, index int) (data []byte, size int, err error) {
	var resp chunkResponse
	_, err = c.t.Do(ctx, CategoryOTA, c.mutexTimeout, "GET",
		fmt.Sprintf("/ota/chunk/%s?version=%s&chunk=%d", c.t.DeviceID, version, index), nil, &resp, false)
	if err != nil {
		return nil, 0, err
	}
	return decodeBase64(resp.Data), resp.Size, nil
}

func (c *OTAClient) Complete(ctx context.Context, success bool) error {
	_, err := c.t.Do(ctx, CategoryOTA, c.mutexTimeout, "POST",
		fmt.Sprintf("/ota/complete/%s", c.t.DeviceID), completeRequest{Success: success}, nil, false)
	return err
}

// PostRebootComplete implements the post-reboot status report, the second
// of the two "/ota/.../complete"-shaped endpoints in spec.md §6
// (`POST /ota/<id>/complete` body `{version, status, error_msg?}`).
func (c *OTAClient) PostRebootComplete(ctx context.Context, version, status, errMsg string) error {
	_, err := c.t.Do(ctx, CategoryOTA, c.mutexTimeout, "POST",
		fmt.Sprintf("/ota/%s/complete", c.t.DeviceID), postRebootReport{Version: version, Status: status, ErrorMsg: errMsg}, nil, false)
	return err
}
