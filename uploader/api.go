package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yorutsuke/yorutsuke/fault"
	"github.com/yorutsuke/yorutsuke/ids"
	"github.com/yorutsuke/yorutsuke/ops"
	"github.com/yorutsuke/yorutsuke/permit"
)

// UploadTimeout bounds one PUT of a compressed blob, measured from dispatch.
const UploadTimeout = 60 * time.Second

// PresignTimeout bounds one presign exchange with the gateway.
const PresignTimeout = 10 * time.Second

// PresignRequest asks the gateway for one upload grant.
type PresignRequest struct {
	UserId      ids.UserId     `json:"userId"`
	FileName    string         `json:"fileName"`
	ContentType string         `json:"contentType"`
	ImageId     ids.ImageId    `json:"imageId,omitempty"`
	IntentId    ids.IntentId   `json:"intentId"`
	Permit      *permit.Permit `json:"permit,omitempty"`
}

// PresignGrant authorizes one direct PUT to the object store.
type PresignGrant struct {
	UploadUrl string      `json:"url"`
	ObjectKey string      `json:"key"`
	TraceId   ids.TraceId `json:"traceId,omitempty"`
	ExpiresIn int64       `json:"expiresIn,omitempty"` // Seconds.
}

// API is the slice of the cloud gateway the upload worker depends on.
type API interface {
	// PresignUpload obtains an upload grant, attaching |trace| to the request.
	// It applies PresignTimeout itself.
	PresignUpload(ctx context.Context, trace ids.TraceId, req PresignRequest) (PresignGrant, error)
	// PutBlob performs the presigned PUT. It applies UploadTimeout itself.
	PutBlob(ctx context.Context, url, contentType string, blob []byte) error
}

// GatewayClient is the HTTP implementation of API.
type GatewayClient struct {
	BaseURL string
	HTTP    *http.Client
	// Timeout overrides PresignTimeout and UploadTimeout when set.
	Timeout time.Duration
}

var _ API = &GatewayClient{}

// gatewayError is the error envelope of gateway non-2xx responses.
type gatewayError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *GatewayClient) PresignUpload(ctx context.Context, trace ids.TraceId, req PresignRequest) (PresignGrant, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout(PresignTimeout))
	defer cancel()

	var body, err = json.Marshal(req)
	if err != nil {
		return PresignGrant{}, fmt.Errorf("encoding presign request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/presign", bytes.NewReader(body))
	if err != nil {
		return PresignGrant{}, fmt.Errorf("building presign request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(ops.TraceHeader, string(trace))

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return PresignGrant{}, fault.Wrap(fault.KindOf(err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var envelope gatewayError
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&envelope)
		var kind = fault.FromStatus(resp.StatusCode, envelope.Error.Code)
		return PresignGrant{}, fault.New(kind, "presign rejected with %d %s: %s",
			resp.StatusCode, envelope.Error.Code, envelope.Error.Message)
	}

	var grant PresignGrant
	if err = json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return PresignGrant{}, fmt.Errorf("decoding presign grant: %w", err)
	}
	return grant, nil
}

func (c *GatewayClient) PutBlob(ctx context.Context, url, contentType string, blob []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout(UploadTimeout))
	defer cancel()

	var req, err = http.NewRequestWithContext(ctx, "PUT", url, bytes.NewReader(blob))
	if err != nil {
		return fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(blob))

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fault.Wrap(fault.KindOf(err), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fault.New(fault.Server, "upload rejected with %d", resp.StatusCode)
	default:
		return fault.New(fault.Unknown, "upload rejected with %d", resp.StatusCode)
	}
}

func (c *GatewayClient) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *GatewayClient) timeout(def time.Duration) time.Duration {
	if c.Timeout != 0 {
		return c.Timeout
	}
	return def
}
