/*
   Copyright The Soci Snapshotter Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/awslabs/layersync/config"
	"github.com/awslabs/layersync/errdefs"
	ihttp "github.com/awslabs/layersync/internal/http"
	httputil "github.com/awslabs/layersync/util/http"
	logutil "github.com/awslabs/layersync/util/http/log"
	"github.com/awslabs/layersync/version"
	"github.com/containerd/log"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
)

// API paths, relative to the server base URL.
const (
	DiffPath     = "/api/chunks/diff"
	ChunkPath    = "/api/chunks/"
	FinalizePath = "/api/artifacts/finalize"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 8 << 20

// DiffRequest is the body of a diff request.
type DiffRequest struct {
	Digests []digest.Digest `json:"digests"`
}

// DiffResponse is the body of a diff response.
type DiffResponse struct {
	Present []digest.Digest `json:"present"`
}

// VerificationFailure is the body of a 409 finalize response.
type VerificationFailure struct {
	Error   string          `json:"error"`
	Missing []digest.Digest `json:"missing,omitempty"`
}

// HTTP talks to the server over its JSON API.
//
// Diff and Finalize go through a retrying client. Chunk uploads are sent
// once per call because the transfer engine runs its own retry loop around
// them.
type HTTP struct {
	baseURL     string
	client      *ihttp.AuthClient
	upload      *ihttp.AuthClient
	compression string
	encoder     *zstd.Encoder
}

var _ Remote = (*HTTP)(nil)

type httpOptions struct {
	compression string
	reload      ihttp.TokenSource
	userAgent   string
}

// HTTPOpt configures an HTTP remote.
type HTTPOpt func(*httpOptions)

// WithCompression sets the Content-Encoding of chunk uploads, one of
// config.CompressionNone or config.CompressionZstd.
func WithCompression(compression string) HTTPOpt {
	return func(o *httpOptions) {
		o.compression = compression
	}
}

// WithTokenSource lets the client pick up a new token after a 401.
func WithTokenSource(reload ihttp.TokenSource) HTTPOpt {
	return func(o *httpOptions) {
		o.reload = reload
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(userAgent string) HTTPOpt {
	return func(o *httpOptions) {
		o.userAgent = userAgent
	}
}

// NewHTTP returns a remote for the server at baseURL.
func NewHTTP(baseURL, token string, cfg config.RetryableHTTPClientConfig, opts ...HTTPOpt) (*HTTP, error) {
	o := httpOptions{
		compression: config.CompressionNone,
		userAgent:   "layersync/" + version.Version,
	}
	for _, opt := range opts {
		opt(&o)
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", baseURL)
	}

	header := http.Header{}
	header.Set("User-Agent", o.userAgent)
	client, err := ihttp.NewAuthClient(
		ihttp.NewBearerHandler(token, o.reload),
		ihttp.WithRetryableClient(httputil.NewRetryableClient(cfg)),
		ihttp.WithHeader(header),
	)
	if err != nil {
		return nil, err
	}

	h := &HTTP{
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      client,
		upload:      client.CloneWithNewClient(httputil.NewSingleAttemptClient(cfg)),
		compression: o.compression,
	}
	switch o.compression {
	case config.CompressionNone:
	case config.CompressionZstd:
		if h.encoder, err = zstd.NewWriter(nil); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown compression %q", o.compression)
	}
	return h, nil
}

func (h *HTTP) Diff(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error) {
	var out DiffResponse
	resp, body, err := h.doJSON(ctx, h.client, http.MethodPost, DiffPath, DiffRequest{Digests: digests})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, body)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errdefs.Network(fmt.Errorf("decoding diff response: %w", err))
	}
	for _, d := range out.Present {
		if err := d.Validate(); err != nil {
			return nil, errdefs.Network(fmt.Errorf("diff response: %w", err))
		}
	}
	return out.Present, nil
}

func (h *HTTP) PutChunk(ctx context.Context, d digest.Digest, data []byte) (Ack, error) {
	payload := data
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, h.baseURL+ChunkPath+d.String(), nil)
	if err != nil {
		return Ack{}, err
	}
	if h.encoder != nil {
		payload = h.encoder.EncodeAll(data, make([]byte, 0, len(data)))
		req.Header.Set("Content-Encoding", config.CompressionZstd)
	}
	setBody(req, payload)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, body, err := h.do(h.upload, req)
	if err != nil {
		return Ack{}, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Ack{}, statusError(resp, body)
	}
	var ack Ack
	if err := json.Unmarshal(body, &ack); err != nil {
		return Ack{}, errdefs.Network(fmt.Errorf("decoding chunk ack: %w", err))
	}
	if err := ack.Digest.Validate(); err != nil {
		return Ack{}, errdefs.Network(fmt.Errorf("chunk ack: %w", err))
	}
	return ack, nil
}

func (h *HTTP) Finalize(ctx context.Context, fr FinalizeRequest) (FinalizeResponse, error) {
	resp, body, err := h.doJSON(ctx, h.client, http.MethodPost, FinalizePath, fr)
	if err != nil {
		return FinalizeResponse{}, err
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var out FinalizeResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return FinalizeResponse{}, errdefs.Network(fmt.Errorf("decoding finalize response: %w", err))
		}
		return out, nil
	case http.StatusConflict:
		var failure VerificationFailure
		if err := json.Unmarshal(body, &failure); err != nil {
			failure.Error = strings.TrimSpace(string(body))
		}
		return FinalizeResponse{}, &errdefs.RemoteVerificationError{
			Artifact: fr.ID,
			Missing:  failure.Missing,
			Message:  failure.Error,
		}
	}
	return FinalizeResponse{}, statusError(resp, body)
}

func (h *HTTP) doJSON(ctx context.Context, client *ihttp.AuthClient, method, path string, in any) (*http.Response, []byte, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, nil)
	if err != nil {
		return nil, nil, err
	}
	setBody(req, b)
	req.Header.Set("Content-Type", "application/json")
	return h.do(client, req)
}

// do sends req and reads the response body. Transport failures are
// returned as network errors unless they already carry a kind.
func (h *HTTP) do(client *ihttp.AuthClient, req *http.Request) (*http.Response, []byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		err = logutil.RedactHTTPQueryValuesFromError(err)
		log.G(req.Context()).WithError(err).WithField("url", req.URL.Path).Debug("request failed")
		return nil, nil, errdefs.Network(err)
	}
	body, err := ihttp.ReadBody(resp.Body, maxResponseBytes)
	if err != nil {
		return nil, nil, errdefs.Network(fmt.Errorf("reading response of %s %s: %w", req.Method, req.URL.Path, err))
	}
	return resp, body, nil
}

func setBody(req *http.Request, b []byte) {
	req.ContentLength = int64(len(b))
	req.Body = io.NopCloser(bytes.NewReader(b))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
}

// statusError maps an unexpected response status to an error kind.
func statusError(resp *http.Response, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	err := fmt.Errorf("%s %s: unexpected status %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, msg)
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", errdefs.ErrUnauthorized, err)
	case resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: %w", errdefs.ErrGone, err)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return errdefs.Network(err)
	}
	return err
}
