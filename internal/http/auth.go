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

package http

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/awslabs/layersync/errdefs"
	"github.com/containerd/log"
	rhttp "github.com/hashicorp/go-retryablehttp"
)

// AuthHandler defines an interface for handling challenge-response
// based HTTP authentication.
//
// See: https://datatracker.ietf.org/doc/html/rfc9110#section-11
type AuthHandler interface {
	// HandleChallenge is responsible for parsing the challenge defined
	// by the origin server and preparing a valid response/answer.
	HandleChallenge(context.Context, *http.Response) error
	// AuthorizeRequest is responsible for authorizing the request to be
	// sent to the origin server.
	AuthorizeRequest(context.Context, *http.Request) (*http.Request, error)
}

// AuthPolicy defines an authentication policy. It takes a response
// and determines whether or not it warrants authentication.
type AuthPolicy func(*http.Response) bool

// DefaultAuthPolicy defines the default AuthPolicy, where by only a "401
// Unauthorized" warrants authentication.
var DefaultAuthPolicy = func(resp *http.Response) bool {
	return resp.StatusCode == http.StatusUnauthorized
}

// AuthClient provides a HTTP client that authenticates every request with an
// AuthHandler and answers challenges once. It wraps an inner retryable
// client that it uses to send requests.
type AuthClient struct {
	client  *rhttp.Client
	handler AuthHandler
	policy  AuthPolicy
	header  http.Header
}

type AuthClientOpt func(*AuthClient)

// WithHeader adds a http.Header to the AuthClient that will
// be attached to every request.
func WithHeader(header http.Header) AuthClientOpt {
	return func(ac *AuthClient) {
		ac.header = header
	}
}

// WithAuthPolicy attaches an AuthPolicy to the AuthClient.
func WithAuthPolicy(policy AuthPolicy) AuthClientOpt {
	return func(ac *AuthClient) {
		ac.policy = policy
	}
}

// WithRetryableClient attaches a retryable client to the AuthClient.
func WithRetryableClient(client *rhttp.Client) AuthClientOpt {
	return func(ac *AuthClient) {
		ac.client = client
	}
}

// NewAuthClient creates a new AuthClient given an AuthHandler.
//
// An AuthHandler must be provided. If no retryable client is provided
// a default one will be created. If no AuthPolicy is provided the
// DefaultAuthPolicy will be used.
func NewAuthClient(authHandler AuthHandler, opts ...AuthClientOpt) (*AuthClient, error) {
	if authHandler == nil {
		return nil, ErrMissingAuthHandler
	}
	ac := &AuthClient{
		handler: authHandler,
	}
	for _, opt := range opts {
		opt(ac)
	}
	if ac.client == nil {
		ac.client = rhttp.NewClient()
	}
	if ac.policy == nil {
		ac.policy = DefaultAuthPolicy
	}
	return ac, nil
}

// Do sends a request using the underlying retryable client. If the
// AuthPolicy deems that the response warrants authentication, it invokes
// the AuthHandler to handle the challenge and re-sends the request once.
// Requests with a body must set GetBody so they can be re-sent.
func (ac *AuthClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	roundTrip := func(req *http.Request) (*http.Response, error) {
		// Attach global headers to the request.
		for k := range ac.header {
			req.Header.Set(k, ac.header.Get(k))
		}
		authReq, err := ac.handler.AuthorizeRequest(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedToAuthorizeRequest, err)
		}
		// Convert the auth request to be a "retryable" request.
		rAuthReq, err := rhttp.FromRequest(authReq)
		if err != nil {
			return nil, err
		}
		return ac.client.Do(rAuthReq)
	}

	resp, err := roundTrip(req)
	if err != nil {
		return nil, err
	}
	if !ac.policy(resp) {
		return resp, nil
	}

	log.G(ctx).WithField("status", resp.StatusCode).Debug("server challenged the request")
	err = ac.handler.HandleChallenge(ctx, resp)
	Drain(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToHandleChallenge, err)
	}
	retry := req.Clone(ctx)
	if req.GetBody != nil {
		if retry.Body, err = req.GetBody(); err != nil {
			return nil, err
		}
	}
	return roundTrip(retry)
}

// StandardClient returns a standard http.Client with the AuthClient set as its
// inner Transport.
//
// Consumers should use this when dealing with API's that strictly accept http.Client's.
func (ac *AuthClient) StandardClient() *http.Client {
	return &http.Client{Transport: ac}
}

// RoundTrip calls the AuthClient's underlying Do method. It exists
// so that the AuthClient can satisfy the http.RoundTripper interface.
func (ac *AuthClient) RoundTrip(req *http.Request) (*http.Response, error) {
	return ac.Do(req)
}

// CloneWithNewClient returns a clone of the AuthClient with a new inner
// retryable client. The new AuthClient will share the same headers, auth handler
// and auth policy.
func (ac *AuthClient) CloneWithNewClient(client *rhttp.Client) *AuthClient {
	return &AuthClient{
		client:  client,
		policy:  ac.policy,
		handler: ac.handler,
		header:  ac.header,
	}
}

// Client returns the inner retryable client.
func (ac *AuthClient) Client() *rhttp.Client {
	return ac.client
}

// TokenSource returns the current bearer token.
type TokenSource func() (string, error)

// BearerHandler authorizes requests with a bearer token. The server cannot be
// asked for a new token, so a challenge is answered by reloading the token
// from its source. An unchanged token means the credential was refused.
type BearerHandler struct {
	mu     sync.RWMutex
	token  string
	reload TokenSource
}

// NewBearerHandler returns a handler presenting token. reload may be nil.
func NewBearerHandler(token string, reload TokenSource) *BearerHandler {
	return &BearerHandler{token: token, reload: reload}
}

func (h *BearerHandler) HandleChallenge(ctx context.Context, resp *http.Response) error {
	if h.reload == nil {
		return errdefs.ErrUnauthorized
	}
	token, err := h.reload()
	if err != nil {
		return fmt.Errorf("%w: %w", errdefs.ErrUnauthorized, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if token == h.token {
		return errdefs.ErrUnauthorized
	}
	log.G(ctx).Info("auth token changed on disk, retrying with the new token")
	h.token = token
	return nil
}

func (h *BearerHandler) AuthorizeRequest(ctx context.Context, req *http.Request) (*http.Request, error) {
	h.mu.RLock()
	token := h.token
	h.mu.RUnlock()

	r := req.Clone(ctx)
	r.Header.Set("Authorization", "Bearer "+token)
	return r, nil
}
