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
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/awslabs/layersync/config"
	ihttp "github.com/awslabs/layersync/internal/http"
	logutil "github.com/awslabs/layersync/util/http/log"
	"github.com/containerd/log"
	rhttp "github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// NewRetryableClient creates a retryable http client which will automatically
// retry on non-fatal errors.
func NewRetryableClient(cfg config.RetryableHTTPClientConfig) *rhttp.Client {
	rhttpClient := rhttp.NewClient()
	// Don't log every request
	rhttpClient.Logger = nil

	// set retry config
	rhttpClient.RetryMax = cfg.MaxRetries
	rhttpClient.RetryWaitMin = cfg.MinWait()
	rhttpClient.RetryWaitMax = cfg.MaxWait()
	rhttpClient.Backoff = BackoffStrategy
	rhttpClient.CheckRetry = RetryStrategy
	rhttpClient.ErrorHandler = HandleHTTPError
	rhttpClient.HTTPClient.Timeout = cfg.RequestTimeout()

	// set timeouts
	innerTransport := rhttpClient.HTTPClient.Transport
	if t, ok := innerTransport.(*http.Transport); ok {
		t.DialContext = (&net.Dialer{
			Timeout: cfg.DialTimeout(),
		}).DialContext
		t.ResponseHeaderTimeout = cfg.ResponseHeaderTimeout()
	}

	return rhttpClient
}

// NewSingleAttemptClient returns a client with the same timeouts as
// NewRetryableClient that never retries. It is used where the caller runs its
// own retry loop.
func NewSingleAttemptClient(cfg config.RetryableHTTPClientConfig) *rhttp.Client {
	c := NewRetryableClient(cfg)
	c.RetryMax = 0
	return c
}

// Jitter returns a number in the range duration to duration+(duration/divisor)-1, inclusive
func Jitter(duration time.Duration, divisor int64) time.Duration {
	spread := int64(duration) / divisor
	if spread <= 0 {
		return duration
	}
	return time.Duration(rand.Int64N(spread) + int64(duration))
}

// BackoffStrategy extends retryablehttp's DefaultBackoff to add a random jitter to avoid
// overwhelming the server when it comes back online
// DefaultBackoff either tries to parse the 'Retry-After' header of the response; or, it uses an
// exponential backoff 2 ^ numAttempts, limited by max
func BackoffStrategy(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	delayTime := rhttp.DefaultBackoff(min, max, attemptNum, resp)
	return Jitter(delayTime, 8)
}

// Backoff is BackoffStrategy for retry loops that have no response at hand.
func Backoff(min, max time.Duration, attemptNum int) time.Duration {
	return BackoffStrategy(min, max, attemptNum, nil)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryStrategy extends retryablehttp's DefaultRetryPolicy to log the error and response when retrying
// DefaultRetryPolicy retries whenever err is non-nil (except for some url errors) or if returned
// status code is 429 or 5xx (except 501)
func RetryStrategy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	retry, err2 := rhttp.DefaultRetryPolicy(ctx, resp, err)
	if retry {
		fields := logrus.Fields{
			"error": logutil.RedactHTTPQueryValuesFromError(err),
		}
		if resp != nil {
			fields["status"] = resp.StatusCode
		}
		log.G(ctx).WithFields(fields).Debugf("retrying request")
	}
	return retry, err2
}

// HandleHTTPError is the error handler used once a retryable request gives
// up. It drains the last response and returns an error naming the request,
// with query values redacted.
func HandleHTTPError(resp *http.Response, err error, attempts int) (*http.Response, error) {
	method, url := "unknown", "unknown"
	if resp != nil {
		if resp.Body != nil {
			ihttp.Drain(resp.Body)
		}
		if resp.Request != nil {
			method = resp.Request.Method
			if resp.Request.URL != nil {
				u := *resp.Request.URL
				logutil.RedactHTTPQueryValuesFromURL(&u)
				url = u.String()
			}
		}
	}
	if err == nil {
		if resp != nil && resp.StatusCode != 0 {
			return nil, fmt.Errorf("%s %q: giving up request after %d attempt(s): status %d", method, url, attempts, resp.StatusCode)
		}
		return nil, fmt.Errorf("%s %q: giving up request after %d attempt(s)", method, url, attempts)
	}
	return nil, fmt.Errorf("%s %q: giving up request after %d attempt(s): %w", method, url, attempts, logutil.RedactHTTPQueryValuesFromError(err))
}
