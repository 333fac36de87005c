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

package errdefs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
)

func TestKindOf(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		kind      Kind
		retryable bool
	}{
		{
			name: "nil",
			err:  nil,
			kind: KindNone,
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
			kind: KindUnknown,
		},
		{
			name: "wrapped local read",
			err:  fmt.Errorf("layer sha256:abc: %w", LocalRead(errors.New("unexpected EOF"))),
			kind: KindLocalRead,
		},
		{
			name:      "network",
			err:       Network(errors.New("connection reset by peer")),
			kind:      KindNetwork,
			retryable: true,
		},
		{
			name:      "digest mismatch",
			err:       &DigestMismatchError{Expected: digest.FromString("a"), Actual: digest.FromString("b")},
			kind:      KindDigestMismatch,
			retryable: true,
		},
		{
			name: "remote verification",
			err:  &RemoteVerificationError{Artifact: "layer0"},
			kind: KindRemoteVerificationFailed,
		},
		{
			name: "concurrency limit",
			err:  fmt.Errorf("acquire: %w", ErrConcurrencyLimitExceeded),
			kind: KindConcurrencyLimitExceeded,
		},
		{
			name: "unauthorized wrapped as network stays unauthorized",
			err:  Network(ErrUnauthorized),
			kind: KindUnauthorized,
		},
		{
			name: "canceled",
			err:  fmt.Errorf("upload: %w", context.Canceled),
			kind: KindCanceled,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if kind := KindOf(tc.err); kind != tc.kind {
				t.Fatalf("unexpected kind, got = %q, expected = %q", kind, tc.kind)
			}
			if retryable := IsRetryable(tc.err); retryable != tc.retryable {
				t.Fatalf("unexpected retryable, got = %v, expected = %v", retryable, tc.retryable)
			}
		})
	}
}

func TestContainerdClasses(t *testing.T) {
	if !cerrdefs.IsUnavailable(Network(errors.New("dial tcp"))) {
		t.Fatal("network errors should be unavailable")
	}
	if !cerrdefs.IsFailedPrecondition(&RemoteVerificationError{}) {
		t.Fatal("remote verification errors should be failed precondition")
	}
	if !cerrdefs.IsDataLoss(&DigestMismatchError{}) {
		t.Fatal("digest mismatch errors should be data loss")
	}
	if !cerrdefs.IsUnauthorized(ErrUnauthorized) {
		t.Fatal("unauthorized errors should be unauthenticated")
	}
}

func TestRemoteVerificationErrorMessage(t *testing.T) {
	err := &RemoteVerificationError{
		Artifact: "layer0",
		Message:  "unknown chunks",
		Missing:  []digest.Digest{digest.FromString("x")},
	}
	const expected = "remote verification failed for layer0: unknown chunks (1 missing chunks)"
	if err.Error() != expected {
		t.Fatalf("unexpected message, got = %q, expected = %q", err.Error(), expected)
	}
}
