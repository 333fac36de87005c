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

// Package errdefs defines the error kinds surfaced by a layer sync.
//
// Every kind is a sentinel usable with errors.Is. Where a matching class
// exists in github.com/containerd/errdefs the sentinel wraps it, so callers
// that only know the containerd classes (for example errdefs.IsUnavailable)
// still classify sync errors correctly.
package errdefs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
)

var (
	// ErrLocalRead means the artifact bytes could not be read. Fatal for
	// the artifact, never retried.
	ErrLocalRead = errors.New("local read error")

	// ErrNetwork is a transient transport failure. Retried with backoff at
	// the chunk level and at the diff step.
	ErrNetwork error = &classError{"network error", cerrdefs.ErrUnavailable}

	// ErrDigestMismatch means the remote acknowledged a digest different
	// from the one sent. Retried until the attempt ceiling.
	ErrDigestMismatch error = &classError{"digest mismatch", cerrdefs.ErrDataLoss}

	// ErrRemoteVerificationFailed means the remote rejected a manifest that
	// references data it does not hold. Triggers one re-diff cycle.
	ErrRemoteVerificationFailed error = &classError{"remote verification failed", cerrdefs.ErrFailedPrecondition}

	// ErrConcurrencyLimitExceeded is an internal invariant violation. It
	// always indicates a bug and is never retried.
	ErrConcurrencyLimitExceeded error = &classError{"concurrency limit exceeded", cerrdefs.ErrInternal}

	// ErrUnauthorized means the remote refused the bearer credential.
	ErrUnauthorized error = &classError{"unauthorized", cerrdefs.ErrUnauthenticated}

	// ErrGone means the remote no longer knows about a referenced submission.
	ErrGone error = &classError{"gone", cerrdefs.ErrNotFound}
)

// classError is a sentinel that unwraps to a containerd error class without
// repeating the class name in its message.
type classError struct {
	msg   string
	class error
}

func (e *classError) Error() string { return e.msg }

func (e *classError) Unwrap() error { return e.class }

// Kind names an error class for reporting.
type Kind string

const (
	KindNone                     Kind = ""
	KindLocalRead                Kind = "LocalReadError"
	KindNetwork                  Kind = "NetworkError"
	KindDigestMismatch           Kind = "DigestMismatch"
	KindRemoteVerificationFailed Kind = "RemoteVerificationFailed"
	KindConcurrencyLimitExceeded Kind = "ConcurrencyLimitExceeded"
	KindUnauthorized             Kind = "Unauthorized"
	KindGone                     Kind = "Gone"
	KindCanceled                 Kind = "Canceled"
	KindUnknown                  Kind = "Unknown"
)

// kinds is checked in order; the first match wins. Fatal kinds come first so
// that an error wrapping both a fatal and a transient cause is not retried.
var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrConcurrencyLimitExceeded, KindConcurrencyLimitExceeded},
	{ErrUnauthorized, KindUnauthorized},
	{ErrGone, KindGone},
	{ErrLocalRead, KindLocalRead},
	{ErrRemoteVerificationFailed, KindRemoteVerificationFailed},
	{ErrDigestMismatch, KindDigestMismatch},
	{ErrNetwork, KindNetwork},
	{context.Canceled, KindCanceled},
	{context.DeadlineExceeded, KindCanceled},
}

// KindOf returns the kind of err, KindNone for a nil error and KindUnknown
// for an error that matches no sentinel.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// IsRetryable reports whether err is a transient failure that is worth
// another attempt.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindDigestMismatch:
		return true
	}
	return false
}

// LocalRead wraps err as an ErrLocalRead.
func LocalRead(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrLocalRead, err)
}

// Network wraps err as an ErrNetwork unless it already carries a kind.
func Network(err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}

// RemoteVerificationError is returned when the remote rejects a manifest.
// Missing holds the digests the remote reported as absent, if it said so.
type RemoteVerificationError struct {
	Artifact string
	Missing  []digest.Digest
	Message  string
}

func (e *RemoteVerificationError) Error() string {
	var b strings.Builder
	b.WriteString(ErrRemoteVerificationFailed.Error())
	if e.Artifact != "" {
		fmt.Fprintf(&b, " for %s", e.Artifact)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, " (%d missing chunks)", len(e.Missing))
	}
	return b.String()
}

func (e *RemoteVerificationError) Is(target error) bool {
	return target == ErrRemoteVerificationFailed || errors.Is(ErrRemoteVerificationFailed, target)
}

// DigestMismatchError records the digest that was sent and the digest the
// remote acknowledged.
type DigestMismatchError struct {
	Expected digest.Digest
	Actual   digest.Digest
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", ErrDigestMismatch.Error(), e.Expected, e.Actual)
}

func (e *DigestMismatchError) Is(target error) bool {
	return target == ErrDigestMismatch || errors.Is(ErrDigestMismatch, target)
}
