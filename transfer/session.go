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

package transfer

import (
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// State is the upload state of one chunk.
type State int32

const (
	StatePending State = iota
	StateInFlight
	StateAcknowledged
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in-flight"
	case StateAcknowledged:
		return "acknowledged"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Session tracks the chunks of one upload. The set of digests is fixed at
// creation and each digest owns an independent state word, so workers never
// lock each other out.
type Session struct {
	ID       string
	Artifact string

	order  []digest.Digest
	states map[digest.Digest]*atomic.Int32
}

// NewSession starts a session for the given distinct digests.
func NewSession(artifact string, digests []digest.Digest) *Session {
	s := &Session{
		ID:       uuid.NewString(),
		Artifact: artifact,
		states:   make(map[digest.Digest]*atomic.Int32, len(digests)),
	}
	for _, d := range digests {
		if _, ok := s.states[d]; ok {
			continue
		}
		s.order = append(s.order, d)
		s.states[d] = new(atomic.Int32)
	}
	return s
}

// State returns the state of d. Digests outside the session are reported as
// acknowledged because the session has nothing to send for them.
func (s *Session) State(d digest.Digest) State {
	st, ok := s.states[d]
	if !ok {
		return StateAcknowledged
	}
	return State(st.Load())
}

// transition moves d from one state to another. It fails when d is not in
// the from state, which means another worker owns it.
func (s *Session) transition(d digest.Digest, from, to State) bool {
	st, ok := s.states[d]
	if !ok {
		return false
	}
	return st.CompareAndSwap(int32(from), int32(to))
}

// Count returns how many digests are in state.
func (s *Session) Count(state State) int {
	n := 0
	for _, d := range s.order {
		if s.State(d) == state {
			n++
		}
	}
	return n
}

// Len returns the number of digests in the session.
func (s *Session) Len() int {
	return len(s.order)
}

// Unacknowledged returns the digests that still need an upload, in the
// order they were added.
func (s *Session) Unacknowledged() []digest.Digest {
	var out []digest.Digest
	for _, d := range s.order {
		if s.State(d) != StateAcknowledged {
			out = append(out, d)
		}
	}
	return out
}

// Done reports whether every digest was acknowledged.
func (s *Session) Done() bool {
	return s.Count(StateAcknowledged) == len(s.order)
}
