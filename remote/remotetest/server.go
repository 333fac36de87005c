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

// Package remotetest provides test doubles for remote.Remote: an HTTP server
// implementing the chunk API on top of a remote.Memory, and a wrapper that
// injects failures into any Remote.
package remotetest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/awslabs/layersync/config"
	"github.com/awslabs/layersync/errdefs"
	"github.com/awslabs/layersync/remote"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
)

// DefaultToken is the bearer token a Server accepts unless configured
// otherwise.
const DefaultToken = "test-token"

// maxChunkBytes bounds the size of an uploaded chunk.
const maxChunkBytes = 64 << 20

// Server serves the chunk API from memory. Faults are armed with the Fail*
// methods and consumed by the next matching requests.
type Server struct {
	*httptest.Server
	Memory *remote.Memory

	token atomic.Pointer[string]

	failDiffs     atomic.Int32
	failPuts      atomic.Int32
	corruptAcks   atomic.Int32
	failFinalizes atomic.Int32
	goneFinalizes atomic.Int32

	diffs     atomic.Int32
	puts      atomic.Int32
	finalizes atomic.Int32
	encoded   atomic.Int32
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	s := &Server{Memory: remote.NewMemory()}
	token := DefaultToken
	s.token.Store(&token)

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+remote.DiffPath, s.handleDiff)
	mux.HandleFunc("PUT "+remote.ChunkPath+"{digest}", s.handlePut)
	mux.HandleFunc("POST "+remote.FinalizePath, s.handleFinalize)
	s.Server = httptest.NewServer(s.authorize(mux))
	t.Cleanup(s.Close)
	return s
}

// SetToken changes the accepted bearer token.
func (s *Server) SetToken(token string) {
	s.token.Store(&token)
}

// FailDiffs makes the next n diff requests fail with 503.
func (s *Server) FailDiffs(n int32) { s.failDiffs.Store(n) }

// FailPuts makes the next n chunk uploads fail with 503.
func (s *Server) FailPuts(n int32) { s.failPuts.Store(n) }

// CorruptAcks makes the next n chunk uploads acknowledge a wrong digest.
func (s *Server) CorruptAcks(n int32) { s.corruptAcks.Store(n) }

// FailFinalizes makes the next n finalize requests fail with 503.
func (s *Server) FailFinalizes(n int32) { s.failFinalizes.Store(n) }

// GoneFinalizes makes the next n finalize requests fail with 410.
func (s *Server) GoneFinalizes(n int32) { s.goneFinalizes.Store(n) }

// Diffs returns the number of diff requests served.
func (s *Server) Diffs() int32 { return s.diffs.Load() }

// Puts returns the number of chunk uploads served.
func (s *Server) Puts() int32 { return s.puts.Load() }

// Finalizes returns the number of finalize requests served.
func (s *Server) Finalizes() int32 { return s.finalizes.Load() }

// Encoded returns the number of chunk uploads that arrived compressed.
func (s *Server) Encoded() int32 { return s.encoded.Load() }

// take consumes one armed fault.
func take(n *atomic.Int32) bool {
	for {
		v := n.Load()
		if v <= 0 {
			return false
		}
		if n.CompareAndSwap(v, v-1) {
			return true
		}
	}
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+*s.token.Load() {
			writeJSON(w, http.StatusUnauthorized, remote.VerificationFailure{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	s.diffs.Add(1)
	if take(&s.failDiffs) {
		http.Error(w, "injected failure", http.StatusServiceUnavailable)
		return
	}
	var req remote.DiffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	present, err := s.Memory.Diff(r.Context(), req.Digests)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if present == nil {
		present = []digest.Digest{}
	}
	writeJSON(w, http.StatusOK, remote.DiffResponse{Present: present})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	s.puts.Add(1)
	if take(&s.failPuts) {
		http.Error(w, "injected failure", http.StatusServiceUnavailable)
		return
	}
	d, err := digest.Parse(r.PathValue("digest"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var body io.Reader = io.LimitReader(r.Body, maxChunkBytes)
	if r.Header.Get("Content-Encoding") == config.CompressionZstd {
		s.encoded.Add(1)
		zr, err := zstd.NewReader(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer zr.Close()
		body = zr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ack, err := s.Memory.PutChunk(r.Context(), d, data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if take(&s.corruptAcks) {
		ack.Digest = digest.FromString("corrupted in transit")
	}
	status := http.StatusOK
	if ack.Status == remote.AckStored {
		status = http.StatusCreated
	}
	writeJSON(w, status, ack)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	s.finalizes.Add(1)
	if take(&s.failFinalizes) {
		http.Error(w, "injected failure", http.StatusServiceUnavailable)
		return
	}
	if take(&s.goneFinalizes) {
		http.Error(w, "submission window closed", http.StatusGone)
		return
	}
	var req remote.FinalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := s.Memory.Finalize(r.Context(), req)
	var verr *errdefs.RemoteVerificationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusConflict, remote.VerificationFailure{Error: verr.Message, Missing: verr.Missing})
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
