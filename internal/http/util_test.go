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
	"io"
	"strings"
	"testing"
)

type trackingBody struct {
	io.Reader
	closed bool
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}

func TestReadBody(t *testing.T) {
	testCases := []struct {
		name    string
		body    string
		limit   int64
		wantErr bool
	}{
		{name: "empty", body: "", limit: 10},
		{name: "under limit", body: "present", limit: 10},
		{name: "at limit", body: "0123456789", limit: 10},
		{name: "over limit", body: "0123456789a", limit: 10, wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			body := &trackingBody{Reader: strings.NewReader(tc.body)}
			b, err := ReadBody(body, tc.limit)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			} else if string(b) != tc.body {
				t.Fatalf("unexpected body %q", b)
			}
			if !body.closed {
				t.Fatal("body was not closed")
			}
		})
	}
}

func TestDrainConsumesBoundedAmount(t *testing.T) {
	r := strings.NewReader(strings.Repeat("x", int(drainLimit)*2))
	body := &trackingBody{Reader: r}
	Drain(body)
	if !body.closed {
		t.Fatal("body was not closed")
	}
	if r.Len() != int(drainLimit) {
		t.Fatalf("expected %d unread bytes, got %d", drainLimit, r.Len())
	}
}
