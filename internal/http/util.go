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
	"fmt"
	"io"
)

// drainLimit bounds how much of an unread body is consumed to keep the
// connection reusable. Anything larger is cheaper to drop with the
// connection.
const drainLimit = int64(4096)

// Drain reads up to drainLimit bytes of body and closes it.
func Drain(body io.ReadCloser) {
	defer body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(body, drainLimit))
}

// ReadBody reads at most limit bytes of body, then drains and closes it. A
// body longer than limit is an error.
func ReadBody(body io.ReadCloser, limit int64) ([]byte, error) {
	defer Drain(body)
	b, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}
	return b, nil
}
