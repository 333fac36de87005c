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

package manifest

import (
	"bytes"
	"io"
	"os"
)

// Source is an artifact that can be read from the start any number of times.
// If the reader returned by Open implements io.ReaderAt, chunks are read back
// by offset instead of by streaming.
type Source struct {
	ID   string
	Open func() (io.ReadCloser, error)
}

// FileSource reads the artifact from a file on disk.
func FileSource(id, path string) Source {
	return Source{
		ID: id,
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}
}

// BytesSource serves the artifact from memory.
func BytesSource(id string, data []byte) Source {
	return Source{
		ID: id,
		Open: func() (io.ReadCloser, error) {
			return bytesReadCloser{bytes.NewReader(data)}, nil
		},
	}
}

// SectionSource serves a byte range of a file, for artifacts stored inside a
// larger archive.
func SectionSource(id, path string, offset, size int64) Source {
	return Source{
		ID: id,
		Open: func() (io.ReadCloser, error) {
			f, err := os.Open(path)
			if err != nil {
				return nil, err
			}
			return &sectionReadCloser{io.NewSectionReader(f, offset, size), f}, nil
		},
	}
}

type bytesReadCloser struct {
	*bytes.Reader
}

func (bytesReadCloser) Close() error { return nil }

type sectionReadCloser struct {
	*io.SectionReader
	f *os.File
}

func (s *sectionReadCloser) Close() error { return s.f.Close() }
