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

package image

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/awslabs/layersync/errdefs"
	"github.com/awslabs/layersync/manifest"
	"github.com/awslabs/layersync/util/ioutils"
)

// maxDocumentSize bounds the JSON documents read from an archive.
const maxDocumentSize = 4 << 20

// archive is an uncompressed tar file indexed by entry name. Entry data is
// served straight from the file by offset.
type archive struct {
	path    string
	f       *os.File
	entries map[string]ioutils.Span
}

// openArchive indexes the regular files of the tar at path. ok is false when
// the file is not a tar archive or holds no entries.
func openArchive(path string) (a *archive, ok bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, errdefs.LocalRead(err)
	}
	defer func() {
		if !ok {
			f.Close()
		}
	}()

	entries := make(map[string]ioutils.Span)
	pt := ioutils.NewPositionTrackerReader(f)
	tr := tar.NewReader(pt)
	for i := 0; ; i++ {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if i == 0 {
				// No valid first header: not a tar archive.
				return nil, false, nil
			}
			return nil, false, errdefs.LocalRead(fmt.Errorf("failed to index %s: %w", path, err))
		}
		switch hdr.Typeflag {
		case tar.TypeReg, tar.TypeRegA:
			entries[cleanName(hdr.Name)] = pt.SpanOf(hdr.Size)
		}
	}
	if len(entries) == 0 {
		return nil, false, nil
	}
	return &archive{path: path, f: f, entries: entries}, true, nil
}

func cleanName(name string) string {
	return strings.TrimPrefix(path.Clean("/"+name), "/")
}

func (a *archive) Close() error {
	return a.f.Close()
}

func (a *archive) has(name string) bool {
	_, ok := a.entries[name]
	return ok
}

// readDocument reads a small entry, typically JSON, into memory.
func (a *archive) readDocument(name string) ([]byte, error) {
	span, ok := a.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s not found in archive", ErrInvalidImage, name)
	}
	if span.Size > maxDocumentSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, larger than %d", ErrInvalidImage, name, span.Size, maxDocumentSize)
	}
	b, err := io.ReadAll(span.Section(a.f))
	if err != nil {
		return nil, errdefs.LocalRead(fmt.Errorf("failed to read %s: %w", name, err))
	}
	return b, nil
}

// source serves the entry name as the artifact id.
func (a *archive) source(id, name string) (manifest.Source, int64, error) {
	span, ok := a.entries[name]
	if !ok {
		return manifest.Source{}, 0, fmt.Errorf("%w: %s not found in archive", ErrInvalidImage, name)
	}
	return manifest.SectionSource(id, a.path, span.Offset, span.Size), span.Size, nil
}
