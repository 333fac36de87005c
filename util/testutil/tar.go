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

package testutil

// This utility helps tests generate sample tar archives.

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TarEntry is an entry of tar.
type TarEntry interface {
	AppendTar(tw *tar.Writer, opts BuildTarOptions) error
}

// BuildTarOptions is a set of options used while building an archive.
type BuildTarOptions struct {
	// Prefix is added to each entry name (e.g. "./").
	Prefix string
}

// BuildTarOption is an option used while building an archive.
type BuildTarOption func(o *BuildTarOptions)

// WithPrefix is an option to add a prefix string to each file name (e.g. "./", "/", etc.)
func WithPrefix(prefix string) BuildTarOption {
	return func(o *BuildTarOptions) {
		o.Prefix = prefix
	}
}

// BuildTar builds a tar given a list of tar entries and returns an io.Reader
func BuildTar(ents []TarEntry, opts ...BuildTarOption) io.Reader {
	var bo BuildTarOptions
	for _, o := range opts {
		o(&bo)
	}
	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		for _, ent := range ents {
			if err := ent.AppendTar(tw, bo); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		if err := tw.Close(); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()
	return pr
}

// WriteTar writes the archive built from ents to name inside a temporary
// directory owned by t and returns its path.
func WriteTar(t testing.TB, name string, ents []TarEntry, opts ...BuildTarOption) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create %s: %v", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, BuildTar(ents, opts...)); err != nil {
		t.Fatalf("failed to write tar %s: %v", path, err)
	}
	return path
}

// TarBytes returns the archive built from ents.
func TarBytes(t testing.TB, ents []TarEntry, opts ...BuildTarOption) []byte {
	t.Helper()
	b, err := io.ReadAll(BuildTar(ents, opts...))
	if err != nil {
		t.Fatalf("failed to build tar: %v", err)
	}
	return b
}

// ReadTarFiles returns the contents of every regular file in the archive at
// path, keyed by entry name.
func ReadTarFiles(path string) (map[string][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m := make(map[string][]byte)
	tr := tar.NewReader(f)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return m, nil
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		contents, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		m[header.Name] = contents
	}
}

type tarEntryFunc func(*tar.Writer, BuildTarOptions) error

// AppendTar appends an entry to a tar writer
func (f tarEntryFunc) AppendTar(tw *tar.Writer, opts BuildTarOptions) error { return f(tw, opts) }

// FileBuildTarOption is an option for a file entry.
type FileBuildTarOption func(o *fileOpts)

type fileOpts struct {
	mode int64
}

// WithFileMode specifies the permission bits of the file.
func WithFileMode(mode os.FileMode) FileBuildTarOption {
	return func(o *fileOpts) {
		o.mode = int64(mode.Perm())
	}
}

// File is a regular file entry
func File(name, contents string, opts ...FileBuildTarOption) TarEntry {
	return Blob(name, []byte(contents), opts...)
}

// Blob is a regular file entry holding binary contents.
func Blob(name string, contents []byte, opts ...FileBuildTarOption) TarEntry {
	return tarEntryFunc(func(tw *tar.Writer, buildOpts BuildTarOptions) error {
		fOpts := fileOpts{mode: 0644}
		for _, o := range opts {
			o(&fOpts)
		}
		if strings.HasSuffix(name, "/") {
			return fmt.Errorf("bogus trailing slash in file %q", name)
		}
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     buildOpts.Prefix + name,
			Mode:     fOpts.mode,
			Size:     int64(len(contents)),
		}); err != nil {
			return err
		}
		_, err := tw.Write(contents)
		return err
	})
}

// Dir is a directory entry
func Dir(name string) TarEntry {
	return tarEntryFunc(func(tw *tar.Writer, buildOpts BuildTarOptions) error {
		if !strings.HasSuffix(name, "/") {
			return fmt.Errorf("dir %q must have trailing slash", name)
		}
		return tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeDir,
			Name:     buildOpts.Prefix + name,
			Mode:     0755,
		})
	})
}

// Symlink is a symlink entry
func Symlink(name, target string) TarEntry {
	return tarEntryFunc(func(tw *tar.Writer, buildOpts BuildTarOptions) error {
		return tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeSymlink,
			Name:     buildOpts.Prefix + name,
			Linkname: target,
			Mode:     0644,
		})
	})
}
