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

// Package image turns a locally built image into the artifacts a sync
// transfers. It reads a saved image archive (an OCI image layout or a
// docker-save tarball), selects the manifest for the wanted platform and
// yields one artifact per layer plus the image config and manifest. Any
// other file is synced as a single artifact.
package image

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/awslabs/layersync/errdefs"
	"github.com/awslabs/layersync/manifest"
	"github.com/containerd/log"
	"github.com/distribution/reference"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

var (
	// ErrInvalidImage means the archive looks like a saved image but is
	// malformed.
	ErrInvalidImage = errors.New("invalid image archive")

	// ErrNoMatchingPlatform means the archive holds no manifest for the
	// requested platform.
	ErrNoMatchingPlatform = errors.New("no manifest matches platform")
)

// DefaultPlatform is the platform synced when none is requested.
var DefaultPlatform = ocispec.Platform{OS: "linux", Architecture: "amd64"}

// Format is the layout of the input file.
type Format string

const (
	FormatOCI    Format = "oci"
	FormatDocker Format = "docker"
	FormatFile   Format = "file"
)

// Kind is the role of an artifact within its image.
type Kind string

const (
	KindLayer    Kind = "layer"
	KindConfig   Kind = "config"
	KindManifest Kind = "manifest"
	KindFile     Kind = "file"
)

// Artifact is one unit of transfer.
type Artifact struct {
	Kind Kind
	// Descriptor holds what the archive says about the blob. Digest is empty
	// when the archive does not record it.
	Descriptor ocispec.Descriptor
	Source     manifest.Source
}

// ID is the stable identifier of the artifact.
func (a Artifact) ID() string {
	return a.Source.ID
}

// Image is a loaded input.
type Image struct {
	// Name is the familiar image name without tag, or the base name of the
	// file when the archive records no reference.
	Name      string
	Path      string
	Format    Format
	Platform  ocispec.Platform
	Artifacts []Artifact
}

// Sources returns the sources of every artifact in order: layers first,
// then config and manifest.
func (img *Image) Sources() []manifest.Source {
	srcs := make([]manifest.Source, len(img.Artifacts))
	for i, a := range img.Artifacts {
		srcs[i] = a.Source
	}
	return srcs
}

type options struct {
	platform ocispec.Platform
	name     string
}

// Option configures Load.
type Option func(*options)

// WithPlatform selects the manifest for p instead of DefaultPlatform.
func WithPlatform(p ocispec.Platform) Option {
	return func(o *options) {
		o.platform = p
	}
}

// WithName overrides the name recorded in the archive.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// Load reads the file at path.
func Load(ctx context.Context, path string, opts ...Option) (*Image, error) {
	o := options{platform: DefaultPlatform}
	for _, opt := range opts {
		opt(&o)
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, errdefs.LocalRead(err)
	}
	if fi.IsDir() {
		return nil, errdefs.LocalRead(fmt.Errorf("%s is a directory", path))
	}

	a, ok, err := openArchive(path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return loadFile(ctx, path, fi.Size(), o), nil
	}
	defer a.Close()

	var img *Image
	switch {
	case a.has(ocispec.ImageLayoutFile) && a.has(ocispec.ImageIndexFile):
		img, err = loadOCI(ctx, a, o)
	case a.has(dockerManifestFile):
		img, err = loadDocker(ctx, a, o)
	default:
		return loadFile(ctx, path, fi.Size(), o), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load image %s: %w", path, err)
	}
	log.G(ctx).WithFields(log.Fields{
		"name":      img.Name,
		"format":    img.Format,
		"artifacts": len(img.Artifacts),
	}).Debug("loaded image")
	return img, nil
}

func loadFile(ctx context.Context, path string, size int64, o options) *Image {
	name := o.name
	if name == "" {
		name = baseName(path)
	}
	log.G(ctx).WithField("path", path).Debug("not an image archive, syncing as a single artifact")
	return &Image{
		Name:     name,
		Path:     path,
		Format:   FormatFile,
		Platform: o.platform,
		Artifacts: []Artifact{{
			Kind:       KindFile,
			Descriptor: ocispec.Descriptor{Size: size},
			Source:     manifest.FileSource(name, path),
		}},
	}
}

// imageName picks the artifact name prefix. The first candidate that parses
// as an image reference wins.
func imageName(o options, path string, refs ...string) string {
	if o.name != "" {
		return o.name
	}
	for _, ref := range refs {
		if name, ok := familiarName(ref); ok {
			return name
		}
	}
	return baseName(path)
}

// familiarName returns the short name of ref, dropping tag and digest. A bare
// tag, as found in some OCI ref.name annotations, is not a name.
func familiarName(ref string) (string, bool) {
	if ref == "" || !strings.ContainsAny(ref, "/:@") {
		return "", false
	}
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", false
	}
	return reference.FamiliarName(named), true
}

func baseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func layerID(name string, i int) string {
	return fmt.Sprintf("%s/layer-%d", name, i)
}

func blobID(name string, k Kind) string {
	return name + "/" + string(k)
}
