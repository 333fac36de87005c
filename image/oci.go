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
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/awslabs/layersync/util/ociutil"
	"github.com/containerd/log"
	"github.com/containerd/platforms"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// annotationImageName is set by containerd exports and holds the full
// reference, while ref.name may only hold the tag.
const annotationImageName = "io.containerd.image.name"

// maxIndexDepth bounds nested indexes.
const maxIndexDepth = 4

func blobPath(d digest.Digest) (string, error) {
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	return "blobs/" + d.Algorithm().String() + "/" + d.Encoded(), nil
}

// readBlob reads a document blob and checks it against desc.
func (a *archive) readBlob(desc ocispec.Descriptor) ([]byte, error) {
	name, err := blobPath(desc.Digest)
	if err != nil {
		return nil, err
	}
	b, err := a.readDocument(name)
	if err != nil {
		return nil, err
	}
	if int64(len(b)) != desc.Size || desc.Digest.Algorithm().FromBytes(b) != desc.Digest {
		return nil, fmt.Errorf("%w: blob %s does not match its descriptor", ErrInvalidImage, desc.Digest)
	}
	return b, nil
}

func loadOCI(ctx context.Context, a *archive, o options) (*Image, error) {
	b, err := a.readDocument(ocispec.ImageIndexFile)
	if err != nil {
		return nil, err
	}
	var index ocispec.Index
	if err := json.Unmarshal(b, &index); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidImage, ocispec.ImageIndexFile, err)
	}

	var refs []string
	for _, d := range index.Manifests {
		refs = append(refs, d.Annotations[annotationImageName], d.Annotations[ocispec.AnnotationRefName])
	}

	candidates, err := a.collectManifests(index.Manifests, 0)
	if err != nil {
		return nil, err
	}
	desc, err := selectManifest(candidates, o.platform)
	if err != nil {
		return nil, err
	}
	log.G(ctx).WithField("digest", desc.Digest).Debug("selected image manifest")

	mb, err := a.readBlob(desc)
	if err != nil {
		return nil, err
	}
	if err := ociutil.ValidateMediaType(mb, desc.MediaType); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	var m ocispec.Manifest
	if err := json.Unmarshal(mb, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest %s: %w", ErrInvalidImage, desc.Digest, err)
	}

	cb, err := a.readBlob(m.Config)
	if err != nil {
		return nil, err
	}
	if err := checkConfigPlatform(cb, o.platform); err != nil {
		return nil, err
	}

	img := &Image{
		Name:     imageName(o, a.path, refs...),
		Path:     a.path,
		Format:   FormatOCI,
		Platform: o.platform,
	}
	for i, l := range m.Layers {
		name, err := blobPath(l.Digest)
		if err != nil {
			return nil, err
		}
		src, size, err := a.source(layerID(img.Name, i), name)
		if err != nil {
			return nil, err
		}
		if size != l.Size {
			return nil, fmt.Errorf("%w: layer %s is %d bytes, manifest says %d", ErrInvalidImage, l.Digest, size, l.Size)
		}
		img.Artifacts = append(img.Artifacts, Artifact{Kind: KindLayer, Descriptor: l, Source: src})
	}
	for _, blob := range []struct {
		kind Kind
		desc ocispec.Descriptor
	}{
		{KindConfig, m.Config},
		{KindManifest, desc},
	} {
		name, _ := blobPath(blob.desc.Digest)
		src, _, err := a.source(blobID(img.Name, blob.kind), name)
		if err != nil {
			return nil, err
		}
		img.Artifacts = append(img.Artifacts, Artifact{Kind: blob.kind, Descriptor: blob.desc, Source: src})
	}
	return img, nil
}

// collectManifests flattens nested indexes into the image manifests they
// reference.
func (a *archive) collectManifests(descs []ocispec.Descriptor, depth int) ([]ocispec.Descriptor, error) {
	if depth > maxIndexDepth {
		return nil, fmt.Errorf("%w: indexes nested deeper than %d", ErrInvalidImage, maxIndexDepth)
	}
	var res []ocispec.Descriptor
	for _, d := range descs {
		switch {
		case ociutil.IsManifestType(d.MediaType):
			res = append(res, d)
		case ociutil.IsIndexType(d.MediaType):
			b, err := a.readBlob(d)
			if err != nil {
				return nil, err
			}
			if err := ociutil.ValidateMediaType(b, d.MediaType); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
			}
			var index ocispec.Index
			if err := json.Unmarshal(b, &index); err != nil {
				return nil, fmt.Errorf("%w: index %s: %w", ErrInvalidImage, d.Digest, err)
			}
			nested, err := a.collectManifests(index.Manifests, depth+1)
			if err != nil {
				return nil, err
			}
			res = append(res, nested...)
		}
	}
	return res, nil
}

// selectManifest picks the best manifest for want. Manifests that do not
// declare a platform are only considered when none does, and are checked
// against their config later.
func selectManifest(descs []ocispec.Descriptor, want ocispec.Platform) (ocispec.Descriptor, error) {
	matcher := platforms.Only(want)
	var (
		matched   []ocispec.Descriptor
		undecided []ocispec.Descriptor
		available []ocispec.Platform
	)
	for _, d := range descs {
		if d.Platform == nil {
			undecided = append(undecided, d)
			continue
		}
		available = append(available, *d.Platform)
		if matcher.Match(*d.Platform) {
			matched = append(matched, d)
		}
	}
	if len(matched) > 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			return matcher.Less(*matched[i].Platform, *matched[j].Platform)
		})
		return matched[0], nil
	}
	if len(undecided) == 1 {
		return undecided[0], nil
	}
	if len(undecided) > 1 {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %d manifests without a platform", ErrInvalidImage, len(undecided))
	}
	return ocispec.Descriptor{}, fmt.Errorf("%w %s, available: %v", ErrNoMatchingPlatform, platforms.Format(want), ociutil.FormatPlatforms(available))
}

// checkConfigPlatform rejects an image whose config names a platform other
// than want. A config without a platform is accepted.
func checkConfigPlatform(b []byte, want ocispec.Platform) error {
	var cfg ocispec.Image
	if err := json.Unmarshal(b, &cfg); err != nil {
		return fmt.Errorf("%w: config: %w", ErrInvalidImage, err)
	}
	if cfg.OS == "" && cfg.Architecture == "" {
		return nil
	}
	if !platforms.Only(want).Match(cfg.Platform) {
		return fmt.Errorf("%w %s, image is %s", ErrNoMatchingPlatform, platforms.Format(want), platforms.Format(cfg.Platform))
	}
	return nil
}
