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

	"github.com/containerd/log"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	dockerManifestFile = "manifest.json"

	mediaTypeDockerConfig = "application/vnd.docker.container.image.v1+json"
	mediaTypeDockerLayer  = "application/vnd.docker.image.rootfs.diff.tar"
	mediaTypeJSON         = "application/json"
)

// dockerManifest is one entry of a docker-save manifest.json.
type dockerManifest struct {
	Config   string
	RepoTags []string
	Layers   []string
}

func loadDocker(ctx context.Context, a *archive, o options) (*Image, error) {
	mb, err := a.readDocument(dockerManifestFile)
	if err != nil {
		return nil, err
	}
	var entries []dockerManifest
	if err := json.Unmarshal(mb, &entries); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidImage, dockerManifestFile, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s lists no images", ErrInvalidImage, dockerManifestFile)
	}
	if len(entries) > 1 {
		log.G(ctx).WithField("images", len(entries)).Warn("archive holds several images, syncing the first")
	}
	entry := entries[0]

	configName := cleanName(entry.Config)
	cb, err := a.readDocument(configName)
	if err != nil {
		return nil, err
	}
	if err := checkConfigPlatform(cb, o.platform); err != nil {
		return nil, err
	}
	var cfg ocispec.Image
	if err := json.Unmarshal(cb, &cfg); err != nil {
		return nil, fmt.Errorf("%w: config: %w", ErrInvalidImage, err)
	}
	diffIDs := cfg.RootFS.DiffIDs
	if len(diffIDs) != 0 && len(diffIDs) != len(entry.Layers) {
		return nil, fmt.Errorf("%w: config lists %d layers, %s lists %d", ErrInvalidImage, len(diffIDs), dockerManifestFile, len(entry.Layers))
	}

	img := &Image{
		Name:     imageName(o, a.path, entry.RepoTags...),
		Path:     a.path,
		Format:   FormatDocker,
		Platform: o.platform,
	}
	for i, layer := range entry.Layers {
		src, size, err := a.source(layerID(img.Name, i), cleanName(layer))
		if err != nil {
			return nil, err
		}
		desc := ocispec.Descriptor{MediaType: mediaTypeDockerLayer, Size: size}
		if len(diffIDs) != 0 {
			desc.Digest = diffIDs[i]
		}
		img.Artifacts = append(img.Artifacts, Artifact{Kind: KindLayer, Descriptor: desc, Source: src})
	}

	src, _, err := a.source(blobID(img.Name, KindConfig), configName)
	if err != nil {
		return nil, err
	}
	img.Artifacts = append(img.Artifacts, Artifact{
		Kind:       KindConfig,
		Descriptor: ocispec.Descriptor{MediaType: mediaTypeDockerConfig, Digest: digest.FromBytes(cb), Size: int64(len(cb))},
		Source:     src,
	})

	src, _, err = a.source(blobID(img.Name, KindManifest), dockerManifestFile)
	if err != nil {
		return nil, err
	}
	img.Artifacts = append(img.Artifacts, Artifact{
		Kind:       KindManifest,
		Descriptor: ocispec.Descriptor{MediaType: mediaTypeJSON, Digest: digest.FromBytes(mb), Size: int64(len(mb))},
		Source:     src,
	})
	return img, nil
}
