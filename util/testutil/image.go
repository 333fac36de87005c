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

import (
	"encoding/json"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// TestImage describes a single-platform image to be written as a saved
// image archive.
type TestImage struct {
	// Ref is the image reference recorded in the archive. Empty records none.
	Ref      string
	Platform ocispec.Platform
	Layers   [][]byte
}

// Config returns the image configuration blob.
func (ti TestImage) Config(t testing.TB) []byte {
	t.Helper()
	cfg := ocispec.Image{
		Platform: ti.Platform,
		RootFS:   ocispec.RootFS{Type: "layers"},
	}
	for _, l := range ti.Layers {
		cfg.RootFS.DiffIDs = append(cfg.RootFS.DiffIDs, digest.FromBytes(l))
	}
	return mustJSON(t, cfg)
}

// Manifest returns the OCI image manifest blob.
func (ti TestImage) Manifest(t testing.TB) []byte {
	t.Helper()
	config := ti.Config(t)
	m := ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    descriptorOf(ocispec.MediaTypeImageConfig, config),
	}
	for _, l := range ti.Layers {
		m.Layers = append(m.Layers, descriptorOf(ocispec.MediaTypeImageLayer, l))
	}
	return mustJSON(t, m)
}

// OCILayout returns the entries of an OCI image layout archive. A single
// image is referenced directly from index.json without a platform, several
// images are grouped under one nested index with per-manifest platforms.
func OCILayout(t testing.TB, images ...TestImage) []TarEntry {
	t.Helper()
	blobs := newBlobSet()
	var manifests []ocispec.Descriptor
	for _, ti := range images {
		blobs.add(ti.Config(t))
		for _, l := range ti.Layers {
			blobs.add(l)
		}
		desc := descriptorOf(ocispec.MediaTypeImageManifest, blobs.add(ti.Manifest(t)))
		if len(images) > 1 {
			p := ti.Platform
			desc.Platform = &p
		}
		manifests = append(manifests, desc)
	}

	top := manifests[0]
	if len(images) > 1 {
		nested := mustJSON(t, ocispec.Index{
			Versioned: specs.Versioned{SchemaVersion: 2},
			MediaType: ocispec.MediaTypeImageIndex,
			Manifests: manifests,
		})
		top = descriptorOf(ocispec.MediaTypeImageIndex, blobs.add(nested))
	}
	if ref := images[0].Ref; ref != "" {
		top.Annotations = map[string]string{ocispec.AnnotationRefName: ref}
	}

	index := mustJSON(t, ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{top},
	})
	layout := mustJSON(t, ocispec.ImageLayout{Version: ocispec.ImageLayoutVersion})

	ents := []TarEntry{Dir("blobs/"), Dir("blobs/sha256/")}
	ents = append(ents, blobs.entries...)
	return append(ents, Blob(ocispec.ImageLayoutFile, layout), Blob(ocispec.ImageIndexFile, index))
}

// DockerSave returns the entries of a legacy docker-save archive: one
// directory per layer, the config named by its digest and manifest.json.
func DockerSave(t testing.TB, ti TestImage) []TarEntry {
	t.Helper()
	config := ti.Config(t)
	configName := digest.FromBytes(config).Encoded() + ".json"

	entry := struct {
		Config   string
		RepoTags []string
		Layers   []string
	}{Config: configName}
	if ti.Ref != "" {
		entry.RepoTags = []string{ti.Ref}
	}

	var ents []TarEntry
	for _, l := range ti.Layers {
		dir := digest.FromBytes(l).Encoded()
		name := dir + "/layer.tar"
		ents = append(ents, Dir(dir+"/"), Blob(name, l))
		entry.Layers = append(entry.Layers, name)
	}
	manifest := mustJSON(t, []any{entry})
	return append(ents, Blob(configName, config), Blob("manifest.json", manifest))
}

type blobSet struct {
	seen    map[digest.Digest]bool
	entries []TarEntry
}

func newBlobSet() *blobSet {
	return &blobSet{seen: make(map[digest.Digest]bool)}
}

func (s *blobSet) add(b []byte) []byte {
	d := digest.FromBytes(b)
	if !s.seen[d] {
		s.seen[d] = true
		s.entries = append(s.entries, Blob("blobs/"+d.Algorithm().String()+"/"+d.Encoded(), b))
	}
	return b
}

func descriptorOf(mediaType string, b []byte) ocispec.Descriptor {
	return ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(b),
		Size:      int64(len(b)),
	}
}

func mustJSON(t testing.TB, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal %T: %v", v, err)
	}
	return b
}
