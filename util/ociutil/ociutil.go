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

// Package ociutil holds helpers for reading image manifests and indexes
// without a content store.
package ociutil

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/containerd/platforms"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Docker media types accepted alongside the OCI ones.
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
)

var ErrSchema1 = errors.New("media-type: schema 1 not supported")

// IsManifestType reports whether mt names a single-platform image manifest.
func IsManifestType(mt string) bool {
	return mt == ocispec.MediaTypeImageManifest || mt == MediaTypeDockerManifest
}

// IsIndexType reports whether mt names an image index or manifest list.
func IsIndexType(mt string) bool {
	return mt == ocispec.MediaTypeImageIndex || mt == MediaTypeDockerManifestList
}

// unknownDocument is a manifest or index that has not been validated yet.
type unknownDocument struct {
	MediaType string          `json:"mediaType,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	Layers    json.RawMessage `json:"layers,omitempty"`
	Manifests json.RawMessage `json:"manifests,omitempty"`
	FSLayers  json.RawMessage `json:"fsLayers,omitempty"` // schema 1
}

// ValidateMediaType returns an error if b is not JSON, if it is a schema 1
// manifest, or if mt identifies it as one format while its content says
// another.
func ValidateMediaType(b []byte, mt string) error {
	var doc unknownDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if len(doc.FSLayers) != 0 {
		return ErrSchema1
	}
	if IsManifestType(mt) && (len(doc.Manifests) != 0 || IsIndexType(doc.MediaType)) {
		return fmt.Errorf("media-type: expected manifest but found index (%s)", mt)
	} else if IsIndexType(mt) && (len(doc.Config) != 0 || len(doc.Layers) != 0 || IsManifestType(doc.MediaType)) {
		return fmt.Errorf("media-type: expected index but found manifest (%s)", mt)
	}
	return nil
}

// DedupePlatforms drops platforms that normalize to one already seen,
// keeping the first spelling.
func DedupePlatforms(ps []ocispec.Platform) []ocispec.Platform {
	var matchers []platforms.Matcher
	var res []ocispec.Platform

NextPlatform:
	for _, p := range ps {
		for _, m := range matchers {
			if m.Match(platforms.Normalize(p)) {
				continue NextPlatform
			}
		}
		res = append(res, p)
		matchers = append(matchers, platforms.OnlyStrict(platforms.Normalize(p)))
	}
	return res
}

// FormatPlatforms renders ps for messages, one entry per distinct platform.
func FormatPlatforms(ps []ocispec.Platform) []string {
	var res []string
	for _, p := range DedupePlatforms(ps) {
		res = append(res, platforms.Format(p))
	}
	return res
}
