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

package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/awslabs/layersync/cmd/layersync/commands/internal"
	"github.com/awslabs/layersync/config"
	"github.com/awslabs/layersync/image"
	"github.com/awslabs/layersync/remote/remotetest"
	"github.com/awslabs/layersync/util/testutil"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
)

func setupProject(t *testing.T, serverURL, token string) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, config.DefaultProjectDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	course := `{
	// written by the course bootstrap
	"serverBaseUrl": "` + serverURL + `/",
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "course.json"), []byte(course), 0o644))
	if token != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "auth_token"), []byte(token+"\n"), 0o600))
	}
	return root
}

func writeImage(t *testing.T) string {
	t.Helper()
	r := testutil.NewTestRand(t)
	ti := testutil.TestImage{
		Ref:      "course/app:latest",
		Platform: ocispec.Platform{OS: "linux", Architecture: "amd64"},
		Layers: [][]byte{
			r.RandomByteData(300 << 10),
			r.RandomByteData(100 << 10),
		},
	}
	return testutil.WriteTar(t, "image.tar", testutil.OCILayout(t, ti))
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	app := NewApp()
	var stdout, stderr bytes.Buffer
	app.Writer = &stdout
	app.ErrWriter = &stderr
	err := app.Run(context.Background(), append([]string{"layersync"}, args...))
	return stdout.String(), stderr.String(), err
}

func TestSyncCommand(t *testing.T) {
	srv := remotetest.NewServer(t)
	root := setupProject(t, srv.URL, remotetest.DefaultToken)
	path := writeImage(t)

	out, _, err := run(t, "--project", root, "sync", path)
	require.NoError(t, err)
	require.Contains(t, out, "course/app/layer-0")
	require.Contains(t, out, "course/app/manifest")
	require.Contains(t, out, "4 artifacts, 0 failed")
	puts := srv.Puts()
	require.Positive(t, puts)

	out, _, err = run(t, "--project", root, "sync", path)
	require.NoError(t, err)
	require.Contains(t, out, "0 bytes transferred")
	require.Equal(t, puts, srv.Puts(), "an unchanged image must not upload chunks")

	out, _, err = run(t, "--project", root, "history", "--limit", "0", "course/app/layer-0")
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(out, "course/app/layer-0"))

	out, _, err = run(t, "--project", root, "history")
	require.NoError(t, err)
	for _, id := range []string{"course/app/layer-0", "course/app/layer-1", "course/app/config", "course/app/manifest"} {
		require.Contains(t, out, id)
	}

	out, _, err = run(t, "--project", root, "verify", path)
	require.NoError(t, err)
	require.Equal(t, 4, strings.Count(out, "unchanged since"))
}

func TestSyncDryRun(t *testing.T) {
	srv := remotetest.NewServer(t)
	root := setupProject(t, srv.URL, remotetest.DefaultToken)

	out, _, err := run(t, "--project", root, "sync", "--dry-run", "--no-journal", "--compression", config.CompressionZstd, writeImage(t))
	require.NoError(t, err)
	require.Contains(t, out, "validated")
	require.Positive(t, srv.Encoded())
}

func TestSyncUnauthorized(t *testing.T) {
	srv := remotetest.NewServer(t)

	t.Run("refused token", func(t *testing.T) {
		root := setupProject(t, srv.URL, "stale-token")
		out, stderr, err := run(t, "--project", root, "sync", writeImage(t))
		require.Error(t, err)
		require.Contains(t, out, "failed (Unauthorized)")
		require.Contains(t, stderr, internal.LoginHint)
		require.Zero(t, srv.Puts())
	})
	t.Run("missing token", func(t *testing.T) {
		root := setupProject(t, srv.URL, "")
		_, _, err := run(t, "--project", root, "sync", writeImage(t))
		require.ErrorIs(t, err, config.ErrMissingAuthToken)
		require.ErrorContains(t, err, internal.LoginHint)
	})
}

func TestSyncRejectsBadInput(t *testing.T) {
	srv := remotetest.NewServer(t)
	root := setupProject(t, srv.URL, remotetest.DefaultToken)

	_, _, err := run(t, "--project", root, "sync")
	require.Error(t, err)
	_, _, err = run(t, "--project", root, "sync", t.TempDir())
	require.Error(t, err)
	_, _, err = run(t, "--project", root, "sync", "--platform", "not/a/valid/platform", writeImage(t))
	require.Error(t, err)
}

func TestInspectCommand(t *testing.T) {
	root := setupProject(t, "http://127.0.0.1:1", remotetest.DefaultToken)

	out, _, err := run(t, "--project", root, "inspect", "--json", "--name", "exercise", writeImage(t))
	require.NoError(t, err)

	var infos []artifactInfo
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	require.Len(t, infos, 4)
	require.Equal(t, "exercise/layer-0", infos[0].ID)
	require.Equal(t, image.KindLayer, infos[0].Kind)
	require.Equal(t, int64(300<<10), infos[0].Stats.TotalBytes)
	require.Greater(t, infos[0].Stats.Chunks, 1)
	require.Equal(t, image.KindManifest, infos[3].Kind)
}

func TestConfigDump(t *testing.T) {
	root := setupProject(t, "http://127.0.0.1:1", remotetest.DefaultToken)
	cfgPath := filepath.Join(root, config.DefaultConfigPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte("[sync]\nmax_concurrency = 3\n"), 0o644))

	out, _, err := run(t, "--project", root, "--server", "https://example.com", "config", "dump")
	require.NoError(t, err)
	require.Contains(t, out, "max_concurrency = 3")
	require.Contains(t, out, "https://example.com")
}
