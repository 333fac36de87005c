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

package internal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	cmdcontext "github.com/awslabs/layersync/cmd/internal/context"
	"github.com/awslabs/layersync/cmd/layersync/commands/global"
	"github.com/awslabs/layersync/config"
	"github.com/awslabs/layersync/image"
	inputos "github.com/awslabs/layersync/internal/os"
	"github.com/awslabs/layersync/journal"
	"github.com/awslabs/layersync/remote"
	"github.com/containerd/platforms"
	"github.com/urfave/cli/v3"
)

const (
	PlatformFlag = "platform"
	NameFlag     = "name"
)

// ImageFlags select what is read from a saved image archive.
var ImageFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    PlatformFlag,
		Aliases: []string{"p"},
		Usage:   "platform of the image manifest to sync",
		Value:   platforms.Format(image.DefaultPlatform),
	},
	&cli.StringFlag{
		Name:  NameFlag,
		Usage: "artifact name prefix, overriding the name recorded in the archive",
	},
}

// LoadConfig reads the configuration for the project at root. Without an
// explicit path a missing file yields the defaults.
func LoadConfig(cmd *cli.Command, root string) (*config.Config, error) {
	path := cmd.String(global.ConfigFlag)
	if path == "" {
		path = filepath.Join(root, config.DefaultConfigPath)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.NewConfig(), nil
		}
	}
	return config.NewConfigFromToml(path)
}

// Config returns the configuration loaded before the command ran.
func Config(ctx context.Context) (*config.Config, error) {
	return cmdcontext.GetValue[*config.Config](ctx, cmdcontext.ConfigKey)
}

// ProjectRoot returns the project root the command runs against.
func ProjectRoot(ctx context.Context) (string, error) {
	return cmdcontext.GetValue[string](ctx, cmdcontext.ProjectRootKey)
}

// LoadImage reads the build output named by the first argument.
func LoadImage(ctx context.Context, cmd *cli.Command) (*image.Image, error) {
	if cmd.Args().Len() != 1 {
		return nil, fmt.Errorf("expected exactly one build output path, got %d arguments", cmd.Args().Len())
	}
	path, err := inputos.ResolveInputPath(cmd.Args().First())
	if err != nil {
		return nil, fmt.Errorf("invalid build output %q: %w", cmd.Args().First(), err)
	}
	p, err := platforms.Parse(cmd.String(PlatformFlag))
	if err != nil {
		return nil, err
	}
	opts := []image.Option{image.WithPlatform(p)}
	if name := cmd.String(NameFlag); name != "" {
		opts = append(opts, image.WithName(name))
	}
	return image.Load(ctx, path, opts...)
}

// NewRemote connects to the server configured for the project. The auth
// token is read again from disk when the server refuses it.
func NewRemote(ctx context.Context, cmd *cli.Command) (*remote.HTTP, *config.Project, error) {
	cfg, err := Config(ctx)
	if err != nil {
		return nil, nil, err
	}
	root, err := ProjectRoot(ctx)
	if err != nil {
		return nil, nil, err
	}
	project, err := config.LoadProject(root, cfg.Server)
	if err != nil {
		if errors.Is(err, config.ErrMissingAuthToken) {
			return nil, nil, fmt.Errorf("%w\n%s", err, LoginHint)
		}
		return nil, nil, err
	}
	r, err := remote.NewHTTP(project.ServerURL, project.AuthToken, cfg.RetryableHTTPClientConfig,
		remote.WithCompression(cfg.SyncConfig.Compression),
		remote.WithTokenSource(func() (string, error) {
			return config.ReadAuthToken(project.Dir)
		}),
	)
	if err != nil {
		return nil, nil, err
	}
	return r, project, nil
}

// LoginHint is printed when the server refuses the stored credential.
const LoginHint = "hint: log in again to refresh " + config.DefaultProjectDir + "/auth_token"

// OpenJournal opens the journal configured for the project. A relative path
// is resolved against the project root.
func OpenJournal(ctx context.Context) (*journal.Journal, error) {
	cfg, err := Config(ctx)
	if err != nil {
		return nil, err
	}
	root, err := ProjectRoot(ctx)
	if err != nil {
		return nil, err
	}
	path := cfg.JournalPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	return journal.Open(path)
}
