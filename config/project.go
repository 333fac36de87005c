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

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
)

const (
	courseConfigFile = "course.json"
	authTokenFile    = "auth_token"
)

var (
	ErrMissingProjectDir = errors.New("missing project directory")
	ErrMissingServerURL  = errors.New("server url must be given with --server when not configured in " + DefaultProjectDir + "/" + courseConfigFile)
	ErrMissingAuthToken  = errors.New("missing or empty auth token")
)

// CourseConfig is the shared, checked-in part of the project configuration.
type CourseConfig struct {
	ServerBaseURL string `json:"serverBaseUrl"`
	// LegacyServerBaseURL is the spelling used by older course files.
	LegacyServerBaseURL string `json:"server_base_url"`
}

// Project is the per-checkout state found in the project directory.
type Project struct {
	// Dir is the project directory, usually <root>/.test-gadget.
	Dir string

	Course CourseConfig

	// ServerURL is the resolved base URL without trailing slashes.
	ServerURL string

	// AuthToken is the bearer credential presented to the server.
	AuthToken string
}

// LoadProject reads the project directory under root. serverOverride, when
// set, takes precedence over the course configuration.
func LoadProject(root, serverOverride string) (*Project, error) {
	dir := filepath.Join(root, DefaultProjectDir)
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrMissingProjectDir, dir)
	}

	course, err := loadCourseConfig(filepath.Join(dir, courseConfigFile))
	if err != nil {
		return nil, err
	}

	serverURL := serverOverride
	if serverURL == "" {
		serverURL = course.ServerBaseURL
	}
	if serverURL == "" {
		serverURL = course.LegacyServerBaseURL
	}
	serverURL = strings.TrimRight(serverURL, "/")
	if serverURL == "" {
		return nil, ErrMissingServerURL
	}

	token, err := ReadAuthToken(dir)
	if err != nil {
		return nil, err
	}

	return &Project{
		Dir:       dir,
		Course:    course,
		ServerURL: serverURL,
		AuthToken: token,
	}, nil
}

// ReadAuthToken reads the auth token stored in the project directory.
func ReadAuthToken(dir string) (string, error) {
	path := filepath.Join(dir, authTokenFile)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrMissingAuthToken, path)
		}
		return "", fmt.Errorf("failed to read auth token %q: %w", path, err)
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingAuthToken, path)
	}
	return token, nil
}

// loadCourseConfig reads course.json. Comments and trailing commas are
// allowed. A missing file is an empty configuration.
func loadCourseConfig(path string) (CourseConfig, error) {
	var course CourseConfig
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return course, nil
		}
		return course, fmt.Errorf("failed to read course config %q: %w", path, err)
	}
	if err := json.Unmarshal(jsonc.ToJSON(b), &course); err != nil {
		return course, fmt.Errorf("failed to parse course config %q: %w", path, err)
	}
	return course, nil
}
