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

package os

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	ErrInputIsADirectory = errors.New("path is a directory, not a build output file")
	ErrInputNotRegular   = errors.New("path is not a regular file")
)

// ResolveInputPath cleans path, resolves symlinks and returns the absolute
// path of the regular file it names.
func ResolveInputPath(path string) (string, error) {
	cleanPath := filepath.Clean(path)
	resolvedPath, err := filepath.EvalSymlinks(cleanPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve symlinks: %w", err)
	}

	absPath, err := filepath.Abs(resolvedPath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("path validation failed: %w", err)
	}
	if info.IsDir() {
		return "", ErrInputIsADirectory
	}
	if !info.Mode().IsRegular() {
		return "", ErrInputNotRegular
	}
	return absPath, nil
}
