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

package context

import (
	"context"
	"fmt"
)

// Key names a value stored in a command context.
type Key string

const (
	// ConfigKey holds the *config.Config loaded before any command runs.
	ConfigKey Key = "config"
	// ProjectRootKey holds the project root directory as a string.
	ProjectRootKey Key = "project-root"
)

// WithValue stores value under key.
func WithValue(ctx context.Context, key Key, value any) context.Context {
	return context.WithValue(ctx, key, value)
}

func GetValue[T any](ctx context.Context, key Key) (T, error) {
	value := ctx.Value(key)
	if value == nil {
		var zero T
		return zero, fmt.Errorf("key %q not found in context", key)
	}
	val, ok := value.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("value for key %q is not of type %T", key, zero)
	}
	return val, nil
}
