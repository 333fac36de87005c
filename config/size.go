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
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	sizeRegex = regexp.MustCompile(`(?i)^\s*(\d+(\.\d+)?)(\s*(gb|mb|kb|b)?)?\s*$`)

	unitMultipliers = map[string]float64{
		"":   1, // no unit specified, treat as bytes
		"b":  1,
		"kb": 1024,
		"mb": 1024 * 1024,
		"gb": 1024 * 1024 * 1024,
	}
)

// parseSize parses a size such as "64kb" or "1.5mb". Empty and zero sizes
// return def.
func parseSize(sizeStr string, def int64) (int64, error) {
	if sizeStr == "" {
		return def, nil
	}

	matches := sizeRegex.FindStringSubmatch(sizeStr)
	if matches == nil {
		return 0, fmt.Errorf("invalid size format: %s", sizeStr)
	}

	numStr, unitStr := matches[1], strings.ToLower(strings.TrimSpace(matches[4]))
	num, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse size number: %v", err)
	}

	multiplier, ok := unitMultipliers[unitStr]
	if !ok {
		return 0, fmt.Errorf("unknown size unit: %s", unitStr)
	}

	size := int64(num * multiplier)
	if size == 0 {
		size = def
	}
	return size, nil
}
