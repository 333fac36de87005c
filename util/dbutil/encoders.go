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

// Package dbutil holds helpers for reading and writing typed values in bolt
// buckets.
package dbutil

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrKeyNotFound is returned when a bucket has no value for a key.
var ErrKeyNotFound = errors.New("key not found")

// EncodeInt encodes i as a varint.
func EncodeInt(i int64) []byte {
	var buf [binary.MaxVarintLen64]byte
	return append([]byte(nil), buf[:binary.PutVarint(buf[:], i)]...)
}

// DecodeInt decodes a varint written by EncodeInt.
func DecodeInt(data []byte) (int64, error) {
	i, n := binary.Varint(data)
	if n == 0 {
		return 0, errors.New("not enough data")
	}
	if n < 0 {
		return 0, errors.New("data overflows int64")
	}
	return i, nil
}

// PutInt stores i under key.
func PutInt(b *bolt.Bucket, key []byte, i int64) error {
	return b.Put(key, EncodeInt(i))
}

// GetInt reads an integer stored by PutInt.
func GetInt(b *bolt.Bucket, key []byte) (int64, error) {
	v := b.Get(key)
	if v == nil {
		return 0, fmt.Errorf("%s: %w", key, ErrKeyNotFound)
	}
	i, err := DecodeInt(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return i, nil
}

// PutString stores s under key. Empty strings are not stored.
func PutString(b *bolt.Bucket, key []byte, s string) error {
	if s == "" {
		return nil
	}
	return b.Put(key, []byte(s))
}

// GetString reads a string stored by PutString. A missing key reads as "".
func GetString(b *bolt.Bucket, key []byte) string {
	return string(b.Get(key))
}

// PutTime stores t with nanosecond precision.
func PutTime(b *bolt.Bucket, key []byte, t time.Time) error {
	return PutInt(b, key, t.UnixNano())
}

// GetTime reads a time stored by PutTime.
func GetTime(b *bolt.Bucket, key []byte) (time.Time, error) {
	ns, err := GetInt(b, key)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, ns), nil
}
