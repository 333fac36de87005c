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

// Package journal records the outcome of past syncs in a local bolt database.
package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/awslabs/layersync/errdefs"
	"github.com/awslabs/layersync/manifest"
	"github.com/awslabs/layersync/util/dbutil"
	"github.com/containerd/log"
	"github.com/opencontainers/go-digest"
	"github.com/rs/xid"
	bolt "go.etcd.io/bbolt"
)

// Journal is a bolt database storing sync records in the following schema.
//
// - records
//   - <xid>: bucket for each record, keys sort by creation time
//     - artifact: <string>             : the artifact id
//     - digest: <string>               : whole-content digest
//     - size: <varint>                 : artifact size
//     - bytes_transferred: <varint>    : bytes uploaded
//     - bytes_deduplicated: <varint>   : bytes the remote already held
//     - submission_id: <string>        : the id the server assigned, if any
//     - error_kind: <string>           : errdefs.Kind of the failure, if any
//     - error: <string>                : failure message, if any
//     - created_at: <varint>           : unix nanoseconds
//     - manifest: <cbor>               : the manifest, if one was built
//
// - artifacts
//   - <artifact id>: bucket for each artifact
//     - last_record: <string>          : xid of the newest record
//     - last_submission: <string>      : newest submission id
type Journal struct {
	db *bolt.DB
}

var (
	ErrNotFound = errors.New("not found")

	bucketKeyRecords           = []byte("records")
	bucketKeyArtifacts         = []byte("artifacts")
	bucketKeyArtifact          = []byte("artifact")
	bucketKeyDigest            = []byte("digest")
	bucketKeySize              = []byte("size")
	bucketKeyBytesTransferred  = []byte("bytes_transferred")
	bucketKeyBytesDeduplicated = []byte("bytes_deduplicated")
	bucketKeySubmissionID      = []byte("submission_id")
	bucketKeyErrorKind         = []byte("error_kind")
	bucketKeyError             = []byte("error")
	bucketKeyCreatedAt         = []byte("created_at")
	bucketKeyManifest          = []byte("manifest")
	bucketKeyLastRecord        = []byte("last_record")
	bucketKeyLastSubmission    = []byte("last_submission")
)

// Record is the outcome of one artifact sync.
type Record struct {
	ID                xid.ID
	Artifact          string
	Digest            digest.Digest
	Size              int64
	BytesTransferred  int64
	BytesDeduplicated int64
	SubmissionID      string
	ErrorKind         errdefs.Kind
	Error             string
	CreatedAt         time.Time
	Manifest          *manifest.Manifest
}

// Succeeded reports whether the sync finished without error.
func (r *Record) Succeeded() bool {
	return r.ErrorKind == errdefs.KindNone
}

// Open opens or creates the journal at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketKeyRecords); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketKeyArtifacts)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append stores r, assigning its ID and CreatedAt when they are unset.
func (j *Journal) Append(ctx context.Context, r *Record) error {
	if r == nil {
		return fmt.Errorf("no record to write")
	}
	if r.Artifact == "" {
		return fmt.Errorf("record has no artifact")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.ID.IsNil() {
		r.ID = xid.NewWithTime(r.CreatedAt)
	}
	var encoded []byte
	if r.Manifest != nil {
		var err error
		if encoded, err = manifest.Marshal(r.Manifest); err != nil {
			return fmt.Errorf("encoding manifest of %s: %w", r.Artifact, err)
		}
	}

	err := j.db.Update(func(tx *bolt.Tx) error {
		return writeRecord(tx, r, encoded)
	})
	if err != nil {
		return err
	}
	log.G(ctx).WithField("artifact", r.Artifact).WithField("record", r.ID.String()).Debug("recorded sync in journal")
	return nil
}

func writeRecord(tx *bolt.Tx, r *Record, encodedManifest []byte) error {
	id := []byte(r.ID.String())
	b, err := tx.Bucket(bucketKeyRecords).CreateBucket(id)
	if err != nil {
		return fmt.Errorf("record %s: %w", id, err)
	}
	for _, kv := range []struct {
		key []byte
		val string
	}{
		{bucketKeyArtifact, r.Artifact},
		{bucketKeyDigest, r.Digest.String()},
		{bucketKeySubmissionID, r.SubmissionID},
		{bucketKeyErrorKind, string(r.ErrorKind)},
		{bucketKeyError, r.Error},
	} {
		if err := dbutil.PutString(b, kv.key, kv.val); err != nil {
			return err
		}
	}
	for _, kv := range []struct {
		key []byte
		val int64
	}{
		{bucketKeySize, r.Size},
		{bucketKeyBytesTransferred, r.BytesTransferred},
		{bucketKeyBytesDeduplicated, r.BytesDeduplicated},
	} {
		if err := dbutil.PutInt(b, kv.key, kv.val); err != nil {
			return err
		}
	}
	if err := dbutil.PutTime(b, bucketKeyCreatedAt, r.CreatedAt); err != nil {
		return err
	}
	if encodedManifest != nil {
		if err := b.Put(bucketKeyManifest, encodedManifest); err != nil {
			return err
		}
	}

	ab, err := tx.Bucket(bucketKeyArtifacts).CreateBucketIfNotExists([]byte(r.Artifact))
	if err != nil {
		return err
	}
	if err := ab.Put(bucketKeyLastRecord, id); err != nil {
		return err
	}
	return dbutil.PutString(ab, bucketKeyLastSubmission, r.SubmissionID)
}

func readRecord(id []byte, b *bolt.Bucket) (*Record, error) {
	xidID, err := xid.FromString(string(id))
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}
	r := &Record{
		ID:           xidID,
		Artifact:     dbutil.GetString(b, bucketKeyArtifact),
		Digest:       digest.Digest(dbutil.GetString(b, bucketKeyDigest)),
		SubmissionID: dbutil.GetString(b, bucketKeySubmissionID),
		ErrorKind:    errdefs.Kind(dbutil.GetString(b, bucketKeyErrorKind)),
		Error:        dbutil.GetString(b, bucketKeyError),
	}
	if r.Size, err = dbutil.GetInt(b, bucketKeySize); err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}
	if r.BytesTransferred, err = dbutil.GetInt(b, bucketKeyBytesTransferred); err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}
	if r.BytesDeduplicated, err = dbutil.GetInt(b, bucketKeyBytesDeduplicated); err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}
	if r.CreatedAt, err = dbutil.GetTime(b, bucketKeyCreatedAt); err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}
	if v := b.Get(bucketKeyManifest); v != nil {
		if r.Manifest, err = manifest.Unmarshal(v); err != nil {
			return nil, fmt.Errorf("record %s: %w", id, err)
		}
	}
	return r, nil
}

// Get returns the record with the given id.
func (j *Journal) Get(id xid.ID) (*Record, error) {
	var r *Record
	err := j.db.View(func(tx *bolt.Tx) error {
		key := []byte(id.String())
		b := tx.Bucket(bucketKeyRecords).Bucket(key)
		if b == nil {
			return fmt.Errorf("record %s: %w", id, ErrNotFound)
		}
		var err error
		r, err = readRecord(key, b)
		return err
	})
	return r, err
}

// WalkFn is called for each record. Returning an error stops the walk.
type WalkFn func(*Record) error

// Walk visits every record, oldest first.
func (j *Journal) Walk(ctx context.Context, fn WalkFn) error {
	return j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeyRecords).ForEachBucket(func(k []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := readRecord(k, tx.Bucket(bucketKeyRecords).Bucket(k))
			if err != nil {
				return err
			}
			return fn(r)
		})
	})
}

// History returns the records of artifact, newest first. A limit of zero or
// less returns all of them.
func (j *Journal) History(ctx context.Context, artifact string, limit int) ([]*Record, error) {
	var out []*Record
	err := j.db.View(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketKeyRecords)
		c := records.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if v != nil {
				continue
			}
			b := records.Bucket(k)
			if dbutil.GetString(b, bucketKeyArtifact) != artifact {
				continue
			}
			r, err := readRecord(k, b)
			if err != nil {
				return err
			}
			out = append(out, r)
			if limit > 0 && len(out) == limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// LastSubmission returns the newest submission id recorded for artifact.
func (j *Journal) LastSubmission(artifact string) (string, error) {
	var id string
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKeyArtifacts).Bucket([]byte(artifact))
		if b == nil {
			return fmt.Errorf("artifact %s: %w", artifact, ErrNotFound)
		}
		id = dbutil.GetString(b, bucketKeyLastSubmission)
		if id == "" {
			return fmt.Errorf("submission of %s: %w", artifact, ErrNotFound)
		}
		return nil
	})
	return id, err
}

// Artifacts returns the ids of every artifact with at least one record.
func (j *Journal) Artifacts() ([]string, error) {
	var out []string
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeyArtifacts).ForEachBucket(func(k []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}
