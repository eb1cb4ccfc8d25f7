package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/n0mad/realize/internal/types"
)

var (
	bucketIndex = []byte("index")
	bucketJobs  = []byte("jobs")
	bucketMeta  = []byte("meta")
)

// indexEntry is the persisted record backing the Indexed Reader's
// consistency check (spec §4.1): a path is trusted only while the
// on-disk size and mtime still match what was indexed.
type indexEntry struct {
	Size    uint64    `json:"size"`
	ModTime time.Time `json:"mtime"`
	Hash    types.Hash `json:"hash"`
}

// jobRecord is the persisted form of a pending Job.
type jobRecord struct {
	Arena        types.Arena `json:"arena"`
	Path         string      `json:"path"`
	Kind         JobKind     `json:"kind"`
	ExpectedHash types.Hash  `json:"expected_hash"`
	IndexHash    types.Hash  `json:"index_hash"`
}

// BoltStore is a reference Store implementation. It keeps one bbolt
// database per arena root (the index and the job queue), and stages
// blob content as content-addressed files under root/.realize-blobs,
// using the same atomic rename-on-close swap cache.go uses for its
// hash cache: blobs are written to a ".tmp-<uuid>" name and renamed
// into place only once fully written, so a crash never leaves a
// partially-written blob visible under its final name.
type BoltStore struct {
	arena   types.Arena
	root    string
	blobDir string
	db      *bolt.DB
	log     *logrus.Entry

	mu      sync.Mutex
	jobCh   chan JobStreamEntry
	closed  bool
}

// Open opens (creating if necessary) the BoltStore for one arena
// rooted at root. The bbolt database lives at root/.realize.db.
func Open(arena types.Arena, root string) (*BoltStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create arena root: %w", err)
	}
	blobDir := filepath.Join(root, ".realize-blobs")
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create blob dir: %w", err)
	}

	dbPath := filepath.Join(root, ".realize.db")
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open database (locked by another instance?): %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketIndex, bucketJobs, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &BoltStore{
		arena:   arena,
		root:    root,
		blobDir: blobDir,
		db:      db,
		log:     logrus.WithFields(logrus.Fields{"arena": string(arena)}),
		jobCh:   make(chan JobStreamEntry, 128),
	}
	if err := s.replayPendingJobs(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.jobCh)
	}
	s.mu.Unlock()
	return s.db.Close()
}

// replayPendingJobs re-enqueues jobs that were already persisted from a
// prior run, so a restarted scheduler picks up unfinished work.
func (s *BoltStore) replayPendingJobs() error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			id := JobId(binary.BigEndian.Uint64(k))
			var rec jobRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			select {
			case s.jobCh <- JobStreamEntry{Arena: rec.Arena, Id: id, Job: recordToJob(rec)}:
			default:
				s.log.Warnf("job stream buffer full replaying job %d, dropping from initial replay", id)
			}
			return nil
		})
	})
}

func recordToJob(rec jobRecord) Job {
	return Job{
		Kind:         rec.Kind,
		Path:         types.MustParsePath(rec.Path),
		ExpectedHash: rec.ExpectedHash,
		IndexHash:    rec.IndexHash,
	}
}

// EnqueueJob persists a new job and makes it available on JobStream.
// Not part of the Store interface: this is how a reconciliation
// process (or a test) introduces work, mirroring Storage's internal
// "reconciliation logic observes a discrepancy" role from spec §3.
func (s *BoltStore) EnqueueJob(ctx context.Context, job Job) (JobId, error) {
	var id JobId
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = JobId(seq)
		rec := jobRecord{
			Arena:        s.arena,
			Path:         job.Path.String(),
			Kind:         job.Kind,
			ExpectedHash: job.ExpectedHash,
			IndexHash:    job.IndexHash,
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(jobKey(id), data)
	})
	if err != nil {
		return 0, err
	}

	entry := JobStreamEntry{Arena: s.arena, Id: id, Job: job}
	select {
	case s.jobCh <- entry:
	case <-ctx.Done():
		return id, ctx.Err()
	}
	return id, nil
}

func jobKey(id JobId) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

// JobStream implements Store.
func (s *BoltStore) JobStream(_ context.Context) (<-chan JobStreamEntry, error) {
	return s.jobCh, nil
}

// JobFinished implements Store. On success (err == nil) the job record
// is retired (deleted). On failure the record is retained for reissue,
// per spec §7's retry policy — this reference implementation doesn't
// automatically resubmit it to the stream, leaving that to whatever
// reconciliation loop owns retries.
func (s *BoltStore) JobFinished(_ context.Context, arena types.Arena, id JobId, result JobStatus, err error) error {
	if err != nil {
		s.log.WithFields(logrus.Fields{"job_id": uint64(id)}).WithError(err).Warn("job failed, retaining for reissue")
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete(jobKey(id))
	})
}

// JobForPath implements Store.
func (s *BoltStore) JobForPath(_ context.Context, arena types.Arena, path types.Path) (JobId, Job, bool, error) {
	var (
		found bool
		id    JobId
		job   Job
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			if found {
				return nil
			}
			var rec jobRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Path == path.String() {
				found = true
				id = JobId(binary.BigEndian.Uint64(k))
				job = recordToJob(rec)
			}
			return nil
		})
	})
	return id, job, found, err
}

// SetArenaMark implements Store.
func (s *BoltStore) SetArenaMark(_ context.Context, arena types.Arena, mark Mark) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		buf := make([]byte, 1)
		buf[0] = byte(mark)
		return b.Put([]byte("mark:"+string(arena)), buf)
	})
}

// IndexLookup returns the indexed metadata for path, or ok=false if the
// path has no index entry (used by internal/reader's Metadata, which
// additionally re-checks against live os.Stat before trusting Hash).
func (s *BoltStore) IndexLookup(path types.Path) (size uint64, modTime time.Time, hash types.Hash, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIndex).Get([]byte(path.String()))
		if data == nil {
			return nil
		}
		var e indexEntry
		if jsonErr := json.Unmarshal(data, &e); jsonErr != nil {
			return jsonErr
		}
		size, modTime, hash, ok = e.Size, e.ModTime, e.Hash, true
		return nil
	})
	return
}

// IndexPut registers or updates path's index entry, matching the live
// on-disk file it's indexing against.
func (s *BoltStore) IndexPut(path types.Path, size uint64, modTime time.Time, hash types.Hash) error {
	data, err := json.Marshal(indexEntry{Size: size, ModTime: modTime, Hash: hash})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIndex).Put([]byte(path.String()), data)
	})
}

// IndexDelete removes path's index entry (used by Unrealize).
func (s *BoltStore) IndexDelete(path types.Path) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIndex).Delete([]byte(path.String()))
	})
}

// Root returns the filesystem root holding indexed files.
func (s *BoltStore) Root() string { return s.root }

// Arena returns the arena this store serves.
func (s *BoltStore) Arena() types.Arena { return s.arena }

// StagePath returns the content-addressed path a fully-written blob for
// hash would live at.
func (s *BoltStore) StagePath(hash types.Hash) string {
	return filepath.Join(s.blobDir, hash.String())
}

// WorkPath returns the stable path of path's in-flight destination
// staging file: content being assembled by Send/Truncate before it has
// a known final hash (and so can't yet live at its content-addressed
// StagePath). Keyed by a hash of the path so arbitrary nested paths
// map to a single flat filename safely.
func (s *BoltStore) WorkPath(path types.Path) string {
	sum := types.HashBytes([]byte(path.String()))
	return filepath.Join(s.blobDir, ".work-"+sum.String()[:32])
}

// OpenWorkFile opens (creating if necessary) path's staging file for
// random-access read/write.
func (s *BoltStore) OpenWorkFile(path types.Path) (*os.File, error) {
	return os.OpenFile(s.WorkPath(path), os.O_CREATE|os.O_RDWR, 0o644)
}

// PromoteWorkFile finalizes path's staging file into the indexed
// store: renames it into place under root, records the index entry,
// and removes the staging file from the blob directory's bookkeeping.
func (s *BoltStore) PromoteWorkFile(path types.Path, hash types.Hash) error {
	finalPath := path.Within(s.root)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return err
	}
	if err := os.Rename(s.WorkPath(path), finalPath); err != nil {
		return err
	}
	info, err := os.Stat(finalPath)
	if err != nil {
		return err
	}
	return s.IndexPut(path, uint64(info.Size()), info.ModTime(), hash)
}

// PromoteStagedBlob finalizes a content-addressed blob staged at
// StagePath(hash) into the indexed store: renames it into place under
// root and records the index entry. Used by Realize, which promotes
// blobs staged by either Download (via peer.Staging) or Unrealize.
func (s *BoltStore) PromoteStagedBlob(path types.Path, hash types.Hash) error {
	finalPath := path.Within(s.root)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return err
	}
	if err := os.Rename(s.StagePath(hash), finalPath); err != nil {
		return err
	}
	info, err := os.Stat(finalPath)
	if err != nil {
		return err
	}
	return s.IndexPut(path, uint64(info.Size()), info.ModTime(), hash)
}

// NewStagingFile creates a temp file under the blob directory for
// streaming a new blob into, returning the file and a commit function
// that atomically renames it to its final content-addressed name.
func (s *BoltStore) NewStagingFile() (*os.File, func(hash types.Hash) error, error) {
	tmpPath := filepath.Join(s.blobDir, ".tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, err
	}
	commit := func(hash types.Hash) error {
		return os.Rename(tmpPath, s.StagePath(hash))
	}
	return f, commit, nil
}
