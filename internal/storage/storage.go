// Package storage records EMG sessions to a local BoltDB file: the raw
// samples as they arrive and every classification made from them.
//
// Records are JSON encoded and keyed "<session>_<unixnano>_<seq>" so a cursor
// Seek gives efficient time-range scans per session.
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const (
	sessionsBucket = "sessions" // Session metadata keyed by session ID
	samplesBucket  = "samples"  // Raw sample vectors
	resultsBucket  = "results"  // Classification results

	DBFile = "emg-sessions.db"
)

var ErrSessionNotFound = errors.New("session not found")

// Store provides persistent storage for recorded sessions using BoltDB.
type Store struct {
	db *bbolt.DB // BoltDB database instance
}

// New opens (or creates) the session database under dataPath.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, DBFile)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{sessionsBucket, samplesBucket, resultsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database. Safe to call more than once.
func (s *Store) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// SessionRecord describes one recording.
type SessionRecord struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitempty"`
	WindowSize int       `json:"window_size"`
	NChannels  int       `json:"n_channels"`
	ModelPath  string    `json:"model_path,omitempty"`
	Labels     []string  `json:"labels,omitempty"`
	Samples    int       `json:"samples"`
	Results    int       `json:"results"`
}

// SampleRecord is one sample vector as received.
type SampleRecord struct {
	Session   string    `json:"session"`
	Timestamp time.Time `json:"timestamp"`
	Values    []float32 `json:"values"`
}

// ResultRecord is one published classification.
type ResultRecord struct {
	Session       string    `json:"session"`
	Timestamp     time.Time `json:"timestamp"`
	Seq           uint64    `json:"seq"`
	Index         int       `json:"index"`
	Label         string    `json:"label"`
	Probabilities []float32 `json:"probabilities"`
}

// StartSession stores the session metadata. An existing session with the
// same ID is overwritten.
func (s *Store) StartSession(rec SessionRecord) error {
	if rec.ID == "" {
		return errors.New("session id is required")
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	return s.putSession(rec)
}

// EndSession stamps the end time and final counts on a session.
func (s *Store) EndSession(id string, endedAt time.Time, samples, results int) error {
	rec, err := s.GetSession(id)
	if err != nil {
		return err
	}
	rec.EndedAt = endedAt
	rec.Samples += samples
	rec.Results += results
	return s.putSession(*rec)
}

func (s *Store) putSession(rec SessionRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		return tx.Bucket([]byte(sessionsBucket)).Put([]byte(rec.ID), data)
	})
}

// GetSession returns ErrSessionNotFound for unknown IDs.
func (s *Store) GetSession(id string) (*SessionRecord, error) {
	var rec SessionRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(sessionsBucket)).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Sessions lists all sessions ordered by ID.
func (s *Store) Sessions() ([]SessionRecord, error) {
	var out []SessionRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionsBucket)).ForEach(func(k, v []byte) error {
			var rec SessionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil // Skip malformed records
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// StoreSamples writes a batch of samples in one transaction.
func (s *Store) StoreSamples(records []SampleRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(samplesBucket))
		for _, r := range records {
			if err := putRecord(b, r.Session, r.Timestamp, r); err != nil {
				return fmt.Errorf("store sample: %w", err)
			}
		}
		return nil
	})
}

// StoreResults writes a batch of results in one transaction.
func (s *Store) StoreResults(records []ResultRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(resultsBucket))
		for _, r := range records {
			if err := putRecord(b, r.Session, r.Timestamp, r); err != nil {
				return fmt.Errorf("store result: %w", err)
			}
		}
		return nil
	})
}

// StoreSample stores a single sample.
func (s *Store) StoreSample(r SampleRecord) error {
	return s.StoreSamples([]SampleRecord{r})
}

// StoreResult stores a single result.
func (s *Store) StoreResult(r ResultRecord) error {
	return s.StoreResults([]ResultRecord{r})
}

// putRecord appends the bucket sequence to the key so records sharing a
// timestamp keep their arrival order.
func putRecord(b *bbolt.Bucket, session string, ts time.Time, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	return b.Put(recordKey(session, ts, seq), data)
}

func recordKey(session string, ts time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s_%020d_%020d", session, ts.UnixNano(), seq))
}

// rangeKeys bounds [start, end] inclusive for one session.
func rangeKeys(session string, start, end time.Time) (from, to []byte) {
	from = []byte(fmt.Sprintf("%s_%020d_", session, start.UnixNano()))
	to = []byte(fmt.Sprintf("%s_%020d_~", session, end.UnixNano()))
	return from, to
}

// scanRange calls fn for every record of session within [start, end], in
// key order. Malformed records are skipped.
func (s *Store) scanRange(bucketName, session string, start, end time.Time, fn func([]byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketName)).Cursor()
		prefix := []byte(session + "_")
		from, to := rangeKeys(session, start, end)

		for k, v := c.Seek(from); k != nil && bytes.Compare(k, to) <= 0; k, v = c.Next() {
			if !bytes.HasPrefix(k, prefix) {
				continue
			}
			if err := fn(v); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSamples returns samples of a session within [start, end], oldest first.
func (s *Store) GetSamples(session string, start, end time.Time) ([]SampleRecord, error) {
	var out []SampleRecord
	err := s.scanRange(samplesBucket, session, start, end, func(v []byte) error {
		var r SampleRecord
		if json.Unmarshal(v, &r) == nil {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// GetResults returns results of a session within [start, end], oldest first.
func (s *Store) GetResults(session string, start, end time.Time) ([]ResultRecord, error) {
	var out []ResultRecord
	err := s.scanRange(resultsBucket, session, start, end, func(v []byte) error {
		var r ResultRecord
		if json.Unmarshal(v, &r) == nil {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// ForEachSample streams every sample of a session in arrival order. A
// non-nil error from fn stops the scan and is returned.
func (s *Store) ForEachSample(session string, fn func(SampleRecord) error) error {
	return s.scanRange(samplesBucket, session, time.Unix(0, 0), time.Unix(0, 1<<62), func(v []byte) error {
		var r SampleRecord
		if json.Unmarshal(v, &r) != nil {
			return nil
		}
		return fn(r)
	})
}
