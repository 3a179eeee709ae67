package overrides

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/google/uuid"

	"github.com/sandoq/loanengine/pkg/models"
)

const bucketName = "overrides"

// BoltStore keeps the audit trail in a single-file BoltDB bucket of
// JSON-encoded records keyed by record ID. Append refuses to overwrite an
// existing key, which is what makes the file append-only in practice.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the audit database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("could not open audit database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create audit bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Append(rec *models.OverrideRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		key := []byte(rec.ID.String())
		if b.Get(key) != nil {
			return fmt.Errorf("override record %s already exists", rec.ID)
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) ListForLoan(loanID uuid.UUID) ([]models.OverrideRecord, error) {
	all, err := s.ListAll()
	if err != nil {
		return nil, err
	}
	records := []models.OverrideRecord{}
	for _, rec := range all {
		if rec.LoanID == loanID {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (s *BoltStore) ListAll() ([]models.OverrideRecord, error) {
	var records []models.OverrideRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.ForEach(func(k, v []byte) error {
			var rec models.OverrideRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	// Empty slice rather than nil so the JSON encoder emits [] instead of null.
	if records == nil {
		records = []models.OverrideRecord{}
	}
	return records, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
