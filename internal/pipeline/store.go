package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"receiptpipe/internal/aggregate"
)

const (
	recordBucketName  = "merged_records"
	contextBucketName = "aggregation_contexts"
)

// RecordStore defines the interface for persisting aggregation output.
type RecordStore interface {
	// SaveRecord saves a merged record keyed by document id
	SaveRecord(record *aggregate.MergedRecord) error

	// GetRecord retrieves a merged record by document id
	GetRecord(documentID string) (*aggregate.MergedRecord, error)

	// ListRecords returns all merged records
	ListRecords() ([]*aggregate.MergedRecord, error)

	// SaveContext saves an aggregation context keyed by document id
	SaveContext(context *aggregate.AggregationContext) error

	// GetContext retrieves an aggregation context by document id
	GetContext(documentID string) (*aggregate.AggregationContext, error)

	// Close closes the store
	Close() error
}

// BoltStore implements the RecordStore interface using BoltDB.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore creates a new BoltStore instance.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(recordBucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(contextBucketName)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// SaveRecord saves a merged record keyed by document id.
func (b *BoltStore) SaveRecord(record *aggregate.MergedRecord) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordBucketName))
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		return bucket.Put([]byte(record.DocumentID), data)
	})
}

// GetRecord retrieves a merged record by document id.
func (b *BoltStore) GetRecord(documentID string) (*aggregate.MergedRecord, error) {
	var record *aggregate.MergedRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordBucketName))
		data := bucket.Get([]byte(documentID))
		if data == nil {
			return fmt.Errorf("record not found: %s", documentID)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ListRecords returns all merged records.
func (b *BoltStore) ListRecords() ([]*aggregate.MergedRecord, error) {
	records := make([]*aggregate.MergedRecord, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var record aggregate.MergedRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("unmarshaling record: %w", err)
			}
			records = append(records, &record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// SaveContext saves an aggregation context keyed by document id.
func (b *BoltStore) SaveContext(context *aggregate.AggregationContext) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(contextBucketName))
		data, err := json.Marshal(context)
		if err != nil {
			return fmt.Errorf("marshaling aggregation context: %w", err)
		}
		return bucket.Put([]byte(context.DocumentID), data)
	})
}

// GetContext retrieves an aggregation context by document id.
func (b *BoltStore) GetContext(documentID string) (*aggregate.AggregationContext, error) {
	var context *aggregate.AggregationContext
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(contextBucketName))
		data := bucket.Get([]byte(documentID))
		if data == nil {
			return fmt.Errorf("aggregation context not found: %s", documentID)
		}
		return json.Unmarshal(data, &context)
	})
	if err != nil {
		return nil, err
	}
	return context, nil
}

// Close closes the database connection.
func (b *BoltStore) Close() error {
	return b.db.Close()
}
