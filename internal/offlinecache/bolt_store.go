package offlinecache

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	boltRecordBucket = "records"
	boltMetaBucket   = "meta"
	boltUsedBytesKey = "usedBytes"
)

// Index keys are value + NUL + record ID, so one index bucket holds every
// record for every value and a prefix cursor scan finds exact matches.
var boltIndexSeparator = []byte{0}

type boltRecordStore struct {
	db          *bbolt.DB
	budgetBytes int
}

// OpenBoltRecordStore opens (creating if absent) a bbolt-backed record store
// at path. A positive budgetBytes bounds the total marshalled size of stored
// records; zero means unbounded.
func OpenBoltRecordStore(path string, budgetBytes int) (RecordStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrInvalidInput
	}
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open record store db: %w", err)
	}
	store := &boltRecordStore{db: db, budgetBytes: budgetBytes}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *boltRecordStore) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		names := []string{boltRecordBucket, boltMetaBucket}
		for _, index := range recordIndexNames() {
			names = append(names, boltIndexBucketName(index))
		}
		for _, name := range names {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *boltRecordStore) Put(ctx context.Context, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(record.ID) == "" {
		return ErrInvalidInput
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket([]byte(boltRecordBucket))
		if records == nil {
			return fmt.Errorf("%w: record bucket missing", ErrNamespaceCorrupt)
		}
		priorSize := 0
		if prior := records.Get([]byte(record.ID)); prior != nil {
			priorSize = len(prior)
			var priorRecord Record
			if err := json.Unmarshal(prior, &priorRecord); err == nil {
				if err := dropBoltIndexes(tx, priorRecord); err != nil {
					return err
				}
			}
		}
		used := readBoltUsedBytes(tx)
		nextUsed := used - priorSize + len(payload)
		if s.budgetBytes > 0 && nextUsed > s.budgetBytes {
			return &QuotaError{Backend: "bolt", Err: ErrQuotaExceeded}
		}
		if err := records.Put([]byte(record.ID), payload); err != nil {
			return err
		}
		if err := addBoltIndexes(tx, record); err != nil {
			return err
		}
		return writeBoltUsedBytes(tx, nextUsed)
	})
}

func (s *boltRecordStore) Get(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	var record Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		records := tx.Bucket([]byte(boltRecordBucket))
		if records == nil {
			return fmt.Errorf("%w: record bucket missing", ErrNamespaceCorrupt)
		}
		payload := records.Get([]byte(id))
		if payload == nil {
			return ErrNotFound
		}
		return json.Unmarshal(payload, &record)
	})
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

func (s *boltRecordStore) GetAll(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var results []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		records := tx.Bucket([]byte(boltRecordBucket))
		if records == nil {
			return fmt.Errorf("%w: record bucket missing", ErrNamespaceCorrupt)
		}
		return records.ForEach(func(_, payload []byte) error {
			var record Record
			if err := json.Unmarshal(payload, &record); err != nil {
				return err
			}
			results = append(results, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *boltRecordStore) QueryByIndex(ctx context.Context, indexName, value string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, ok := indexedValue(Record{}, indexName); !ok {
		return nil, ErrInvalidInput
	}
	var results []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		index := tx.Bucket([]byte(boltIndexBucketName(indexName)))
		records := tx.Bucket([]byte(boltRecordBucket))
		if index == nil || records == nil {
			return fmt.Errorf("%w: index bucket missing", ErrNamespaceCorrupt)
		}
		prefix := append([]byte(value), boltIndexSeparator...)
		cursor := index.Cursor()
		for key, _ := cursor.Seek(prefix); key != nil && bytes.HasPrefix(key, prefix); key, _ = cursor.Next() {
			id := key[len(prefix):]
			payload := records.Get(id)
			if payload == nil {
				continue
			}
			var record Record
			if err := json.Unmarshal(payload, &record); err != nil {
				return err
			}
			results = append(results, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *boltRecordStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket([]byte(boltRecordBucket))
		if records == nil {
			return fmt.Errorf("%w: record bucket missing", ErrNamespaceCorrupt)
		}
		payload := records.Get([]byte(id))
		if payload == nil {
			return nil
		}
		var record Record
		if err := json.Unmarshal(payload, &record); err == nil {
			if err := dropBoltIndexes(tx, record); err != nil {
				return err
			}
		}
		if err := records.Delete([]byte(id)); err != nil {
			return err
		}
		used := readBoltUsedBytes(tx) - len(payload)
		if used < 0 {
			used = 0
		}
		return writeBoltUsedBytes(tx, used)
	})
}

func (s *boltRecordStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func boltIndexBucketName(indexName string) string {
	return "idx-" + indexName
}

func boltIndexKey(record Record, indexName string) []byte {
	value, _ := indexedValue(record, indexName)
	key := append([]byte(value), boltIndexSeparator...)
	return append(key, []byte(record.ID)...)
}

func addBoltIndexes(tx *bbolt.Tx, record Record) error {
	for _, name := range recordIndexNames() {
		index := tx.Bucket([]byte(boltIndexBucketName(name)))
		if index == nil {
			return fmt.Errorf("%w: index bucket %s missing", ErrNamespaceCorrupt, name)
		}
		if err := index.Put(boltIndexKey(record, name), nil); err != nil {
			return err
		}
	}
	return nil
}

func dropBoltIndexes(tx *bbolt.Tx, record Record) error {
	for _, name := range recordIndexNames() {
		index := tx.Bucket([]byte(boltIndexBucketName(name)))
		if index == nil {
			continue
		}
		if err := index.Delete(boltIndexKey(record, name)); err != nil {
			return err
		}
	}
	return nil
}

func readBoltUsedBytes(tx *bbolt.Tx) int {
	meta := tx.Bucket([]byte(boltMetaBucket))
	if meta == nil {
		return 0
	}
	raw := meta.Get([]byte(boltUsedBytesKey))
	if len(raw) != 8 {
		return 0
	}
	return int(binary.BigEndian.Uint64(raw))
}

func writeBoltUsedBytes(tx *bbolt.Tx, used int) error {
	meta := tx.Bucket([]byte(boltMetaBucket))
	if meta == nil {
		return fmt.Errorf("%w: meta bucket missing", ErrNamespaceCorrupt)
	}
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], uint64(used))
	return meta.Put([]byte(boltUsedBytesKey), raw[:])
}
