package offlinecache

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

const (
	IndexStatus     = "status"
	IndexCreatedAt  = "createdAt"
	IndexOwnerLabel = "ownerLabel"
)

// Record is a domain entity held for offline read access, typically a report
// summary. CreatedAt is an RFC 3339 timestamp so index ordering matches
// chronological ordering.
type Record struct {
	ID         string            `json:"id"`
	Status     string            `json:"status"`
	CreatedAt  string            `json:"createdAt"`
	OwnerLabel string            `json:"ownerLabel"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// RecordStore is the durable, indexed collection of domain records. Secondary
/// indexes are maintained synchronously with the primary write: a reader using
// an index never observes a record the primary lookup would not also return.
//
// Writes that exhaust the storage budget fail with ErrQuotaExceeded and leave
// no partial record visible.
type RecordStore interface {
	Put(ctx context.Context, record Record) error
	Get(ctx context.Context, id string) (Record, error)
	GetAll(ctx context.Context) ([]Record, error)
	QueryByIndex(ctx context.Context, indexName, value string) ([]Record, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

func indexedValue(record Record, indexName string) (string, bool) {
	switch indexName {
	case IndexStatus:
		return record.Status, true
	case IndexCreatedAt:
		return record.CreatedAt, true
	case IndexOwnerLabel:
		return record.OwnerLabel, true
	default:
		return "", false
	}
}

func recordIndexNames() []string {
	return []string{IndexStatus, IndexCreatedAt, IndexOwnerLabel}
}

type memoryRecordStore struct {
	mu          sync.Mutex
	records     map[string]Record
	sizes       map[string]int
	indexes     map[string]map[string]map[string]struct{}
	usedBytes   int
	budgetBytes int
}

// NewMemoryRecordStore returns an in-memory record store. A positive
// budgetBytes bounds the total marshalled size of stored records; zero means
// unbounded.
func NewMemoryRecordStore(budgetBytes int) RecordStore {
	store := &memoryRecordStore{
		records:     map[string]Record{},
		sizes:       map[string]int{},
		indexes:     map[string]map[string]map[string]struct{}{},
		budgetBytes: budgetBytes,
	}
	for _, name := range recordIndexNames() {
		store.indexes[name] = map[string]map[string]struct{}{}
	}
	return store
}

func (s *memoryRecordStore) Put(ctx context.Context, record Record) error {
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
	s.mu.Lock()
	defer s.mu.Unlock()
	nextUsed := s.usedBytes - s.sizes[record.ID] + len(payload)
	if s.budgetBytes > 0 && nextUsed > s.budgetBytes {
		return &QuotaError{Backend: "memory", Err: ErrQuotaExceeded}
	}
	if prior, ok := s.records[record.ID]; ok {
		s.dropFromIndexesLocked(prior)
	}
	s.records[record.ID] = record
	s.sizes[record.ID] = len(payload)
	s.usedBytes = nextUsed
	s.addToIndexesLocked(record)
	return nil
}

func (s *memoryRecordStore) Get(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return record, nil
}

func (s *memoryRecordStore) GetAll(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	results := make([]Record, 0, len(ids))
	for _, id := range ids {
		results = append(results, s.records[id])
	}
	return results, nil
}

func (s *memoryRecordStore) QueryByIndex(ctx context.Context, indexName, value string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	index, ok := s.indexes[indexName]
	if !ok {
		return nil, ErrInvalidInput
	}
	ids := make([]string, 0, len(index[value]))
	for id := range index[value] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	results := make([]Record, 0, len(ids))
	for _, id := range ids {
		results = append(results, s.records[id])
	}
	return results, nil
}

func (s *memoryRecordStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return nil
	}
	s.dropFromIndexesLocked(record)
	s.usedBytes -= s.sizes[id]
	delete(s.sizes, id)
	delete(s.records, id)
	return nil
}

func (s *memoryRecordStore) Close() error {
	return nil
}

func (s *memoryRecordStore) addToIndexesLocked(record Record) {
	for _, name := range recordIndexNames() {
		value, _ := indexedValue(record, name)
		bucket := s.indexes[name][value]
		if bucket == nil {
			bucket = map[string]struct{}{}
			s.indexes[name][value] = bucket
		}
		bucket[record.ID] = struct{}{}
	}
}

func (s *memoryRecordStore) dropFromIndexesLocked(record Record) {
	for _, name := range recordIndexNames() {
		value, _ := indexedValue(record, name)
		bucket := s.indexes[name][value]
		if bucket == nil {
			continue
		}
		delete(bucket, record.ID)
		if len(bucket) == 0 {
			delete(s.indexes[name], value)
		}
	}
}
