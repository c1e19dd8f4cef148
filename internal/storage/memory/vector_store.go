package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/ayudas-pipeline/internal/crawler"
)

// VectorStore keeps vector documents keyed like the Redis store.
type VectorStore struct {
	prefix string

	mu   sync.RWMutex
	docs map[string]crawler.VectorRecord
}

// NewVectorStore builds a VectorStore using prefix for keys.
func NewVectorStore(prefix string) *VectorStore {
	if prefix == "" {
		prefix = "ayuda"
	}
	return &VectorStore{prefix: prefix, docs: make(map[string]crawler.VectorRecord)}
}

// Upsert implements crawler.VectorStore.
func (v *VectorStore) Upsert(_ context.Context, rec crawler.VectorRecord) (string, error) {
	key := fmt.Sprintf("%s:%d", v.prefix, rec.Resource.ID)
	v.put(key, rec)
	return key, nil
}

// WriteHistory implements crawler.VectorStore.
func (v *VectorStore) WriteHistory(_ context.Context, rec crawler.VectorRecord) (string, error) {
	key := fmt.Sprintf("%s:%d:v%d", v.prefix, rec.Resource.ID, rec.Metadata.ContentVersion)
	v.put(key, rec)
	return key, nil
}

// Get returns the document stored under key.
func (v *VectorStore) Get(key string) (crawler.VectorRecord, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	rec, ok := v.docs[key]
	return rec, ok
}

// Len reports how many documents are stored.
func (v *VectorStore) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.docs)
}

func (v *VectorStore) put(key string, rec crawler.VectorRecord) {
	rec.Embedding = append([]float32(nil), rec.Embedding...)
	v.mu.Lock()
	defer v.mu.Unlock()
	v.docs[key] = rec
}
