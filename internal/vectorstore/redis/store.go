// Package redisstore writes embedded resources to Redis hashes that a vector
// index (RediSearch FT.CREATE ... ON HASH) can serve.
package redisstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/ayudas-pipeline/internal/crawler"
)

// EmbeddingField is the hash field holding the FLOAT32 vector blob.
const EmbeddingField = "embedding"

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("vector document not found")

// Store writes one hash per resource under "<prefix>:<id>" and optional
// history copies under "<prefix>:<id>:v<content_version>".
type Store struct {
	client redis.UniversalClient
	prefix string
}

// New builds a Store. An empty prefix defaults to "ayuda".
func New(client redis.UniversalClient, prefix string) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = "ayuda"
	}
	return &Store{client: client, prefix: prefix}, nil
}

// Key returns the current-document key for a resource.
func (s *Store) Key(id int64) string {
	return s.prefix + ":" + strconv.FormatInt(id, 10)
}

// HistoryKey returns the versioned key for a resource.
func (s *Store) HistoryKey(id int64, version int) string {
	return fmt.Sprintf("%s:%d:v%d", s.prefix, id, version)
}

// Upsert replaces the current document for the resource.
func (s *Store) Upsert(ctx context.Context, rec crawler.VectorRecord) (string, error) {
	key := s.Key(rec.Resource.ID)
	return key, s.replace(ctx, key, rec)
}

// WriteHistory writes the document under its content-version key.
func (s *Store) WriteHistory(ctx context.Context, rec crawler.VectorRecord) (string, error) {
	key := s.HistoryKey(rec.Resource.ID, rec.Metadata.ContentVersion)
	return key, s.replace(ctx, key, rec)
}

// replace deletes and rewrites the hash in one MULTI/EXEC so that fields
// dropped since the previous version never survive.
func (s *Store) replace(ctx context.Context, key string, rec crawler.VectorRecord) error {
	if len(rec.Embedding) == 0 {
		return fmt.Errorf("write %s: empty embedding", key)
	}
	fields, err := encode(rec)
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key, fields)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Document is a decoded vector-store hash.
type Document struct {
	Fields    map[string]string
	Metadata  crawler.VectorMetadata
	Embedding []float32
}

// Get loads and decodes the hash stored under key.
func (s *Store) Get(ctx context.Context, key string) (Document, error) {
	raw, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Document{}, fmt.Errorf("read %s: %w", key, err)
	}
	if len(raw) == 0 {
		return Document{}, fmt.Errorf("read %s: %w", key, ErrNotFound)
	}
	doc := Document{Fields: make(map[string]string, len(raw))}
	for k, v := range raw {
		switch k {
		case EmbeddingField:
			doc.Embedding, err = DecodeVector([]byte(v))
			if err != nil {
				return Document{}, fmt.Errorf("read %s: %w", key, err)
			}
		case "metadata":
			if err := json.Unmarshal([]byte(v), &doc.Metadata); err != nil {
				return Document{}, fmt.Errorf("read %s: metadata: %w", key, err)
			}
		default:
			doc.Fields[k] = v
		}
	}
	return doc, nil
}

func encode(rec crawler.VectorRecord) (map[string]any, error) {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	r := rec.Resource
	return map[string]any{
		"id":             strconv.FormatInt(r.ID, 10),
		"titulo":         r.Name,
		"url":            r.URL,
		"descripcion":    r.Description,
		"estado_tramite": r.Status,
		"tipo_tramite":   r.ProcedureType,
		"tema_subtema":   r.Topic,
		"dirigido_a":     r.Eligibility,
		"normativa":      r.Regulation,
		"documentacion":  r.Documentation,
		"resultados":     r.Outcomes,
		"otros":          r.Other,
		"servicio":       r.Service,
		"metadata":       string(meta),
		EmbeddingField:   EncodeVector(rec.Embedding),
	}, nil
}

// EncodeVector packs v as little-endian FLOAT32, the layout RediSearch
// expects for HASH vector fields.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
