// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vector wraps the Qdrant gRPC client with the collection layout
// the indexing engine uses.
//
// Collections are created with cosine distance, vectors on disk, and
// binary quantization kept in RAM; HNSW is tuned for the appliance's
// corpus size (m=16, ef_construct=100). Point ids are deterministic
// UUIDs, so upserts are idempotent and re-indexing a document overwrites
// its own points.
package vector

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/qdrant/go-client/qdrant"

	"github.com/AleutianAI/AleutianEdge/pkg/logging"
)

const (
	hnswM           = 16
	hnswEfConstruct = 100
)

// keywordIndexFields get a payload index for equality filtering.
var keywordIndexFields = []string{"space_id", "document_id", "category"}

// Payload is the per-point payload contract. The field set is frozen;
// readers on the dashboard side depend on it bit-exactly.
type Payload struct {
	DocumentID    string `json:"document_id"`
	DocumentName  string `json:"document_name"`
	ChunkIndex    int    `json:"chunk_index"`
	ChildIndex    int    `json:"child_index"`
	ParentChunkID string `json:"parent_chunk_id"`
	ParentIndex   int    `json:"parent_index"`
	TotalChunks   int    `json:"total_chunks"`
	Text          string `json:"text"`
	Title         string `json:"title"`
	Category      string `json:"category"`
	Language      string `json:"language"`
	SpaceID       string `json:"space_id"`
	SpaceName     string `json:"space_name"`
	SpaceSlug     string `json:"space_slug"`
	IndexedAt     string `json:"indexed_at"`
}

// payloadTextLimit bounds the text stored on a point, in runes, so
// umlauts near the cut never end up split mid-sequence.
const payloadTextLimit = 500

// toMap renders the payload for the qdrant client, truncating text.
func (p Payload) toMap() map[string]any {
	text := p.Text
	if runes := []rune(text); len(runes) > payloadTextLimit {
		text = string(runes[:payloadTextLimit])
	}
	return map[string]any{
		"document_id":     p.DocumentID,
		"document_name":   p.DocumentName,
		"chunk_index":     int64(p.ChunkIndex),
		"child_index":     int64(p.ChildIndex),
		"parent_chunk_id": p.ParentChunkID,
		"parent_index":    int64(p.ParentIndex),
		"total_chunks":    int64(p.TotalChunks),
		"text":            text,
		"title":           p.Title,
		"category":        p.Category,
		"language":        p.Language,
		"space_id":        p.SpaceID,
		"space_name":      p.SpaceName,
		"space_slug":      p.SpaceSlug,
		"indexed_at":      p.IndexedAt,
	}
}

// Point is one vector plus payload, keyed by a deterministic UUID.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Hit is a scored search result.
type Hit struct {
	ID         string
	Score      float32
	DocumentID string
	Text       string
	Title      string
}

// Store is the Qdrant-backed vector store handle.
type Store struct {
	client *qdrant.Client
	logger *logging.Logger
}

// New dials the Qdrant gRPC endpoint ("host:port").
func New(addr string, logger *logging.Logger) (*Store, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant port %q: %w", portStr, err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &Store{client: client, logger: logger}, nil
}

// Close releases the gRPC connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// EnsureCollection creates the collection with the standard layout if it
// does not exist, then ensures the keyword payload indexes.
func (s *Store) EnsureCollection(ctx context.Context, name string, vectorSize uint64) error {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection %q: %w", name, err)
	}
	if !exists {
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     vectorSize,
				Distance: qdrant.Distance_Cosine,
				OnDisk:   qdrant.PtrOf(true),
			}),
			HnswConfig: &qdrant.HnswConfigDiff{
				M:           qdrant.PtrOf(uint64(hnswM)),
				EfConstruct: qdrant.PtrOf(uint64(hnswEfConstruct)),
			},
			QuantizationConfig: qdrant.NewQuantizationBinary(&qdrant.BinaryQuantization{
				AlwaysRam: qdrant.PtrOf(true),
			}),
		})
		if err != nil {
			return fmt.Errorf("create collection %q: %w", name, err)
		}
		s.logger.Info("created vector collection", "collection", name, "dim", vectorSize)
	}
	return s.ensurePayloadIndexes(ctx, name)
}

func (s *Store) ensurePayloadIndexes(ctx context.Context, name string) error {
	for _, field := range keywordIndexFields {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: name,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("create payload index %q on %q: %w", field, name, err)
		}
	}
	return nil
}

// Upsert writes points with wait=true so callers observe durability.
func (s *Store) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	qp := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		qp[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(p.Payload.toMap()),
		}
	}
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         qp,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("upsert %d points into %q: %w", len(points), collection, err)
	}
	return nil
}

// Search runs a cosine similarity query. A non-empty excludeDocument
// filters that document's own points out server-side.
func (s *Store) Search(ctx context.Context, collection string, vec []float32, limit uint64, scoreThreshold float32, excludeDocument string) ([]Hit, error) {
	query := &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(limit),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if scoreThreshold > 0 {
		query.ScoreThreshold = qdrant.PtrOf(scoreThreshold)
	}
	if excludeDocument != "" {
		query.Filter = &qdrant.Filter{
			MustNot: []*qdrant.Condition{
				qdrant.NewMatch("document_id", excludeDocument),
			},
		}
	}

	points, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", collection, err)
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		hit := Hit{Score: p.GetScore()}
		if id := p.GetId(); id != nil {
			hit.ID = id.GetUuid()
		}
		payload := p.GetPayload()
		if v, ok := payload["document_id"]; ok {
			hit.DocumentID = v.GetStringValue()
		}
		if v, ok := payload["text"]; ok {
			hit.Text = v.GetStringValue()
		}
		if v, ok := payload["title"]; ok {
			hit.Title = v.GetStringValue()
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// GetVector fetches the stored vector of a single point, used to pick a
// representative child for similarity linking.
func (s *Store) GetVector(ctx context.Context, collection, id string) ([]float32, error) {
	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: collection,
		Ids:            []*qdrant.PointId{qdrant.NewIDUUID(id)},
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get point %s: %w", id, err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("point %s not found in %q", id, collection)
	}
	vectors := points[0].GetVectors()
	if vectors == nil || vectors.GetVector() == nil {
		return nil, fmt.Errorf("point %s has no vector", id)
	}
	return vectors.GetVector().GetData(), nil
}

// DeleteByDocument removes every point whose payload references the
// document, the fan-out side of a document deletion.
func (s *Store) DeleteByDocument(ctx context.Context, collection, documentID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("document_id", documentID),
			},
		}),
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("delete points of document %s: %w", documentID, err)
	}
	return nil
}

// Count returns the exact point count of a collection.
func (s *Store) Count(ctx context.Context, collection string) (uint64, error) {
	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("count %q: %w", collection, err)
	}
	return count, nil
}

// CollectionExists reports whether a physical collection exists.
func (s *Store) CollectionExists(ctx context.Context, name string) (bool, error) {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("check collection %q: %w", name, err)
	}
	return exists, nil
}

// DeleteCollection drops a physical collection.
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	if err := s.client.DeleteCollection(ctx, name); err != nil {
		return fmt.Errorf("delete collection %q: %w", name, err)
	}
	return nil
}

// CreateAlias points the canonical name at a physical collection.
func (s *Store) CreateAlias(ctx context.Context, alias, collection string) error {
	if err := s.client.CreateAlias(ctx, alias, collection); err != nil {
		return fmt.Errorf("alias %q -> %q: %w", alias, collection, err)
	}
	return nil
}

// Healthy reports whether the vector store answers a liveness probe.
func (s *Store) Healthy(ctx context.Context) bool {
	_, err := s.client.HealthCheck(ctx)
	return err == nil
}
