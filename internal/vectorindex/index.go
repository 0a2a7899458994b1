package vectorindex

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"
)

const (
	DefaultNumBuckets       = 16
	DefaultBucketDimensions = 8
)

// Index is a bucketed approximate-nearest-neighbour index over the
// vector_embeddings table. It is shared by every embedded entity in the
// system (template name_embedding, template combined embedding, reasoning
// memory embedding); callers keep the kinds apart with ownerType.
type Index struct {
	db         *sql.DB
	numBuckets int
	bucketDims int
}

func New(db *sql.DB) *Index {
	return &Index{
		db:         db,
		numBuckets: DefaultNumBuckets,
		bucketDims: DefaultBucketDimensions,
	}
}

func (idx *Index) SetBucketDimensions(n int) {
	if n > 0 {
		idx.bucketDims = n
	}
}

// Put upserts the embedding for (ownerType, ownerID).
func (idx *Index) Put(ctx context.Context, ownerType, ownerID string, embedding []float32) error {
	if len(embedding) == 0 {
		return nil
	}

	bucketID := idx.computeBucketID(embedding)
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := idx.db.ExecContext(ctx, `
		INSERT INTO vector_embeddings (owner_type, owner_id, bucket_id, dimension, vector, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_type, owner_id) DO UPDATE SET
			bucket_id = excluded.bucket_id,
			dimension = excluded.dimension,
			vector = excluded.vector,
			updated_at = excluded.updated_at
	`, ownerType, ownerID, bucketID, len(embedding), Float32SliceToBytes(embedding), now)

	return err
}

// Remove deletes the embedding for (ownerType, ownerID), if present.
func (idx *Index) Remove(ctx context.Context, ownerType, ownerID string) error {
	_, err := idx.db.ExecContext(ctx, `
		DELETE FROM vector_embeddings WHERE owner_type = ? AND owner_id = ?
	`, ownerType, ownerID)
	return err
}

// Filter narrows candidates to those a caller's pre-filter accepts (e.g.
// enabled templates only). A nil filter accepts everything.
type Filter func(ownerID string) bool

// SearchSimilar returns up to limit owner ids of the given type whose stored
// embedding has cosine similarity >= threshold against queryEmb, scanning
// only the query's bucket and its single-bit-flip neighbours.
func (idx *Index) SearchSimilar(ctx context.Context, ownerType string, queryEmb []float32, limit int, threshold float64, filter Filter) ([]ScoredItem, error) {
	if len(queryEmb) == 0 {
		return nil, nil
	}

	primary := idx.computeBucketID(queryEmb)
	buckets := append([]int{primary}, idx.adjacentBuckets(primary)...)

	var candidates []ScoredItem
	seen := make(map[string]bool)

	for _, bucketID := range buckets {
		rows, err := idx.db.QueryContext(ctx, `
			SELECT owner_id, vector FROM vector_embeddings
			WHERE owner_type = ? AND bucket_id = ?
		`, ownerType, bucketID)
		if err != nil {
			continue
		}

		for rows.Next() {
			var ownerID string
			var vecBlob []byte
			if err := rows.Scan(&ownerID, &vecBlob); err != nil {
				continue
			}
			if seen[ownerID] {
				continue
			}
			seen[ownerID] = true

			if filter != nil && !filter(ownerID) {
				continue
			}

			emb := BytesToFloat32Slice(vecBlob)
			if emb == nil {
				continue
			}

			sim := CosineSimilarity(queryEmb, emb)
			if sim >= threshold {
				candidates = append(candidates, ScoredItem{OwnerID: ownerID, Score: sim})
			}
		}
		rows.Close()
	}

	return TopKWithScores(candidates, limit), nil
}

func (idx *Index) computeBucketID(embedding []float32) int {
	if len(embedding) == 0 {
		return 0
	}

	step := len(embedding) / idx.bucketDims
	if step == 0 {
		step = 1
	}

	var bucketBits int
	for i := 0; i < idx.bucketDims && i*step < len(embedding); i++ {
		sum := float32(0)
		count := 0
		for j := i * step; j < (i+1)*step && j < len(embedding); j++ {
			sum += embedding[j]
			count++
		}
		if count > 0 && sum/float32(count) > 0 {
			bucketBits |= 1 << i
		}
	}

	return bucketBits
}

func (idx *Index) adjacentBuckets(bucketID int) []int {
	adjacent := make([]int, 0, idx.bucketDims)
	for i := 0; i < idx.bucketDims; i++ {
		adjacent = append(adjacent, bucketID^(1<<i))
	}
	return adjacent
}

// Rebuild clears every indexed vector of ownerType and reinserts from
// source, which yields (ownerID, embedding) pairs. Callers supply source
// because the embedding's system-of-record is the owning table (templates,
// reasoning_memories), not this package.
func (idx *Index) Rebuild(ctx context.Context, ownerType string, source func(yield func(ownerID string, embedding []float32) error) error) error {
	if _, err := idx.db.ExecContext(ctx, `DELETE FROM vector_embeddings WHERE owner_type = ?`, ownerType); err != nil {
		return fmt.Errorf("clear vector_embeddings for %s: %w", ownerType, err)
	}

	return source(func(ownerID string, embedding []float32) error {
		return idx.Put(ctx, ownerType, ownerID, embedding)
	})
}

func (idx *Index) Stats(ctx context.Context, ownerType string) (map[string]any, error) {
	stats := make(map[string]any)

	var total int
	idx.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vector_embeddings WHERE owner_type = ?`, ownerType).Scan(&total)
	stats["total_indexed"] = total

	var uniqueBuckets int
	idx.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT bucket_id) FROM vector_embeddings WHERE owner_type = ?`, ownerType).Scan(&uniqueBuckets)
	stats["unique_buckets"] = uniqueBuckets

	if uniqueBuckets > 0 {
		stats["avg_per_bucket"] = float64(total) / float64(uniqueBuckets)
	}

	return stats, nil
}

// EstimateSearchReduction estimates the fraction of ownerType's indexed rows
// a SearchSimilar call actually scans, relative to a full table scan.
func (idx *Index) EstimateSearchReduction(ctx context.Context, ownerType string) (float64, error) {
	var total int
	idx.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vector_embeddings WHERE owner_type = ?`, ownerType).Scan(&total)

	var avgBucketSize float64
	idx.db.QueryRowContext(ctx, `
		SELECT AVG(cnt) FROM (
			SELECT COUNT(*) as cnt FROM vector_embeddings WHERE owner_type = ? GROUP BY bucket_id
		)
	`, ownerType).Scan(&avgBucketSize)

	if total == 0 || avgBucketSize == 0 {
		return 1.0, nil
	}

	scope := avgBucketSize * float64(idx.bucketDims+1)
	return math.Min(scope/float64(total), 1.0), nil
}
