package llm

import (
	"github.com/google/uuid"

	"mailtriage/internal/domain"
)

const defaultBatchSize = 20

// CreateBatches chunks items into contiguous batches of at most maxSize,
// preserving order. The last batch may be short.
func CreateBatches(items []domain.WorkItem, maxSize int) []domain.Batch {
	if len(items) == 0 {
		return nil
	}
	if maxSize < 1 {
		maxSize = defaultBatchSize
	}
	batches := make([]domain.Batch, 0, (len(items)+maxSize-1)/maxSize)
	for start := 0; start < len(items); start += maxSize {
		end := start + maxSize
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, domain.Batch{
			ID:    uuid.NewString(),
			Items: items[start:end:end],
		})
	}
	return batches
}
