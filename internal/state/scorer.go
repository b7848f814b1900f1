package state

import (
	"context"

	"github.com/vigia-civic/vigia-api/internal/models"
)

// Scorer computes the IIR relevance score of a new case. A nil score leaves
// the case pending.
type Scorer interface {
	Score(ctx context.Context, c models.Case) (*int, error)
}

// PendingScorer never scores; every case waits for an external score
type PendingScorer struct{}

func (PendingScorer) Score(context.Context, models.Case) (*int, error) {
	return nil, nil
}

// ScorerFunc adapts a function to Scorer
type ScorerFunc func(ctx context.Context, c models.Case) (*int, error)

func (f ScorerFunc) Score(ctx context.Context, c models.Case) (*int, error) {
	return f(ctx, c)
}

// ImageStore moves inline images out of case records. Implemented by
// media.Uploader.
type ImageStore interface {
	Offload(ctx context.Context, caseID, image string) (string, error)
	Remove(ctx context.Context, imageURL string) error
}
