package extract

import (
	"context"
	"errors"

	"github.com/gosuda/datapr/internal/domain"
)

// ErrExtraction is returned when the model produced no usable structured
// output. Callers treat it as recoverable and prompt the user to rephrase.
var ErrExtraction = errors.New("extract: extraction failed")

// Extractor turns a user utterance plus recent history into a partial slot
// map. Absent and empty values mean "not mentioned"; the caller owns merge
// semantics.
type Extractor interface {
	Extract(ctx context.Context, message string, history []domain.Message) (map[string]string, error)
}
