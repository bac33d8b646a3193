// Package classifier maps user text to an intent.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/campusbot/internal/domain"
)

// ErrUnavailable is returned when a remote classifier cannot answer.
var ErrUnavailable = errors.New("classifier unavailable")

// Result is a classified message.
type Result struct {
	Intent     domain.Intent
	Entities   map[string]string
	Confidence float64
}

// Classifier labels user text.
type Classifier interface {
	Classify(ctx context.Context, text string) (Result, error)
}

// Fallback asks Primary first and uses Secondary when Primary fails or is
// less confident than MinConfidence.
type Fallback struct {
	Primary       Classifier
	Secondary     Classifier
	MinConfidence float64
	Logger        *slog.Logger
}

// Classify implements Classifier.
func (f *Fallback) Classify(ctx context.Context, text string) (Result, error) {
	if f.Primary != nil {
		res, err := f.Primary.Classify(ctx, text)
		if err == nil && res.Intent != "" && res.Intent != domain.IntentUnknown && res.Confidence >= f.MinConfidence {
			return res, nil
		}
		if err != nil && f.Logger != nil {
			f.Logger.Warn("primary classifier failed, using fallback", "error", err)
		}
	}
	if f.Secondary == nil {
		return Result{Intent: domain.IntentUnknown}, fmt.Errorf("%w: no fallback configured", ErrUnavailable)
	}
	return f.Secondary.Classify(ctx, text)
}
