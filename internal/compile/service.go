package compile

import (
	"context"
	"errors"
	"time"

	"github.com/michaelbrown/breadboard/internal/build"
)

// Service runs the front-end compile pipeline: validate, inline
// headers, consult the cache, and on a miss run a syntax-only pass
// through the builder.
type Service struct {
	cache   *Cache
	builder build.Builder
}

// NewService creates a compile service backed by the given builder.
func NewService(builder build.Builder, cacheTTL time.Duration) *Service {
	return &Service{
		cache:   NewCache(cacheTTL),
		builder: builder,
	}
}

// Cache exposes the underlying cache for sweeping.
func (s *Service) Cache() *Cache { return s.cache }

// Compile processes a sketch and reports pass/fail with diagnostics.
// Validation and compile failures come back as an unsuccessful Result;
// the error return is reserved for environment problems such as a
// missing toolchain.
func (s *Service) Compile(ctx context.Context, code string, headers []Header) (Result, error) {
	processed, err := Preprocess(code, headers)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return Result{Success: false, Output: verr.Error()}, nil
		}
		return Result{}, err
	}

	key := Key(code, headers)
	if cached, ok := s.cache.Get(key); ok {
		cached.Cached = true
		return cached, nil
	}

	diag, err := s.builder.Check(ctx, processed)
	if err != nil {
		var berr *build.BuildError
		if errors.As(err, &berr) {
			return Result{Success: false, Output: berr.Diagnostics}, nil
		}
		return Result{}, err
	}

	result := Result{
		Success:       true,
		Output:        diag,
		ProcessedCode: processed,
	}
	s.cache.Put(key, result)
	return result, nil
}
