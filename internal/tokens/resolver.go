package tokens

import (
	"context"
	"errors"
	"time"

	"github.com/aura-classroom/backend/internal/models"
)

var (
	// ErrResolveTimeout means the playable location could not be produced in time.
	ErrResolveTimeout = errors.New("location resolution timed out")
	// ErrResolverUnavailable means no backend can serve this source kind right now.
	ErrResolverUnavailable = errors.New("location resolver unavailable")
)

// Presigner turns an object storage location into a short-lived URL.
type Presigner interface {
	PresignMediaURL(ctx context.Context, location string) (string, error)
}

// Resolver maps a decrypted payload to a URL the player can open.
type Resolver struct {
	presigner Presigner
	timeout   time.Duration
}

// NewResolver creates a resolver. presigner may be nil when S3 is not configured.
func NewResolver(presigner Presigner, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Resolver{presigner: presigner, timeout: timeout}
}

// Resolve returns the playable location. Hosted sources are returned unchanged; s3 objects
// are presigned. The call is bounded by the resolver timeout.
func (r *Resolver) Resolve(ctx context.Context, p Payload) (string, error) {
	if p.SourceKind != models.SourceS3 {
		return p.LocationURI, nil
	}
	if r.presigner == nil {
		return "", ErrResolverUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type result struct {
		url string
		err error
	}
	done := make(chan result, 1)
	go func() {
		url, err := r.presigner.PresignMediaURL(ctx, p.LocationURI)
		done <- result{url, err}
	}()
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrResolveTimeout
		}
		return "", ctx.Err()
	case res := <-done:
		if errors.Is(res.err, context.DeadlineExceeded) {
			return "", ErrResolveTimeout
		}
		return res.url, res.err
	}
}
