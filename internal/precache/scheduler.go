// Package precache proactively downloads batches of content ids so future
// stream requests hit the local cache.
package precache

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/liusanp/NOProxy/internal/cache"
	"github.com/liusanp/NOProxy/internal/log"
	"github.com/liusanp/NOProxy/internal/manifest"
	"github.com/liusanp/NOProxy/internal/resolver"
	"github.com/liusanp/NOProxy/internal/upstream"
)

// Scheduler fans out background caching across many ids while never running
// more than its configured number of resolutions/downloads at once.
type Scheduler struct {
	store       *cache.Store
	resolver    resolver.Resolver
	client      *upstream.Client
	concurrency int
	logger      zerolog.Logger

	mu       sync.Mutex
	enqueued map[string]struct{}
}

// New builds a Scheduler. Concurrency values below 1 are clamped to 1.
func New(store *cache.Store, res resolver.Resolver, client *upstream.Client, concurrency int) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scheduler{
		store:       store,
		resolver:    res,
		client:      client,
		concurrency: concurrency,
		logger:      log.WithComponent("precache"),
		enqueued:    make(map[string]struct{}),
	}
}

// Failure records one id that could not be precached. Failures are collected,
// never propagated: one id's trouble must not affect any other id.
type Failure struct {
	ContentID string
	Err       error
}

// Batch walks ids and triggers background caching for each, bounded by the
// scheduler's concurrency ceiling. It returns once every id has been
// resolved and handed to the cache store (the downloads themselves continue
// in the background).
func (s *Scheduler) Batch(ctx context.Context, ids []string) []Failure {
	var (
		failMu   sync.Mutex
		failures []Failure
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, id := range ids {
		id := id
		if !s.claim(id) {
			continue
		}
		g.Go(func() error {
			defer s.unclaim(id)
			if err := s.precacheOne(ctx, id); err != nil {
				s.logger.Warn().Err(err).Str("id", id).Msg("precache skipped")
				failMu.Lock()
				failures = append(failures, Failure{ContentID: id, Err: err})
				failMu.Unlock()
			}
			return nil
		})
	}

	g.Wait() //nolint:errcheck // workers never return errors
	return failures
}

// claim reserves an id for this scheduler unless it is already cached,
// downloading, or claimed by a concurrent batch.
func (s *Scheduler) claim(id string) bool {
	if s.store.IsCached(id) || s.store.IsDownloading(id) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.enqueued[id]; ok {
		return false
	}
	s.enqueued[id] = struct{}{}
	return true
}

func (s *Scheduler) unclaim(id string) {
	s.mu.Lock()
	delete(s.enqueued, id)
	s.mu.Unlock()
}

func (s *Scheduler) precacheOne(ctx context.Context, id string) error {
	ref, err := s.resolver.Resolve(ctx, id)
	if err != nil {
		return err
	}

	// The resolution may have taken long enough for somebody else to have
	// started this entry.
	if s.store.IsCached(id) || s.store.IsDownloading(id) {
		return nil
	}

	if ref.Kind() == resolver.KindMP4 {
		s.store.StartMP4(id, ref.MediaURL, ref)
		return nil
	}

	content, finalURL, err := s.client.FetchManifest(ctx, ref.MediaURL)
	if errors.Is(err, manifest.ErrNotManifest) {
		// The URL lied about its kind; cache it as a direct media file.
		s.store.StartMP4(id, ref.MediaURL, ref)
		return nil
	}
	if err != nil {
		return err
	}
	s.store.StartHLS(id, finalURL, content, ref)
	return nil
}
