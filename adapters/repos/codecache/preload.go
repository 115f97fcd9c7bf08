//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package codecache

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/weaviate/codearchive/adapters/repos/codecache/archiveindex"
	enterrors "github.com/weaviate/codearchive/entities/errors"
)

type PreloadOptions struct {
	// Start and Stop bound the range of the preload index to process. A Stop
	// of zero means up to the end.
	Start, Stop int
	// Exclude lists method names, qualified names or full names which are
	// never preloaded.
	Exclude []string
	Workers int
}

type PreloadResult struct {
	Attempted int
	Loaded    int
	Skipped   int
	Failed    int
}

// Preload loads and installs the methods recorded as preload candidates in
// the archive, before anything asked for them.
func (s *Session) Preload(ctx context.Context, opts PreloadOptions) (PreloadResult, error) {
	var res PreloadResult
	if !s.enter() {
		return res, ErrUnavailable
	}
	defer s.leave()

	start, stop := opts.Start, opts.Stop
	if stop == 0 || stop > len(s.preload) {
		stop = len(s.preload)
	}
	if start < 0 || start > stop {
		return res, errors.Errorf("preload range [%d, %d) of %d candidates", opts.Start, opts.Stop, len(s.preload))
	}

	s.entriesLock.RLock()
	candidates := make([]*Entry, 0, stop-start)
	for _, idx := range s.preload[start:stop] {
		candidates = append(candidates, s.entries[idx])
	}
	s.entriesLock.RUnlock()

	excluded := make(map[string]struct{}, len(opts.Exclude))
	for _, name := range opts.Exclude {
		excluded[name] = struct{}{}
	}

	var attempted, loaded, skipped, failed atomic.Int64
	eg := enterrors.NewErrorGroupWrapper(s.logger)
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	eg.SetLimit(workers)

	for _, e := range candidates {
		if err := ctx.Err(); err != nil {
			break
		}
		if e.NotEntrant() || e.Preloaded() || e.LoadFailed() || e.MethodOffset() == archiveindex.NoMethodOffset {
			skipped.Add(1)
			continue
		}
		m, ok := s.resolver.SharedMethod(e.MethodOffset())
		if !ok {
			skipped.Add(1)
			continue
		}
		_, byName := excluded[m.Name]
		_, byQualified := excluded[m.Holder+"."+m.Name]
		_, byFull := excluded[m.FullName()]
		if byName || byQualified || byFull {
			skipped.Add(1)
			continue
		}

		e := e
		eg.Go(func() error {
			if ctx.Err() != nil {
				skipped.Add(1)
				return nil
			}
			attempted.Add(1)
			if _, err := s.loadMethodEntry(e, m, true); err != nil {
				failed.Add(1)
				return nil
			}
			loaded.Add(1)
			return nil
		}, e.Name())
	}
	err := eg.Wait()

	res = PreloadResult{
		Attempted: int(attempted.Load()),
		Loaded:    int(loaded.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    int(failed.Load()),
	}
	s.metrics.ArchivePreload("loaded", res.Loaded)
	s.metrics.ArchivePreload("skipped", res.Skipped)
	s.metrics.ArchivePreload("failed", res.Failed)
	s.logger.WithField("action", "codecache_preload").
		WithField("candidates", len(candidates)).
		WithField("attempted", res.Attempted).
		WithField("loaded", res.Loaded).
		WithField("skipped", res.Skipped).
		WithField("failed", res.Failed).
		Info("preloaded archived code")

	if err != nil {
		return res, err
	}
	return res, ctx.Err()
}
