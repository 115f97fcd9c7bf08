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
	"sync"
	"sync/atomic"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/codearchive/adapters/repos/codecache/addresstable"
	"github.com/weaviate/codearchive/adapters/repos/codecache/archiveindex"
	"github.com/weaviate/codearchive/adapters/repos/codecache/arena"
	"github.com/weaviate/codearchive/adapters/repos/codecache/strtab"
	"github.com/weaviate/codearchive/entities/archivestate"
	"github.com/weaviate/codearchive/usecases/monitoring"
)

// closePollInterval is how often Close checks for remaining readers.
const closePollInterval = time.Millisecond

type SessionConfig struct {
	Path    string
	Load    bool
	Store   bool
	MaxSize int
	// Verify checks the body checksum of the archive when it is opened.
	Verify            bool
	ResolvedCacheSize int
}

type Dependencies struct {
	Logger    logrus.FieldLogger
	Metrics   *monitoring.PrometheusMetrics
	Resolver  Resolver
	Store     CodeStore
	Addresses *addresstable.Table
	// Strings must be the table Addresses consults for string ids.
	Strings *strtab.Table
}

type Stats struct {
	Stored      int64
	Loaded      int64
	Hits        int64
	Misses      int64
	Invalidated int64
	LoadFailed  int64
}

// Session is one open archive: the mapped file it was read from and the
// buffer new routines are stored into.
type Session struct {
	logger    logrus.FieldLogger
	metrics   *monitoring.PrometheusMetrics
	cfg       SessionConfig
	resolver  Resolver
	store     CodeStore
	addresses *addresstable.Table
	strings   *strtab.Table
	refs      *references

	statusLock sync.Mutex
	status     archivestate.Status

	forRead  bool
	forWrite bool
	failed   atomic.Bool
	closing  atomic.Bool
	closed   atomic.Bool
	readers  atomic.Int64

	load    mmap.MMap
	header  *archiveindex.Header
	search  archiveindex.SearchIndex
	preload []uint32

	// writeLock serializes stores and is held exclusively by finishWrite.
	writeLock sync.Mutex
	buf       *arena.Arena

	entriesLock sync.RWMutex
	entries     []*Entry
	loadedCount int
	// successors holds, per entry slot, the slots of entries invalidated
	// together with it.
	successors map[int][]int

	stats struct {
		stored, loaded, hits, misses, invalidated, loadFailed atomic.Int64
	}
}

// OpenSession opens the archive at cfg.Path. A file that cannot be read is
// logged and the session continues for writing only. It is an error if the
// session can neither read nor write.
func OpenSession(cfg SessionConfig, deps Dependencies) (*Session, error) {
	if deps.Resolver == nil || deps.Store == nil || deps.Addresses == nil {
		return nil, errors.New("open code archive: resolver, code store and address table are required")
	}
	if deps.Strings == nil {
		deps.Strings = strtab.New()
	}
	refs, err := newReferences(deps.Resolver, cfg.ResolvedCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Session{
		logger:     deps.Logger.WithField("path", cfg.Path),
		metrics:    deps.Metrics,
		cfg:        cfg,
		resolver:   deps.Resolver,
		store:      deps.Store,
		addresses:  deps.Addresses,
		strings:    deps.Strings,
		refs:       refs,
		successors: map[int][]int{},
	}

	if cfg.Load {
		if err := s.openForRead(); err != nil {
			s.logger.WithField("action", "codecache_open").
				WithError(err).
				Warn("cached code archive not loaded")
		} else {
			s.forRead = true
		}
	}

	if cfg.Store {
		s.buf = arena.New(cfg.MaxSize, arena.DataAlignment)
		s.forWrite = true
	}

	if !s.forRead && !s.forWrite {
		return nil, errors.Wrapf(ErrUnavailable, "archive %q neither readable nor writable", cfg.Path)
	}

	s.setStatus(archivestate.StatusReady)
	s.logger.WithField("action", "codecache_open").
		WithField("read", s.forRead).
		WithField("write", s.forWrite).
		WithField("entries", s.loadedCount).
		Info("code archive opened")
	return s, nil
}

func (s *Session) ForRead() bool {
	return s.forRead && !s.closing.Load()
}

func (s *Session) ForWrite() bool {
	return s.forWrite && !s.closing.Load() && !s.failed.Load()
}

func (s *Session) Failed() bool {
	return s.failed.Load()
}

func (s *Session) Status() archivestate.Status {
	s.statusLock.Lock()
	defer s.statusLock.Unlock()
	return s.status
}

func (s *Session) setStatus(status archivestate.Status) {
	s.statusLock.Lock()
	defer s.statusLock.Unlock()
	s.status = status
}

// fail marks the archive as permanently failed. Nothing is written at close.
func (s *Session) fail(err error) {
	if !s.failed.CompareAndSwap(false, true) {
		return
	}
	s.setStatus(archivestate.StatusFailed)
	s.logger.WithField("action", "codecache_store").
		WithError(err).
		Error("code archive failed, no new code will be archived")
}

// enter takes the read guard. It fails once the session started closing.
func (s *Session) enter() bool {
	if s.closing.Load() {
		return false
	}
	s.readers.Add(1)
	if s.closing.Load() {
		s.readers.Add(-1)
		return false
	}
	s.metrics.ArchiveReaderEnter()
	return true
}

func (s *Session) leave() {
	s.readers.Add(-1)
	s.metrics.ArchiveReaderLeave()
}

// Entries returns the loaded entries followed by the stored ones.
func (s *Session) Entries() []*Entry {
	s.entriesLock.RLock()
	defer s.entriesLock.RUnlock()
	return append([]*Entry(nil), s.entries...)
}

// Header is the header of the loaded archive, nil if nothing was loaded.
func (s *Session) Header() *archiveindex.Header {
	return s.header
}

func (s *Session) Stats() Stats {
	return Stats{
		Stored:      s.stats.stored.Load(),
		Loaded:      s.stats.loaded.Load(),
		Hits:        s.stats.hits.Load(),
		Misses:      s.stats.misses.Load(),
		Invalidated: s.stats.invalidated.Load(),
		LoadFailed:  s.stats.loadFailed.Load(),
	}
}

// Close stops new operations, waits for running ones to leave, writes the
// archive if the session stores code and releases the loaded file. If ctx
// expires first nothing is written and Close may be called again.
func (s *Session) Close(ctx context.Context) error {
	if s.closed.Load() {
		return nil
	}
	if s.closing.CompareAndSwap(false, true) {
		s.setStatus(archivestate.StatusClosing)
	}
	logger := s.logger.WithField("action", "codecache_close")

	if err := s.waitForReaders(ctx); err != nil {
		logger.WithError(err).Error("readers did not leave, archive left untouched")
		return err
	}
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var result *multierror.Error

	s.writeLock.Lock()
	if s.forWrite && !s.failed.Load() {
		if err := s.finishWrite(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.writeLock.Unlock()

	if s.load != nil {
		if err := s.load.Unmap(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "unmap archive"))
		}
		s.load = nil
	}
	s.metrics.ArchiveBufferSize("load", 0)
	s.metrics.ArchiveBufferSize("store", 0)

	if err := result.ErrorOrNil(); err != nil {
		s.setStatus(archivestate.StatusFailed)
		return err
	}
	s.setStatus(archivestate.StatusClosed)
	stats := s.Stats()
	logger.WithField("stored", stats.Stored).
		WithField("loaded", stats.Loaded).
		WithField("hits", stats.Hits).
		WithField("misses", stats.Misses).
		Debug("code archive closed")
	return nil
}

func (s *Session) waitForReaders(ctx context.Context) error {
	if s.readers.Load() == 0 {
		return nil
	}
	t := time.NewTicker(closePollInterval)
	defer t.Stop()
	for s.readers.Load() > 0 {
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "wait for %d archive readers", s.readers.Load())
		case <-t.C:
		}
	}
	return nil
}
