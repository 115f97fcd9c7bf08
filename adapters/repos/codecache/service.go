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
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/codearchive/adapters/repos/codecache/addresstable"
	"github.com/weaviate/codearchive/adapters/repos/codecache/archiveindex"
	"github.com/weaviate/codearchive/adapters/repos/codecache/strtab"
	"github.com/weaviate/codearchive/entities/archivestate"
	"github.com/weaviate/codearchive/entities/compiledcode"
	enterrors "github.com/weaviate/codearchive/entities/errors"
	"github.com/weaviate/codearchive/usecases/config"
	"github.com/weaviate/codearchive/usecases/monitoring"
)

// Service is the process-wide entry point to the code archive. It owns the
// address table, which outlives sessions, and at most one open session.
type Service struct {
	cfg       config.Archive
	logger    logrus.FieldLogger
	metrics   *monitoring.PrometheusMetrics
	resolver  Resolver
	store     CodeStore
	cacheSize int

	symbolizer  Symbolizer
	processBase uint64
	addresses   *addresstable.Table
	strings     *sessionStrings

	sync.RWMutex
	session *Session
}

type Option func(s *Service)

// WithSymbolizer lets the address table encode addresses of named symbols
// in the process relative to processBase.
func WithSymbolizer(sym Symbolizer, processBase uint64) Option {
	return func(s *Service) {
		s.symbolizer = sym
		s.processBase = processBase
	}
}

// WithResolvedCacheSize bounds the cache of resolved type and method
// references.
func WithResolvedCacheSize(size int) Option {
	return func(s *Service) {
		s.cacheSize = size
	}
}

func NewService(cfg config.Archive, logger logrus.FieldLogger, metrics *monitoring.PrometheusMetrics,
	resolver Resolver, store CodeStore, opts ...Option,
) *Service {
	s := &Service{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		resolver: resolver,
		store:    store,
		strings:  &sessionStrings{known: map[uint64]string{}},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.addresses = addresstable.New(s.strings, s.symbolizer, s.processBase)
	return s
}

// AddressTable is completed phase by phase as the runtime starts up.
func (s *Service) AddressTable() *addresstable.Table {
	return s.addresses
}

// AddString registers a string constant the generated code may refer to.
// It reports false if the string table of the open session is full.
func (s *Service) AddString(addr uint64, str string) bool {
	return s.strings.add(addr, str)
}

// Open opens the archive at path, or at the configured path if path is
// empty. Whether it is read, written or both follows the configuration; if
// the archive is disabled nothing is opened and no error is returned.
func (s *Service) Open(path string) error {
	s.Lock()
	defer s.Unlock()

	if s.session != nil {
		return errors.Errorf("code archive %q is already open", s.session.cfg.Path)
	}
	if path == "" {
		path = s.cfg.Path
	}

	load := s.cfg.LoadCachedCode
	if load {
		if _, err := os.Stat(path); err != nil {
			s.logger.WithField("action", "codecache_open").
				WithField("path", path).
				WithError(err).
				Info("no cached code to load")
			load = false
		}
	}
	if !load && !s.cfg.StoreCachedCode {
		s.logger.WithField("action", "codecache_open").
			WithField("path", path).
			Debug("code archive disabled")
		return nil
	}

	table := strtab.New()
	sess, err := OpenSession(SessionConfig{
		Path:              path,
		Load:              load,
		Store:             s.cfg.StoreCachedCode,
		MaxSize:           s.cfg.MaxSize,
		Verify:            s.cfg.Verify,
		ResolvedCacheSize: s.cacheSize,
	}, Dependencies{
		Logger:    s.logger,
		Metrics:   s.metrics,
		Resolver:  s.resolver,
		Store:     s.store,
		Addresses: s.addresses,
		Strings:   table,
	})
	if err != nil {
		return err
	}
	s.strings.use(table)
	s.session = sess
	return nil
}

// Close closes the open session, waiting at most the configured close
// timeout for running operations. If operations are still running when the
// timeout expires the session stays attached, still closing, and a later
// Close finishes it.
func (s *Service) Close(ctx context.Context) error {
	sess := s.current()
	if sess == nil {
		return nil
	}

	if s.cfg.CloseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CloseTimeout)
		defer cancel()
	}
	err := sess.Close(ctx)
	if sess.Status() == archivestate.StatusClosing {
		return err
	}

	s.Lock()
	if s.session == sess {
		s.session = nil
	}
	s.Unlock()
	return err
}

func (s *Service) current() *Session {
	s.RLock()
	defer s.RUnlock()
	return s.session
}

func (s *Service) IsOpenForRead() bool {
	sess := s.current()
	return sess != nil && sess.ForRead()
}

func (s *Service) IsOpenForWrite() bool {
	sess := s.current()
	return sess != nil && sess.ForWrite()
}

// Status is StatusClosed while no session is open.
func (s *Service) Status() archivestate.Status {
	if sess := s.current(); sess != nil {
		return sess.Status()
	}
	return archivestate.StatusClosed
}

func (s *Service) Session() *Session {
	return s.current()
}

func (s *Service) FindEntry(kind archiveindex.Kind, id uint32, level, decompile int) *Entry {
	sess := s.current()
	if sess == nil {
		return nil
	}
	return sess.FindEntry(kind, id, level, decompile)
}

func (s *Service) StoreStub(name string, id uint32, code []byte) (*Entry, error) {
	sess := s.current()
	if sess == nil {
		return nil, ErrUnavailable
	}
	return sess.StoreStub(name, id, code)
}

func (s *Service) LoadStub(name string, id uint32, dst []byte) error {
	sess := s.current()
	if sess == nil {
		return ErrUnavailable
	}
	return sess.LoadStub(name, id, dst)
}

func (s *Service) StoreExceptionBlob(buf *compiledcode.CodeBuffer, pcOffset int) (*Entry, error) {
	sess := s.current()
	if sess == nil {
		return nil, ErrUnavailable
	}
	return sess.StoreExceptionBlob(buf, pcOffset)
}

func (s *Service) LoadExceptionBlob() (*compiledcode.Routine, error) {
	sess := s.current()
	if sess == nil {
		return nil, ErrUnavailable
	}
	return sess.LoadExceptionBlob()
}

func (s *Service) StoreMethod(req StoreRequest) (*Entry, error) {
	sess := s.current()
	if sess == nil {
		return nil, ErrUnavailable
	}
	return sess.StoreMethod(req)
}

func (s *Service) LoadMethod(req LoadRequest) (*compiledcode.Routine, bool) {
	sess := s.current()
	if sess == nil {
		return nil, false
	}
	return sess.LoadMethod(req)
}

func (s *Service) Invalidate(e *Entry) int {
	sess := s.current()
	if sess == nil {
		return 0
	}
	return sess.Invalidate(e)
}

// Preload runs the configured preload over the open session.
func (s *Service) Preload(ctx context.Context) (PreloadResult, error) {
	sess := s.current()
	if sess == nil || !sess.ForRead() {
		return PreloadResult{}, nil
	}
	return sess.Preload(ctx, PreloadOptions{
		Start:   s.cfg.PreloadStart,
		Stop:    s.cfg.PreloadStop,
		Exclude: s.cfg.PreloadExclude,
		Workers: s.cfg.PreloadWorkers,
	})
}

// StartPreload runs Preload on its own goroutine. The returned channel
// receives the result once and is then closed. A panic during preload
// closes the channel without a result.
func (s *Service) StartPreload(ctx context.Context) <-chan PreloadResult {
	done := make(chan PreloadResult, 1)
	enterrors.GoWrapper(func() {
		defer close(done)
		res, err := s.Preload(ctx)
		if err != nil {
			s.logger.WithField("action", "codecache_preload").
				WithError(err).
				Warn("background preload stopped")
		}
		done <- res
	}, s.logger)
	return done
}

// sessionStrings gives the address table access to the string table of
// whichever session is open. Strings registered earlier are carried into
// each new table.
type sessionStrings struct {
	sync.RWMutex
	table *strtab.Table
	known map[uint64]string
	order []uint64
}

func (ss *sessionStrings) add(addr uint64, str string) bool {
	ss.Lock()
	defer ss.Unlock()
	if _, ok := ss.known[addr]; !ok {
		ss.known[addr] = str
		ss.order = append(ss.order, addr)
	}
	if ss.table == nil {
		return true
	}
	return ss.table.Add(addr, str)
}

func (ss *sessionStrings) use(t *strtab.Table) {
	ss.Lock()
	defer ss.Unlock()
	for _, addr := range ss.order {
		t.Add(addr, ss.known[addr])
	}
	ss.table = t
}

func (ss *sessionStrings) ID(addr uint64) (int, bool) {
	ss.RLock()
	t := ss.table
	ss.RUnlock()
	if t == nil {
		return 0, false
	}
	return t.ID(addr)
}

func (ss *sessionStrings) Address(id int) (uint64, bool) {
	ss.RLock()
	t := ss.table
	ss.RUnlock()
	if t == nil {
		return 0, false
	}
	return t.Address(id)
}
