// Package state holds the cases, comments and current user the UI renders.
// Collections live in memory, are hydrated once from the key-value store and
// written back after every mutation.
package state

import (
	"context"
	stderrors "errors"
	"sync"

	apperrors "github.com/vigia-civic/vigia-api/pkg/errors"

	"github.com/vigia-civic/vigia-api/internal/kvstore"
	"github.com/vigia-civic/vigia-api/internal/metrics"
	"github.com/vigia-civic/vigia-api/internal/models"
	"github.com/vigia-civic/vigia-api/internal/utils"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	outcomeOK   = "ok"
	outcomeNoop = "noop"
)

// Store is the application state store. Mutations build the new collection
// on a copy and swap it in only after the write succeeded.
type Store struct {
	kv       kvstore.Store
	ids      utils.IDGenerator
	clock    utils.Clock
	scorer   Scorer
	images   ImageStore
	validate *validator.Validate
	logger   *logrus.Logger
	tracer   trace.Tracer

	mu          sync.RWMutex
	cases       []models.Case
	comments    []models.Comment
	currentUser *models.CurrentUser
}

// Option configures a Store
type Option func(*Store)

func WithIDGenerator(ids utils.IDGenerator) Option { return func(s *Store) { s.ids = ids } }
func WithClock(c utils.Clock) Option               { return func(s *Store) { s.clock = c } }
func WithScorer(sc Scorer) Option                  { return func(s *Store) { s.scorer = sc } }

// WithImageStore offloads inline case images
func WithImageStore(is ImageStore) Option {
	return func(s *Store) { s.images = is }
}

// Open hydrates a Store from kv. Unreadable records are logged and start empty.
func Open(ctx context.Context, kv kvstore.Store, logger *logrus.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		kv:       kv,
		ids:      utils.UUIDGenerator{},
		clock:    utils.SystemClock{},
		scorer:   PendingScorer{},
		validate: validator.New(),
		logger:   logger,
		tracer:   otel.Tracer("vigia-api/state"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.hydrate(ctx, kvstore.KeyCases, &s.cases); err != nil {
		return nil, err
	}
	if err := s.hydrate(ctx, kvstore.KeyComments, &s.comments); err != nil {
		return nil, err
	}
	var current models.CurrentUser
	found, err := kvstore.GetJSON(ctx, kv, kvstore.KeyCurrentUser, &current)
	switch {
	case err != nil && !isCorrupt(err):
		return nil, storageError("failed to load current user", err)
	case err != nil:
		logger.WithError(err).Warn("Ignoring unreadable current user record")
	case found:
		s.currentUser = &current
	}

	metrics.SetCaseCount(len(s.cases))
	logger.WithFields(logrus.Fields{
		"cases":     len(s.cases),
		"comments":  len(s.comments),
		"logged_in": s.currentUser != nil,
	}).Info("Application state loaded")

	return s, nil
}

func (s *Store) hydrate(ctx context.Context, key string, dst interface{}) error {
	_, err := kvstore.GetJSON(ctx, s.kv, key, dst)
	if err == nil {
		return nil
	}
	if isCorrupt(err) {
		s.logger.WithError(err).WithField("key", key).Warn("Ignoring unreadable state record")
		return nil
	}
	return storageError("failed to load "+key, err)
}

func (s *Store) persistCases(ctx context.Context, cases []models.Case) error {
	if err := kvstore.SetJSON(ctx, s.kv, kvstore.KeyCases, cases); err != nil {
		return storageError("failed to save cases", err)
	}
	return nil
}

func (s *Store) persistComments(ctx context.Context, comments []models.Comment) error {
	if err := kvstore.SetJSON(ctx, s.kv, kvstore.KeyComments, comments); err != nil {
		return storageError("failed to save comments", err)
	}
	return nil
}

func (s *Store) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// finish closes the span and records the mutation outcome. noop marks calls
// that found nothing to change.
func (s *Store) finish(span trace.Span, operation string, noop bool, err error) {
	outcome := outcomeOK
	switch {
	case err != nil:
		outcome = string(apperrors.CodeOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	case noop:
		outcome = outcomeNoop
	}
	metrics.RecordStateMutation(operation, outcome)
	span.End()
}

func storageError(message string, err error) error {
	return apperrors.NewAppError(apperrors.CodeStorageUnavailable, message, err)
}

func isCorrupt(err error) bool {
	return stderrors.Is(err, kvstore.ErrCorrupt)
}

func indexOfCase(cases []models.Case, id string) int {
	for i := range cases {
		if cases[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneCase(c models.Case) models.Case {
	if c.IIR != nil {
		v := *c.IIR
		c.IIR = &v
	}
	return c
}
