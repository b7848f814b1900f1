package state

import (
	"context"
	"errors"

	apperrors "github.com/vigia-civic/vigia-api/pkg/errors"

	"github.com/vigia-civic/vigia-api/internal/kvstore"
	"github.com/vigia-civic/vigia-api/internal/media"
	"github.com/vigia-civic/vigia-api/internal/metrics"
	"github.com/vigia-civic/vigia-api/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// AddCase opens a case authored by the current user and puts it first.
// Without a current user nothing happens and nil is returned.
func (s *Store) AddCase(ctx context.Context, in models.CaseInput) (created *models.Case, err error) {
	ctx, span := s.startSpan(ctx, "state.AddCase")
	defer func() { s.finish(span, "add_case", created == nil, err) }()

	s.mu.RLock()
	author := s.currentUser
	s.mu.RUnlock()
	if author == nil {
		return nil, nil
	}

	if err := s.validate.Struct(in); err != nil {
		return nil, apperrors.NewAppError(apperrors.CodeValidation, "invalid case", err)
	}
	in = in.WithDefaults()

	now := s.clock.Now().UTC()
	c := models.Case{
		ID:          s.ids.NewID(),
		Title:       in.Title,
		Description: in.Description,
		Category:    in.Category,
		Status:      in.Status,
		Priority:    in.Priority,
		Location:    in.Location,
		Image:       in.Image,
		Supports:    0,
		CreatedAt:   now,
		UpdatedAt:   now,
		UserID:      author.ID,
		UserName:    author.Name,
	}
	if in.IIR != nil {
		v := *in.IIR
		c.IIR = &v
	}

	if c.Image != "" && s.images != nil {
		url, err := s.images.Offload(ctx, c.ID, c.Image)
		if err != nil {
			return nil, imageError(err)
		}
		c.Image = url
	}

	if c.IIR == nil {
		c.IIR = s.score(ctx, c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The author logged out or was replaced while the image was uploading
	if s.currentUser == nil || s.currentUser.ID != author.ID {
		s.discardImage(ctx, in.Image, c.Image)
		return nil, nil
	}
	c.UserName = s.currentUser.Name

	cases := make([]models.Case, 0, len(s.cases)+1)
	cases = append(cases, c)
	cases = append(cases, s.cases...)
	if err := s.persistCases(ctx, cases); err != nil {
		s.discardImage(ctx, in.Image, c.Image)
		return nil, err
	}
	s.cases = cases
	metrics.SetCaseCount(len(s.cases))

	s.logger.WithFields(logrus.Fields{
		"case_id":  c.ID,
		"category": c.Category,
		"user_id":  c.UserID,
	}).Info("Case created")

	out := cloneCase(c)
	return &out, nil
}

// UpdateCase merges the set fields of upd into the case and refreshes
// UpdatedAt. Unknown ids are a no-op returning nil.
func (s *Store) UpdateCase(ctx context.Context, id string, upd models.CaseUpdate) (updated *models.Case, err error) {
	ctx, span := s.startSpan(ctx, "state.UpdateCase", attribute.String("case_id", id))
	defer func() { s.finish(span, "update_case", updated == nil, err) }()

	if err := s.validate.Struct(upd); err != nil {
		return nil, apperrors.NewAppError(apperrors.CodeValidation, "invalid case update", err)
	}

	s.mu.RLock()
	exists := indexOfCase(s.cases, id) >= 0
	s.mu.RUnlock()
	if !exists {
		return nil, nil
	}

	var uploaded string
	if upd.Image != nil && s.images != nil && media.IsDataURL(*upd.Image) {
		url, err := s.images.Offload(ctx, id, *upd.Image)
		if err != nil {
			return nil, imageError(err)
		}
		upd.Image = &url
		uploaded = url
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Deleted while the image was uploading
	idx := indexOfCase(s.cases, id)
	if idx < 0 {
		s.removeUpload(ctx, uploaded)
		return nil, nil
	}

	cases := append([]models.Case(nil), s.cases...)
	previousImage := cases[idx].Image
	next := cloneCase(cases[idx])
	upd.Apply(&next, s.clock.Now().UTC())
	cases[idx] = next

	if err := s.persistCases(ctx, cases); err != nil {
		s.removeUpload(ctx, uploaded)
		return nil, err
	}
	s.cases = cases

	if previousImage != "" && previousImage != next.Image {
		s.removeImage(ctx, previousImage)
	}

	out := cloneCase(next)
	return &out, nil
}

// DeleteCase removes the case and every comment that belongs to it. It
// reports whether a case was removed.
func (s *Store) DeleteCase(ctx context.Context, id string) (deleted bool, err error) {
	ctx, span := s.startSpan(ctx, "state.DeleteCase", attribute.String("case_id", id))
	defer func() { s.finish(span, "delete_case", !deleted, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOfCase(s.cases, id)
	if idx < 0 {
		return false, nil
	}
	image := s.cases[idx].Image

	cases := make([]models.Case, 0, len(s.cases)-1)
	cases = append(cases, s.cases[:idx]...)
	cases = append(cases, s.cases[idx+1:]...)

	comments := make([]models.Comment, 0, len(s.comments))
	for _, cm := range s.comments {
		if cm.CaseID != id {
			comments = append(comments, cm)
		}
	}

	if err := s.persistCases(ctx, cases); err != nil {
		return false, err
	}
	s.cases = cases
	metrics.SetCaseCount(len(s.cases))

	// The case is gone at this point; orphaned comments stay until the
	// next successful comment write
	if err := s.persistComments(ctx, comments); err != nil {
		return true, err
	}
	s.comments = comments

	if image != "" {
		s.removeImage(ctx, image)
	}

	s.logger.WithField("case_id", id).Info("Case deleted")
	return true, nil
}

// SupportCase adds one support to the case. Supports are not tracked per
// user, so repeated calls keep counting.
func (s *Store) SupportCase(ctx context.Context, id string) (supported *models.Case, err error) {
	ctx, span := s.startSpan(ctx, "state.SupportCase", attribute.String("case_id", id))
	defer func() { s.finish(span, "support_case", supported == nil, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOfCase(s.cases, id)
	if idx < 0 {
		return nil, nil
	}

	cases := append([]models.Case(nil), s.cases...)
	next := cloneCase(cases[idx])
	next.Supports++
	cases[idx] = next

	if err := s.persistCases(ctx, cases); err != nil {
		return nil, err
	}
	s.cases = cases

	out := cloneCase(next)
	return &out, nil
}

// AddComment appends a comment by the current user. The case id is taken
// as given.
func (s *Store) AddComment(ctx context.Context, caseID, text string) (created *models.Comment, err error) {
	ctx, span := s.startSpan(ctx, "state.AddComment", attribute.String("case_id", caseID))
	defer func() { s.finish(span, "add_comment", created == nil, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentUser == nil {
		return nil, nil
	}

	cm := models.Comment{
		ID:        s.ids.NewID(),
		CaseID:    caseID,
		UserID:    s.currentUser.ID,
		UserName:  s.currentUser.Name,
		Text:      text,
		CreatedAt: s.clock.Now().UTC(),
	}

	comments := make([]models.Comment, 0, len(s.comments)+1)
	comments = append(comments, s.comments...)
	comments = append(comments, cm)
	if err := s.persistComments(ctx, comments); err != nil {
		return nil, err
	}
	s.comments = comments

	return &cm, nil
}

// Login replaces the current user with a fresh lightweight identity
func (s *Store) Login(ctx context.Context, name string, isAdmin bool) (*models.CurrentUser, error) {
	return s.LoginAs(ctx, models.CurrentUser{
		ID:      s.ids.NewID(),
		Name:    name,
		IsAdmin: isAdmin,
	})
}

// LoginAs makes user the current user, keeping its id. The HTTP layer uses
// it to line the current user up with the authenticated account.
func (s *Store) LoginAs(ctx context.Context, user models.CurrentUser) (current *models.CurrentUser, err error) {
	ctx, span := s.startSpan(ctx, "state.Login", attribute.String("user_id", user.ID))
	defer func() { s.finish(span, "login", false, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := kvstore.SetJSON(ctx, s.kv, kvstore.KeyCurrentUser, user); err != nil {
		return nil, storageError("failed to save current user", err)
	}
	s.currentUser = &user

	out := user
	return &out, nil
}

// Logout clears the current user
func (s *Store) Logout(ctx context.Context) (err error) {
	ctx, span := s.startSpan(ctx, "state.Logout")
	defer func() { s.finish(span, "logout", false, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Remove(ctx, kvstore.KeyCurrentUser); err != nil {
		return storageError("failed to remove current user", err)
	}
	s.currentUser = nil
	return nil
}

// score asks the scorer for an IIR. Failures and out of range values leave
// the case pending.
func (s *Store) score(ctx context.Context, c models.Case) *int {
	v, err := s.scorer.Score(ctx, c)
	if err != nil {
		s.logger.WithError(err).WithField("case_id", c.ID).Warn("IIR scoring failed, leaving score pending")
		return nil
	}
	if v == nil {
		return nil
	}
	if *v < 0 || *v > 100 {
		s.logger.WithFields(logrus.Fields{
			"case_id": c.ID,
			"iir":     *v,
		}).Warn("Discarding out of range IIR")
		return nil
	}
	out := *v
	return &out
}

func (s *Store) removeImage(ctx context.Context, url string) {
	if s.images == nil {
		return
	}
	if err := s.images.Remove(ctx, url); err != nil {
		s.logger.WithError(err).Warn("Failed to remove case image")
	}
}

// discardImage drops an image uploaded for a case that was never saved
func (s *Store) discardImage(ctx context.Context, original, stored string) {
	if stored != original {
		s.removeImage(ctx, stored)
	}
}

func (s *Store) removeUpload(ctx context.Context, url string) {
	if url != "" {
		s.removeImage(ctx, url)
	}
}

func imageError(err error) error {
	switch {
	case errors.Is(err, media.ErrMalformedDataURL),
		errors.Is(err, media.ErrNotImage),
		errors.Is(err, media.ErrTooLarge):
		return apperrors.NewAppError(apperrors.CodeValidation, "invalid case image", err)
	default:
		return storageError("failed to store case image", err)
	}
}
