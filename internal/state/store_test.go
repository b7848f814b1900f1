package state

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	apperrors "github.com/vigia-civic/vigia-api/pkg/errors"

	"github.com/vigia-civic/vigia-api/internal/kvstore"
	"github.com/vigia-civic/vigia-api/internal/models"
	"github.com/vigia-civic/vigia-api/internal/utils"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 5, 20, 14, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fixture struct {
	store *Store
	kv    *kvstore.MemoryStore
	clock *utils.FakeClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{kv: kvstore.NewMemoryStore(), clock: utils.NewFakeClock(epoch)}
	base := []Option{WithClock(f.clock), WithIDGenerator(utils.NewSequenceGenerator("id"))}
	s, err := Open(context.Background(), f.kv, quietLogger(), append(base, opts...)...)
	require.NoError(t, err)
	f.store = s
	return f
}

func (f *fixture) login(t *testing.T, name string) *models.CurrentUser {
	t.Helper()
	u, err := f.store.Login(context.Background(), name, false)
	require.NoError(t, err)
	return u
}

func (f *fixture) addCase(t *testing.T, title string) *models.Case {
	t.Helper()
	c, err := f.store.AddCase(context.Background(), models.CaseInput{
		Title:    title,
		Category: models.CategoryRoad,
		Priority: models.PriorityHigh,
		Location: models.Location{Lat: -23.55, Lng: -46.63, Address: "Av. Paulista"},
	})
	require.NoError(t, err)
	require.NotNil(t, c)
	return c
}

func (f *fixture) persistedCases(t *testing.T) []models.Case {
	t.Helper()
	var cases []models.Case
	_, err := kvstore.GetJSON(context.Background(), f.kv, kvstore.KeyCases, &cases)
	require.NoError(t, err)
	return cases
}

func (f *fixture) persistedComments(t *testing.T) []models.Comment {
	t.Helper()
	var comments []models.Comment
	_, err := kvstore.GetJSON(context.Background(), f.kv, kvstore.KeyComments, &comments)
	require.NoError(t, err)
	return comments
}

func TestAddCase_WithoutCurrentUserIsNoop(t *testing.T) {
	f := newFixture(t)

	c, err := f.store.AddCase(context.Background(), models.CaseInput{Title: "Broken lamp"})
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Empty(t, f.store.Cases(models.CaseFilter{}))

	_, found, err := f.kv.Get(context.Background(), kvstore.KeyCases)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAddCase_NewestFirst(t *testing.T) {
	f := newFixture(t)
	user := f.login(t, "Ana")

	first := f.addCase(t, "Pothole")
	f.clock.Advance(time.Minute)
	second := f.addCase(t, "Leak")

	assert.Equal(t, user.ID, first.UserID)
	assert.Equal(t, "Ana", first.UserName)
	assert.Equal(t, 0, first.Supports)
	assert.Equal(t, epoch, first.CreatedAt)
	assert.Equal(t, first.CreatedAt, first.UpdatedAt)
	assert.Nil(t, first.IIR, "no scorer means a pending score")
	assert.Equal(t, models.StatusPending, first.Status)

	cases := f.store.Cases(models.CaseFilter{})
	require.Len(t, cases, 2)
	assert.Equal(t, second.ID, cases[0].ID)
	assert.Equal(t, first.ID, cases[1].ID)

	persisted := f.persistedCases(t)
	require.Len(t, persisted, 2)
	assert.Equal(t, second.ID, persisted[0].ID)
}

func TestAddCase_Validation(t *testing.T) {
	f := newFixture(t)
	f.login(t, "Ana")

	tests := []struct {
		name  string
		input models.CaseInput
	}{
		{"missing title", models.CaseInput{}},
		{"unknown category", models.CaseInput{Title: "x", Category: "parks"}},
		{"latitude out of range", models.CaseInput{Title: "x", Location: models.Location{Lat: 91}}},
		{"iir out of range", models.CaseInput{Title: "x", IIR: intPtr(140)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.store.AddCase(context.Background(), tt.input)
			assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
		})
	}
	assert.Empty(t, f.store.Cases(models.CaseFilter{}))
}

func intPtr(v int) *int { return &v }

func TestAddCase_Scorer(t *testing.T) {
	scorer := ScorerFunc(func(_ context.Context, c models.Case) (*int, error) {
		switch c.Title {
		case "fails":
			return nil, errors.New("model offline")
		case "too high":
			return intPtr(300), nil
		}
		return intPtr(64), nil
	})
	f := newFixture(t, WithScorer(scorer))
	f.login(t, "Ana")

	scored := f.addCase(t, "Pothole")
	require.NotNil(t, scored.IIR)
	assert.Equal(t, 64, *scored.IIR)

	assert.Nil(t, f.addCase(t, "fails").IIR)
	assert.Nil(t, f.addCase(t, "too high").IIR)

	// A supplied score is kept as is
	given, err := f.store.AddCase(context.Background(), models.CaseInput{Title: "given", IIR: intPtr(12)})
	require.NoError(t, err)
	assert.Equal(t, 12, *given.IIR)
}

func TestUpdateCase_OnlyTouchesSetFields(t *testing.T) {
	f := newFixture(t)
	f.login(t, "Ana")
	original := f.addCase(t, "Pothole")

	f.clock.Advance(2 * time.Hour)
	resolved := models.StatusResolved
	updated, err := f.store.UpdateCase(context.Background(), original.ID, models.CaseUpdate{Status: &resolved})
	require.NoError(t, err)
	require.NotNil(t, updated)

	expected := *original
	expected.Status = models.StatusResolved
	expected.UpdatedAt = epoch.Add(2 * time.Hour)
	assert.Equal(t, expected, *updated)

	stored, ok := f.store.Case(original.ID)
	require.True(t, ok)
	assert.Equal(t, expected, *stored)
	assert.Equal(t, expected, f.persistedCases(t)[0])
}

func TestUpdateCase_UnknownIDIsNoop(t *testing.T) {
	f := newFixture(t)
	f.login(t, "Ana")
	f.addCase(t, "Pothole")

	title := "Renamed"
	updated, err := f.store.UpdateCase(context.Background(), "missing", models.CaseUpdate{Title: &title})
	require.NoError(t, err)
	assert.Nil(t, updated)
	assert.Equal(t, "Pothole", f.store.Cases(models.CaseFilter{})[0].Title)
}

func TestUpdateCase_ClearsScore(t *testing.T) {
	f := newFixture(t)
	f.login(t, "Ana")
	c, err := f.store.AddCase(context.Background(), models.CaseInput{Title: "Leak", IIR: intPtr(80)})
	require.NoError(t, err)

	updated, err := f.store.UpdateCase(context.Background(), c.ID, models.CaseUpdate{IIR: models.NullableInt{Set: true}})
	require.NoError(t, err)
	assert.Nil(t, updated.IIR)

	bad := models.ScoreOf(101)
	_, err = f.store.UpdateCase(context.Background(), c.ID, models.CaseUpdate{IIR: bad})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
}

func TestDeleteCase_CascadesOwnComments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.login(t, "Ana")
	a := f.addCase(t, "A")
	b := f.addCase(t, "B")

	_, err := f.store.AddComment(ctx, a.ID, "c1")
	require.NoError(t, err)
	c2, err := f.store.AddComment(ctx, b.ID, "c2")
	require.NoError(t, err)

	deleted, err := f.store.DeleteCase(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	cases := f.store.Cases(models.CaseFilter{})
	require.Len(t, cases, 1)
	assert.Equal(t, b.ID, cases[0].ID)

	comments := f.store.Comments("")
	require.Len(t, comments, 1)
	assert.Equal(t, c2.ID, comments[0].ID)

	assert.Len(t, f.persistedCases(t), 1)
	assert.Equal(t, []models.Comment{*c2}, f.persistedComments(t))

	deleted, err = f.store.DeleteCase(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestSupportCase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.login(t, "Ana")
	c := f.addCase(t, "Pothole")

	f.clock.Advance(time.Hour)
	for i := 0; i < 3; i++ {
		_, err := f.store.SupportCase(ctx, c.ID)
		require.NoError(t, err)
	}

	stored, _ := f.store.Case(c.ID)
	assert.Equal(t, 3, stored.Supports)
	assert.Equal(t, c.UpdatedAt, stored.UpdatedAt)
	assert.Equal(t, 3, f.persistedCases(t)[0].Supports)

	missing, err := f.store.SupportCase(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestAddComment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	none, err := f.store.AddComment(ctx, "any", "hello")
	require.NoError(t, err)
	assert.Nil(t, none)

	user := f.login(t, "Ana")
	c := f.addCase(t, "Pothole")

	first, err := f.store.AddComment(ctx, c.ID, "first")
	require.NoError(t, err)
	second, err := f.store.AddComment(ctx, c.ID, "second")
	require.NoError(t, err)
	assert.Equal(t, user.ID, first.UserID)
	assert.Equal(t, "Ana", first.UserName)

	// Comments on unknown cases are accepted
	_, err = f.store.AddComment(ctx, "no-such-case", "orphan")
	require.NoError(t, err)

	comments := f.store.Comments(c.ID)
	require.Len(t, comments, 2)
	assert.Equal(t, first.ID, comments[0].ID)
	assert.Equal(t, second.ID, comments[1].ID)
	assert.Len(t, f.persistedComments(t), 3)
}

func TestLoginLogout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	assert.Nil(t, f.store.CurrentUser())

	admin, err := f.store.Login(ctx, "Admin", true)
	require.NoError(t, err)
	assert.True(t, admin.IsAdmin)
	assert.Equal(t, admin, f.store.CurrentUser())

	var persisted models.CurrentUser
	found, err := kvstore.GetJSON(ctx, f.kv, kvstore.KeyCurrentUser, &persisted)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, *admin, persisted)

	// Login never touches the case collections
	_, found, _ = f.kv.Get(ctx, kvstore.KeyCases)
	assert.False(t, found)

	require.NoError(t, f.store.Logout(ctx))
	assert.Nil(t, f.store.CurrentUser())
	_, found, _ = f.kv.Get(ctx, kvstore.KeyCurrentUser)
	assert.False(t, found)
}

func TestLoginAs_KeepsID(t *testing.T) {
	f := newFixture(t)
	u, err := f.store.LoginAs(context.Background(), models.CurrentUser{ID: "acct-7", Name: "Bruno"})
	require.NoError(t, err)
	assert.Equal(t, "acct-7", u.ID)

	c := f.addCase(t, "Leak")
	assert.Equal(t, "acct-7", c.UserID)
}

func TestOpen_HydratesFromStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.login(t, "Ana")
	c := f.addCase(t, "Pothole")
	_, err := f.store.AddComment(ctx, c.ID, "seen it too")
	require.NoError(t, err)

	reopened, err := Open(ctx, f.kv, quietLogger())
	require.NoError(t, err)

	require.Len(t, reopened.Cases(models.CaseFilter{}), 1)
	assert.Equal(t, c.ID, reopened.Cases(models.CaseFilter{})[0].ID)
	assert.Len(t, reopened.Comments(c.ID), 1)
	require.NotNil(t, reopened.CurrentUser())
	assert.Equal(t, "Ana", reopened.CurrentUser().Name)
}

func TestOpen_UnreadableRecordsStartEmpty(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	require.NoError(t, kv.Set(ctx, kvstore.KeyCases, "[{broken"))
	require.NoError(t, kv.Set(ctx, kvstore.KeyCurrentUser, "nope"))

	s, err := Open(ctx, kv, quietLogger())
	require.NoError(t, err)
	assert.Empty(t, s.Cases(models.CaseFilter{}))
	assert.Nil(t, s.CurrentUser())
}

type failingWrites struct {
	*kvstore.MemoryStore
	failKey string
}

func (f *failingWrites) Set(ctx context.Context, key, value string) error {
	if key == f.failKey {
		return errors.New("disk full")
	}
	return f.MemoryStore.Set(ctx, key, value)
}

func TestFailedWriteLeavesMemoryUnchanged(t *testing.T) {
	ctx := context.Background()
	kv := &failingWrites{MemoryStore: kvstore.NewMemoryStore()}
	s, err := Open(ctx, kv, quietLogger(), WithIDGenerator(utils.NewSequenceGenerator("id")))
	require.NoError(t, err)
	_, err = s.Login(ctx, "Ana", false)
	require.NoError(t, err)
	c, err := s.AddCase(ctx, models.CaseInput{Title: "Pothole"})
	require.NoError(t, err)

	kv.failKey = kvstore.KeyCases
	_, err = s.SupportCase(ctx, c.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeStorageUnavailable))
	stored, _ := s.Case(c.ID)
	assert.Equal(t, 0, stored.Supports)

	_, err = s.AddCase(ctx, models.CaseInput{Title: "Leak"})
	require.Error(t, err)
	assert.Len(t, s.Cases(models.CaseFilter{}), 1)

	kv.failKey = kvstore.KeyComments
	_, err = s.AddComment(ctx, c.ID, "hello")
	require.Error(t, err)
	assert.Empty(t, s.Comments(""))
}

func TestCasesFilter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.login(t, "Ana")
	road := f.addCase(t, "Pothole")
	_, err := f.store.AddCase(ctx, models.CaseInput{Title: "Leak", Category: models.CategoryWater, Priority: models.PriorityLow})
	require.NoError(t, err)

	roads := f.store.Cases(models.CaseFilter{Category: models.CategoryRoad})
	require.Len(t, roads, 1)
	assert.Equal(t, road.ID, roads[0].ID)

	assert.Len(t, f.store.Cases(models.CaseFilter{Priority: models.PriorityLow}), 1)
	assert.Len(t, f.store.Cases(models.CaseFilter{Status: models.StatusPending}), 2)
	assert.Empty(t, f.store.Cases(models.CaseFilter{Status: models.StatusResolved}))
}

func TestReport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	empty := f.store.Report()
	assert.Equal(t, 0, empty.TotalCases)
	assert.Nil(t, empty.AvgIIR)
	assert.Equal(t, 0, empty.ByStatus[models.StatusResolved])
	assert.Len(t, empty.ByStatus, 4)

	f.login(t, "Ana")
	_, err := f.store.AddCase(ctx, models.CaseInput{Title: "a", IIR: intPtr(40), Priority: models.PriorityCritical})
	require.NoError(t, err)
	_, err = f.store.AddCase(ctx, models.CaseInput{Title: "b", IIR: intPtr(90)})
	require.NoError(t, err)
	c, err := f.store.AddCase(ctx, models.CaseInput{Title: "c"})
	require.NoError(t, err)
	resolved := models.StatusResolved
	_, err = f.store.UpdateCase(ctx, c.ID, models.CaseUpdate{Status: &resolved})
	require.NoError(t, err)

	r := f.store.Report()
	assert.Equal(t, 3, r.TotalCases)
	assert.Equal(t, 2, r.ByStatus[models.StatusPending])
	assert.Equal(t, 1, r.ByStatus[models.StatusResolved])
	assert.Equal(t, 1, r.ByPriority[models.PriorityCritical])
	assert.Equal(t, 2, r.ByPriority[models.PriorityMedium])
	assert.Equal(t, 3, r.ByCategory[models.CategoryOther])
	assert.Equal(t, 2, r.ScoredCases)
	require.NotNil(t, r.AvgIIR)
	assert.InDelta(t, 65.0, *r.AvgIIR, 0.001)
	assert.Equal(t, epoch, r.GeneratedAt)
}
