package state

import (
	"github.com/vigia-civic/vigia-api/internal/models"
)

// Cases lists the cases passing filter, newest first
func (s *Store) Cases(filter models.CaseFilter) []models.Case {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Case, 0, len(s.cases))
	for _, c := range s.cases {
		if filter.Matches(c) {
			out = append(out, cloneCase(c))
		}
	}
	return out
}

// Case returns the case with id
func (s *Store) Case(id string) (*models.Case, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := indexOfCase(s.cases, id)
	if idx < 0 {
		return nil, false
	}
	c := cloneCase(s.cases[idx])
	return &c, true
}

// Comments returns the comments on caseID in the order they were written.
// An empty caseID returns every comment.
func (s *Store) Comments(caseID string) []models.Comment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Comment, 0)
	for _, cm := range s.comments {
		if caseID == "" || cm.CaseID == caseID {
			out = append(out, cm)
		}
	}
	return out
}

// CurrentUser returns the logged in lightweight user, or nil
func (s *Store) CurrentUser() *models.CurrentUser {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.currentUser == nil {
		return nil
	}
	u := *s.currentUser
	return &u
}

// Report summarises the cases for the moderation dashboard
func (s *Store) Report() models.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := models.Report{
		TotalCases:  len(s.cases),
		ByStatus:    make(map[models.Status]int, len(models.Statuses)),
		ByPriority:  make(map[models.Priority]int, len(models.Priorities)),
		ByCategory:  make(map[models.Category]int, len(models.Categories)),
		GeneratedAt: s.clock.Now().UTC(),
	}
	for _, st := range models.Statuses {
		r.ByStatus[st] = 0
	}
	for _, p := range models.Priorities {
		r.ByPriority[p] = 0
	}
	for _, cat := range models.Categories {
		r.ByCategory[cat] = 0
	}

	total := 0
	for _, c := range s.cases {
		r.ByStatus[c.Status]++
		r.ByPriority[c.Priority]++
		r.ByCategory[c.Category]++
		if c.IIR != nil {
			r.ScoredCases++
			total += *c.IIR
		}
	}
	if r.ScoredCases > 0 {
		avg := float64(total) / float64(r.ScoredCases)
		r.AvgIIR = &avg
	}
	return r
}
