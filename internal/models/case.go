package models

import (
	"bytes"
	"encoding/json"
	"time"
)

type Category string

const (
	CategoryWater  Category = "water"
	CategoryRoad   Category = "road"
	CategorySewage Category = "sewage"
	CategoryEnergy Category = "energy"
	CategoryOther  Category = "other"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusRejected   Status = "rejected"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Statuses, Priorities and Categories list every value in display order
var (
	Statuses   = []Status{StatusPending, StatusInProgress, StatusResolved, StatusRejected}
	Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}
	Categories = []Category{CategoryWater, CategoryRoad, CategorySewage, CategoryEnergy, CategoryOther}
)

// Location is a point on the map with an optional street address
type Location struct {
	Lat     float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng     float64 `json:"lng" validate:"gte=-180,lte=180"`
	Address string  `json:"address,omitempty"`
}

// Case is a reported civic issue.
// IIR is nil while the relevance score is pending.
type Case struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Category    Category  `json:"category"`
	Status      Status    `json:"status"`
	Priority    Priority  `json:"priority"`
	Location    Location  `json:"location"`
	Image       string    `json:"image,omitempty"`
	IIR         *int      `json:"iir"`
	Supports    int       `json:"supports"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	UserID      string    `json:"userId"`
	UserName    string    `json:"userName"`
}

// CaseInput is what a reporter supplies when opening a case
type CaseInput struct {
	Title       string   `json:"title" validate:"required,max=200"`
	Description string   `json:"description" validate:"max=5000"`
	Category    Category `json:"category" validate:"omitempty,oneof=water road sewage energy other"`
	Status      Status   `json:"status" validate:"omitempty,oneof=pending in_progress resolved rejected"`
	Priority    Priority `json:"priority" validate:"omitempty,oneof=low medium high critical"`
	Location    Location `json:"location"`
	Image       string   `json:"image,omitempty"`
	IIR         *int     `json:"iir,omitempty" validate:"omitempty,min=0,max=100"`
}

// WithDefaults fills the values the reporting form preselects
func (in CaseInput) WithDefaults() CaseInput {
	if in.Category == "" {
		in.Category = CategoryOther
	}
	if in.Status == "" {
		in.Status = StatusPending
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	return in
}

// NullableInt distinguishes an absent JSON field from an explicit null
type NullableInt struct {
	Set   bool
	Value *int `validate:"omitempty,min=0,max=100"`
}

// UnmarshalJSON marks the field as set, accepting null
func (n *NullableInt) UnmarshalJSON(data []byte) error {
	n.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		n.Value = nil
		return nil
	}
	var v int
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	n.Value = &v
	return nil
}

// MarshalJSON renders the value or null
func (n NullableInt) MarshalJSON() ([]byte, error) {
	if n.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*n.Value)
}

// ScoreOf builds a set NullableInt holding v
func ScoreOf(v int) NullableInt {
	return NullableInt{Set: true, Value: &v}
}

// CaseUpdate carries a partial case edit. Identity, authorship, creation time
// and the support counter are not editable.
type CaseUpdate struct {
	Title       *string     `json:"title,omitempty" validate:"omitempty,min=1,max=200"`
	Description *string     `json:"description,omitempty" validate:"omitempty,max=5000"`
	Category    *Category   `json:"category,omitempty" validate:"omitempty,oneof=water road sewage energy other"`
	Status      *Status     `json:"status,omitempty" validate:"omitempty,oneof=pending in_progress resolved rejected"`
	Priority    *Priority   `json:"priority,omitempty" validate:"omitempty,oneof=low medium high critical"`
	Location    *Location   `json:"location,omitempty"`
	Image       *string     `json:"image,omitempty"`
	IIR         NullableInt `json:"iir"`
}

// Apply merges the set fields into c and stamps UpdatedAt
func (upd CaseUpdate) Apply(c *Case, now time.Time) {
	if upd.Title != nil {
		c.Title = *upd.Title
	}
	if upd.Description != nil {
		c.Description = *upd.Description
	}
	if upd.Category != nil {
		c.Category = *upd.Category
	}
	if upd.Status != nil {
		c.Status = *upd.Status
	}
	if upd.Priority != nil {
		c.Priority = *upd.Priority
	}
	if upd.Location != nil {
		c.Location = *upd.Location
	}
	if upd.Image != nil {
		c.Image = *upd.Image
	}
	if upd.IIR.Set {
		if upd.IIR.Value == nil {
			c.IIR = nil
		} else {
			v := *upd.IIR.Value
			c.IIR = &v
		}
	}
	c.UpdatedAt = now
}

// Comment is an append-only remark on a case
type Comment struct {
	ID        string    `json:"id"`
	CaseID    string    `json:"caseId"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// CaseFilter narrows case listings; empty fields match everything
type CaseFilter struct {
	Status   Status   `query:"status"`
	Priority Priority `query:"priority"`
	Category Category `query:"category"`
	UserID   string   `query:"userId"`
}

// Matches reports whether c passes the filter
func (f CaseFilter) Matches(c Case) bool {
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.Priority != "" && c.Priority != f.Priority {
		return false
	}
	if f.Category != "" && c.Category != f.Category {
		return false
	}
	if f.UserID != "" && c.UserID != f.UserID {
		return false
	}
	return true
}

// Report summarises the case collection for moderators
type Report struct {
	TotalCases  int              `json:"totalCases"`
	ByStatus    map[Status]int   `json:"byStatus"`
	ByPriority  map[Priority]int `json:"byPriority"`
	ByCategory  map[Category]int `json:"byCategory"`
	ScoredCases int              `json:"scoredCases"`
	AvgIIR      *float64         `json:"avgIIR"`
	GeneratedAt time.Time        `json:"generatedAt"`
}
