package model

import (
	"errors"
	"fmt"
	"time"
)

// RecurrenceType is the calendar unit a rule advances by.
type RecurrenceType string

const (
	RecurrenceNone    RecurrenceType = "none"
	RecurrenceDaily   RecurrenceType = "daily"
	RecurrenceWeekly  RecurrenceType = "weekly"
	RecurrenceMonthly RecurrenceType = "monthly"
	RecurrenceYearly  RecurrenceType = "yearly"
)

var ErrInvalidRecurrence = errors.New("invalid recurrence rule")

// RecurrenceRule repeats a task every Interval units of Type.
type RecurrenceRule struct {
	Type           RecurrenceType `json:"type"`
	Interval       int            `json:"interval"`
	EndDate        *time.Time     `json:"endDate,omitempty"`
	MaxOccurrences *int           `json:"maxOccurrences,omitempty"`
}

// Validate rejects rules the calculator cannot advance.
func (r RecurrenceRule) Validate() error {
	switch r.Type {
	case RecurrenceNone, RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly, RecurrenceYearly:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRecurrence, r.Type)
	}
	if r.Type == RecurrenceNone {
		return nil
	}
	if r.Interval < 1 {
		return fmt.Errorf("%w: interval must be at least 1, got %d", ErrInvalidRecurrence, r.Interval)
	}
	if r.MaxOccurrences != nil && *r.MaxOccurrences < 1 {
		return fmt.Errorf("%w: max occurrences must be at least 1, got %d", ErrInvalidRecurrence, *r.MaxOccurrences)
	}
	return nil
}

// Clone returns a deep copy of the rule.
func (r RecurrenceRule) Clone() RecurrenceRule {
	out := r
	if r.EndDate != nil {
		e := *r.EndDate
		out.EndDate = &e
	}
	if r.MaxOccurrences != nil {
		m := *r.MaxOccurrences
		out.MaxOccurrences = &m
	}
	return out
}

// NormalizeRule drops rules of type none so they are never persisted.
func NormalizeRule(r *RecurrenceRule) *RecurrenceRule {
	if r == nil || r.Type == RecurrenceNone || r.Type == "" {
		return nil
	}
	c := r.Clone()
	return &c
}
