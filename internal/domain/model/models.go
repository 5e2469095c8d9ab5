// Package model defines the core domain types of almapipo: work items with
// hierarchical identifier chains, edit instructions, job runs and the
// attempt records that make up the audit ledger.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Verb represents the remote operation performed against the Alma API.
// It doubles as the ledger partition key.
type Verb string

const (
	VerbGet    Verb = "GET"
	VerbPut    Verb = "PUT"
	VerbDelete Verb = "DELETE"
	VerbPost   Verb = "POST"
)

// String returns the string representation of the Verb.
func (v Verb) String() string {
	return string(v)
}

// IsValid checks whether the Verb is one of the supported operations.
func (v Verb) IsValid() bool {
	switch v {
	case VerbGet, VerbPut, VerbDelete, VerbPost:
		return true
	default:
		return false
	}
}

// ParseVerb converts a string (case-insensitive) into a Verb.
func ParseVerb(s string) (Verb, error) {
	v := Verb(strings.ToUpper(strings.TrimSpace(s)))
	if !v.IsValid() {
		return "", fmt.Errorf("unknown verb %q", s)
	}
	return v, nil
}

// AttemptStatus represents the state of one API attempt in the ledger.
// The lifecycle mirrors the three states a row moves through: a row is
// created as Pending when the attempt is registered, then resolved to
// Success or Failure.
type AttemptStatus string

const (
	StatusPending AttemptStatus = "pending"
	StatusSuccess AttemptStatus = "success"
	StatusFailure AttemptStatus = "failure"
)

// String returns the AttemptStatus as a string.
func (s AttemptStatus) String() string {
	return string(s)
}

// IsResolved checks whether the status is a terminal one.
func (s AttemptStatus) IsResolved() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Mode selects how an edit value is combined with an element's existing text.
type Mode string

const (
	// ModeReplace overwrites the element's prior text content.
	ModeReplace Mode = "replace"
	// ModeAppend concatenates existing text + value, with no separator.
	ModeAppend Mode = "append"
	// ModePrepend concatenates value + existing text, with no separator.
	ModePrepend Mode = "prepend"
)

// ParseMode converts a string (case-insensitive) into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeReplace:
		return ModeReplace, nil
	case ModeAppend:
		return ModeAppend, nil
	case ModePrepend:
		return ModePrepend, nil
	default:
		return "", fmt.Errorf("unknown mutation mode %q", s)
	}
}

// EditInstruction describes one XML-level edit: the element path to locate
// (or create), the value, and the combination mode. Append/Prepend compose
// literally; callers supply their own delimiters.
type EditInstruction struct {
	Path  string
	Value string
	Mode  Mode
}

// WorkItem is one unit of work for the orchestrator: an ordered identifier
// chain from the outermost owning entity (e.g. a bib record) down to the
// target entity (e.g. an item), plus an optional edit instruction.
// Identifiers are immutable once parsed.
type WorkItem struct {
	// Identifiers holds the ownership chain, most specific last.
	Identifiers []string
	// Edit is nil for flows that do not mutate (GET, DELETE).
	Edit *EditInstruction
}

// CompoundID returns the comma-joined identifier chain as used in ledger
// rows and log lines. The join happens only at this boundary; internally the
// chain stays an ordered slice.
func (w WorkItem) CompoundID() string {
	return strings.Join(w.Identifiers, ",")
}

// RecordID returns the innermost identifier, i.e. the ID of the concrete
// record the verb operates on.
func (w WorkItem) RecordID() string {
	if len(w.Identifiers) == 0 {
		return ""
	}
	return w.Identifiers[len(w.Identifiers)-1]
}

// IsValid reports whether the work item carries at least one identifier.
// A WorkItem with an empty identifier chain is invalid.
func (w WorkItem) IsValid() bool {
	if len(w.Identifiers) == 0 {
		return false
	}
	for _, id := range w.Identifiers {
		if id == "" {
			return false
		}
	}
	return true
}

// SourceRow is the raw decomposition of one input line. Kinds come from the
// first header cell split on ",", Values from the first data cell split the
// same way; both sequences are ordered outermost first and must have equal
// length. The last kind determines the concrete record type operated on.
type SourceRow struct {
	Kinds  []string
	Values []string
	// EditPath and EditValue are taken from the edit columns when present.
	EditPath  string
	EditValue string
}

// CompoundID returns the comma-joined identifier values of the row.
func (r SourceRow) CompoundID() string {
	return strings.Join(r.Values, ",")
}

// JobRun identifies a single execution of an entry point. All ledger rows
// and source-file ingestion records of one invocation share it as a
// correlation key. It is created once at entry and threaded explicitly into
// every component that needs it, never kept as package state.
type JobRun struct {
	ID        string
	StartedAt time.Time
}

// NewJobRun creates a JobRun with a fresh UUID and the current UTC time.
func NewJobRun() JobRun {
	return JobRun{
		ID:        uuid.New().String(),
		StartedAt: time.Now().UTC(),
	}
}

// AttemptRecord is one ledger row: the outcome of one verb for one
// identifier within one job run. At most one live record exists per
// (job run, identifier, verb); later attempts upsert in place.
type AttemptRecord struct {
	JobRunID   string
	Identifier string
	Verb       Verb
	Status     AttemptStatus
	// Detail carries error text or a response snippet, empty on success.
	Detail     string
	ObservedAt time.Time
}
