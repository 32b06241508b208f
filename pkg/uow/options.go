package uow

import (
	"database/sql"
	"fmt"
)

// ScopeOption decides how Begin relates to the ambient unit of work.
type ScopeOption int

const (
	// Required joins the ambient unit of work or starts a new one.
	Required ScopeOption = iota
	// RequiresNew suspends the ambient unit of work and starts an independent one.
	RequiresNew
	// Suppress runs without coordination. Current returns nil inside it.
	Suppress
)

func (s ScopeOption) String() string {
	switch s {
	case Required:
		return "required"
	case RequiresNew:
		return "requires_new"
	case Suppress:
		return "suppress"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

type State int

const (
	StateActive State = iota
	StateCommitted
	StateRolledBack
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configure Begin and TryBeginPrepared.
type Options struct {
	// Name labels the unit of work in logs.
	Name            string
	Scope           ScopeOption
	IsTransactional bool
	IsolationLevel  sql.IsolationLevel
}

// TxOptions is what a LocalTransactionSource receives when the unit of work
// asks it for a participant.
type TxOptions struct {
	Transactional  bool
	IsolationLevel sql.IsolationLevel
}
