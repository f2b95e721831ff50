// Package proposal models enhancement proposals raised when the same failure
// keeps recurring across unrelated units of work. Only humans move them forward.
package proposal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	Pending     Status = "pending"
	Approved    Status = "approved"
	Rejected    Status = "rejected"
	Implemented Status = "implemented"
)

var (
	ErrNotFound          = errors.New("proposal not found")
	ErrActorRequired     = errors.New("a human actor is required to decide a proposal")
	ErrInvalidTransition = errors.New("invalid proposal transition")
)

// Proposal is a suggested change to tooling, prompts or process.
type Proposal struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Title          string    `json:"title"`
	Rationale      string    `json:"rationale"`
	ProposedAction string    `json:"proposed_action"`
	Signature      string    `json:"signature,omitempty"`
	Status         Status    `json:"status"`
	DecidedBy      string    `json:"decided_by,omitempty"`
	Note           string    `json:"note,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// New returns a pending proposal.
func New(typ, title, rationale, proposedAction, signature string, now time.Time) Proposal {
	return Proposal{
		ID:             uuid.NewString(),
		Type:           typ,
		Title:          title,
		Rationale:      rationale,
		ProposedAction: proposedAction,
		Signature:      signature,
		Status:         Pending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

var allowed = map[Status][]Status{
	Pending:  {Approved, Rejected},
	Approved: {Implemented},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves p to status to on behalf of actor.
func (p *Proposal) Transition(to Status, actor, note string, now time.Time) error {
	if strings.TrimSpace(actor) == "" {
		return ErrActorRequired
	}
	if !CanTransition(p.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, to)
	}
	p.Status = to
	p.DecidedBy = actor
	p.Note = note
	p.UpdatedAt = now
	return nil
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case Pending, Approved, Rejected, Implemented:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown proposal status %q", s)
}

// Store persists proposals.
type Store interface {
	SaveProposal(ctx context.Context, p Proposal) error
	GetProposal(ctx context.Context, id string) (Proposal, error)
	ListProposals(ctx context.Context, status Status) ([]Proposal, error)
}

// Decide loads, transitions and saves a proposal.
func Decide(ctx context.Context, st Store, id string, to Status, actor, note string, now time.Time) (Proposal, error) {
	p, err := st.GetProposal(ctx, id)
	if err != nil {
		return Proposal{}, err
	}
	if err := p.Transition(to, actor, note, now); err != nil {
		return Proposal{}, err
	}
	if err := st.SaveProposal(ctx, p); err != nil {
		return Proposal{}, fmt.Errorf("save proposal: %w", err)
	}
	return p, nil
}
