// Package guard decides whether a mutation may proceed on this node.
package guard

import (
	"context"
	"errors"
	"fmt"

	"github.com/repovault/repovault/internal/quorum"
)

// ErrQuorumLost is returned when a database lacks write quorum.
var ErrQuorumLost = errors.New("write quorum lost")

// QuorumError carries the status that failed the check.
type QuorumError struct {
	Status quorum.Status
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("write quorum lost for database %s: %d of %d required members online",
		e.Status.DatabaseName, len(e.Status.OnlineNodes), e.Status.WriteQuorum)
}

// Is makes errors.Is(err, ErrQuorumLost) succeed.
func (e *QuorumError) Is(target error) bool {
	return target == ErrQuorumLost
}

// FreezeState is the part of the freeze coordinator the guard needs.
type FreezeState interface {
	CheckUnfrozen(message string) error
}

// QuorumSource reports write quorum.
type QuorumSource interface {
	GetQuorumStatus(ctx context.Context) (quorum.Status, error)
}

// Guard combines the freeze and quorum checks.
type Guard struct {
	freeze FreezeState
	quorum QuorumSource
}

// New creates a guard. quorumSource may be nil to skip the quorum check.
func New(freezeState FreezeState, quorumSource QuorumSource) *Guard {
	return &Guard{freeze: freezeState, quorum: quorumSource}
}

// CheckWritable fails with freeze.ErrDatabaseFrozen while frozen and with
// ErrQuorumLost when a database lacks write quorum. op names the rejected
// operation in the frozen message.
func (g *Guard) CheckWritable(ctx context.Context, op string) error {
	msg := ""
	if op != "" {
		msg = fmt.Sprintf("Database is frozen, unable to %s", op)
	}
	if err := g.freeze.CheckUnfrozen(msg); err != nil {
		return err
	}
	if g.quorum == nil {
		return nil
	}
	status, err := g.quorum.GetQuorumStatus(ctx)
	if err != nil {
		return fmt.Errorf("check quorum: %w", err)
	}
	if !status.QuorumPresent {
		return &QuorumError{Status: status}
	}
	return nil
}

// CheckUnfrozen lets the guard stand in for the coordinator in components
// that only care about freezing.
func (g *Guard) CheckUnfrozen(message string) error {
	return g.freeze.CheckUnfrozen(message)
}
