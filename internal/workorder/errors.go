package workorder

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/shiai-ai/shiai/internal/model"
)

// ErrStaleUpdate signals a progress update that arrived after the order
// left running — the race between cancellation and a lagging in-flight
// provider call. Callers treat it as a stop signal, not a failure.
var ErrStaleUpdate = errors.New("workorder: stale update")

// InvalidTransitionError signals state-machine misuse: the requested
// transition is not valid from the order's current status. Typed and
// catchable; correct callers should never trigger it.
type InvalidTransitionError struct {
	ID   uuid.UUID
	From model.WorkOrderStatus
	Op   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("workorder: invalid transition %s from %s for %s", e.Op, e.From, e.ID)
}

// IsTerminalRace reports whether err is the benign outcome of a terminal
// write racing a cancellation: either a stale update or an invalid
// transition out of an already-terminal state.
func IsTerminalRace(err error) bool {
	if errors.Is(err, ErrStaleUpdate) {
		return true
	}
	var ite *InvalidTransitionError
	return errors.As(err, &ite) && ite.From.Terminal()
}
