package signoff

import (
	"context"
	"errors"

	"github.com/looplab/fsm"

	"github.com/dmitrijs2005/remotesettings/internal/common"
	"github.com/dmitrijs2005/remotesettings/internal/server/models"
	"github.com/dmitrijs2005/remotesettings/internal/server/resources"
)

// stateNone stands for a source collection without status.
const stateNone = "none"

var allStates = []string{
	stateNone,
	models.StatusWorkInProgress,
	models.StatusToReview,
	models.StatusToSign,
	models.StatusToResign,
	models.StatusToRollback,
	models.StatusSigned,
}

// transitions is the table of permitted status changes requested by
// callers. Events are named after their target status.
var transitions = fsm.Events{
	{Name: models.StatusWorkInProgress, Src: allStates, Dst: models.StatusWorkInProgress},
	{Name: models.StatusToReview, Src: []string{stateNone, models.StatusWorkInProgress}, Dst: models.StatusToReview},
	{Name: models.StatusToSign, Src: []string{stateNone, models.StatusWorkInProgress, models.StatusToReview, models.StatusSigned}, Dst: models.StatusToSign},
	{Name: models.StatusToResign, Src: allStates, Dst: models.StatusToResign},
	{Name: models.StatusToRollback, Src: []string{models.StatusWorkInProgress, models.StatusToReview}, Dst: models.StatusToRollback},
}

// actor is the caller attempting a transition.
type actor struct {
	userID       string
	hasPrincipal func(string) bool
}

// checkTransition validates a status change of res's source from the
// stored metadata old. It returns common.ErrInvalidTransition,
// common.ErrForbiddenGroup or common.ErrBadRequest.
func checkTransition(ctx context.Context, res *resources.Resource, who actor, old models.Object, from, to string) error {
	if to == models.StatusSigned {
		return common.ErrInvalidTransition.WithMessage("cannot set status to signed")
	}
	if !models.IsValidStatus(to) {
		return common.ErrBadRequest.WithMessagef("invalid status %q", to)
	}
	if from == "" {
		from = stateNone
	}

	var rejected error
	reject := func(e *fsm.Event, err error) {
		rejected = err
		e.Cancel(err)
	}

	inGroup := func(group string) bool {
		if !res.Config.GroupCheckEnabled {
			return true
		}
		return who.hasPrincipal(models.GroupURI(res.Source.Bucket, group))
	}

	machine := fsm.NewFSM(from, transitions, fsm.Callbacks{
		"before_" + models.StatusToReview: func(ctx context.Context, e *fsm.Event) {
			if !inGroup(res.EditorsGroup()) {
				reject(e, common.ErrForbiddenGroup.WithMessagef("not a member of %q", res.EditorsGroup()))
			}
		},
		"before_" + models.StatusToSign: func(ctx context.Context, e *fsm.Event) {
			if !inGroup(res.ReviewersGroup()) {
				reject(e, common.ErrForbiddenGroup.WithMessagef("not a member of %q", res.ReviewersGroup()))
				return
			}
			if !res.Config.ToReviewEnabled {
				return
			}
			if e.Src != models.StatusToReview {
				reject(e, common.ErrInvalidTransition.WithMessage("collection is not under review"))
				return
			}
			if old.String(models.FieldLastReviewRequestBy) == who.userID {
				reject(e, common.ErrInvalidTransition.WithMessage("editor cannot review"))
			}
		},
	})

	err := machine.Event(ctx, to)
	switch {
	case err == nil:
		return nil
	case rejected != nil:
		return rejected
	case errors.As(err, new(fsm.NoTransitionError)):
		return nil
	case errors.As(err, new(fsm.InvalidEventError)):
		return common.ErrInvalidTransition.WithMessagef("cannot change status from %q to %q", displayState(from), to)
	default:
		return err
	}
}

func displayState(s string) string {
	if s == stateNone {
		return ""
	}
	return s
}
