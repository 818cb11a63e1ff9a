package service

import (
	"time"

	"github.com/Astemirdum/lending-service/internal/errs"
	"github.com/Astemirdum/lending-service/internal/model"
	"github.com/Astemirdum/lending-service/pkg/auth"
)

// LoanPeriod is the fixed loan window assigned on approval.
const LoanPeriod = 14 * 24 * time.Hour

type actor struct {
	name string
	role auth.Role
}

func lock(v bool) *bool { return &v }

// planTransition is the single place the transition table lives. It validates
// the (from, to) pair and the actor precondition against a current snapshot
// and returns the ledger fields plus catalog side effects to apply atomically.
// Re-applying a transition to a reservation already in the target state is not
// idempotent: the pair is simply absent from the table and is rejected.
func planTransition(res model.Reservation, book model.Book, to model.Status, act actor, now time.Time) (model.TransitionPlan, error) {
	plan := model.TransitionPlan{From: res.Status, To: to}

	switch {
	case res.Status == model.StatusPending && to == model.StatusApproved:
		if !act.role.IsStaff() {
			return model.TransitionPlan{}, errs.ErrForbidden
		}
		due := now.Add(LoanPeriod)
		plan.ApprovedBy = &act.name
		plan.ApprovedAt = &now
		plan.DueDate = &due
		if book.IsDigital {
			plan.SetLocked = lock(false)
		}

	case res.Status == model.StatusPending && to == model.StatusCancelled:
		if !act.role.IsStaff() && act.name != res.Username {
			return model.TransitionPlan{}, errs.ErrForbidden
		}
		plan.DigitalDelta, plan.CopiesDelta = releaseCapacity(book)

	case res.Status == model.StatusApproved && to == model.StatusCheckedOut:
		if !act.role.IsStaff() {
			return model.TransitionPlan{}, errs.ErrForbidden
		}

	case res.Status == model.StatusCheckedOut && to == model.StatusReturned:
		if !act.role.IsStaff() {
			return model.TransitionPlan{}, errs.ErrForbidden
		}
		plan.ReturnedAt = &now
		plan.DigitalDelta, plan.CopiesDelta = releaseCapacity(book)
		if book.IsDigital {
			plan.SetLocked = lock(true)
		}

	default:
		return model.TransitionPlan{}, errs.ErrInvalidTransition
	}

	return plan, nil
}

// releaseCapacity gives back the slot or copy the reservation was holding.
func releaseCapacity(book model.Book) (digitalDelta, copiesDelta int) {
	if book.IsDigital {
		return -1, 0
	}
	return 0, +1
}
