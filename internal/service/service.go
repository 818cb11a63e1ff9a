package service

import (
	"context"
	"errors"
	"time"

	"github.com/Astemirdum/lending-service/internal/errs"
	"github.com/Astemirdum/lending-service/internal/model"
	"github.com/Astemirdum/lending-service/internal/repository"
	"github.com/Astemirdum/lending-service/pkg/auth"
	"go.uber.org/zap"
)

const maxRenewals = 2

type Service struct {
	log      *zap.Logger
	repo     repository.Repository
	notifier *Notifier
}

func NewService(repo repository.Repository, notifier *Notifier, log *zap.Logger) *Service {
	return &Service{
		log:      log,
		repo:     repo,
		notifier: notifier,
	}
}

func (s *Service) ListBooks(ctx context.Context, showAll bool, page, size int) (model.ListBooks, error) {
	return s.repo.ListBooks(ctx, showAll, page, size)
}

func (s *Service) GetBook(ctx context.Context, bookUid string) (model.Book, error) {
	return s.repo.GetBook(ctx, bookUid)
}

func (s *Service) GetReservations(ctx context.Context, username string) ([]model.Reservation, error) {
	return s.repo.GetReservations(ctx, username)
}

// CreateReservation admits a new reservation request. Capacity is held
// already at request time, in PENDING: a pending-but-never-approved request
// keeps a copy or slot occupied until it is explicitly cancelled. That is a
// deliberate product policy (prevents oversell between request and staff
// action), not an accident.
func (s *Service) CreateReservation(ctx context.Context, req model.CreateReservationRequest) (model.Reservation, error) {
	book, err := s.repo.GetBook(ctx, req.BookUid)
	if err != nil {
		return model.Reservation{}, err
	}

	// fast-path admission checks on the snapshot; the transaction inside
	// CreateReservation re-validates them authoritatively
	if book.IsDigital {
		if !book.DigitalLendable() {
			return model.Reservation{}, errs.ErrInvalidRequest
		}
		if book.CurrentReservations >= book.MaxReservations {
			return model.Reservation{}, errs.ErrInvalidRequest
		}
	} else if book.AvailableCopies == 0 {
		return model.Reservation{}, errs.ErrInvalidRequest
	}

	res, err := s.repo.CreateReservation(ctx, req.UserName, req.BookUid, book.IsDigital, time.Now().UTC())
	if err != nil {
		// a racer took the last slot between the snapshot and the tx
		if errors.Is(err, errs.ErrCapacity) {
			return model.Reservation{}, errs.ErrInvalidRequest
		}
		return model.Reservation{}, err
	}
	return res, nil
}

func (s *Service) Approve(ctx context.Context, reservationUid string) (model.Reservation, error) {
	res, err := s.transition(ctx, reservationUid, model.StatusApproved)
	if err != nil {
		return model.Reservation{}, err
	}
	s.publish(ctx, model.EventReservationApproved, res)
	return res, nil
}

func (s *Service) Checkout(ctx context.Context, reservationUid string) (model.Reservation, error) {
	return s.transition(ctx, reservationUid, model.StatusCheckedOut)
}

func (s *Service) Return(ctx context.Context, reservationUid string) (model.Reservation, error) {
	res, err := s.transition(ctx, reservationUid, model.StatusReturned)
	if err != nil {
		return model.Reservation{}, err
	}
	s.publish(ctx, model.EventReservationReturned, res)
	return res, nil
}

func (s *Service) Cancel(ctx context.Context, reservationUid string) (model.Reservation, error) {
	res, err := s.transition(ctx, reservationUid, model.StatusCancelled)
	if err != nil {
		return model.Reservation{}, err
	}
	s.publish(ctx, model.EventReservationCancelled, res)
	return res, nil
}

func (s *Service) transition(ctx context.Context, reservationUid string, to model.Status) (model.Reservation, error) {
	res, err := s.repo.GetReservation(ctx, reservationUid)
	if err != nil {
		return model.Reservation{}, err
	}
	book, err := s.repo.GetBook(ctx, res.BookUid)
	if err != nil {
		return model.Reservation{}, err
	}

	act := actor{name: auth.UserName(ctx), role: auth.UserRole(ctx)}
	plan, err := planTransition(res, book, to, act, time.Now().UTC())
	if err != nil {
		return model.Reservation{}, err
	}
	return s.repo.ApplyTransition(ctx, reservationUid, res.BookUid, plan)
}

// Renew extends an active, not yet overdue loan by another loan period,
// at most maxRenewals times. Owner only.
func (s *Service) Renew(ctx context.Context, reservationUid string) (model.Reservation, error) {
	res, err := s.repo.GetReservation(ctx, reservationUid)
	if err != nil {
		return model.Reservation{}, err
	}
	if res.Username != auth.UserName(ctx) {
		return model.Reservation{}, errs.ErrForbidden
	}
	return s.repo.RenewReservation(ctx, reservationUid, LoanPeriod, maxRenewals, time.Now().UTC())
}

// CheckAccess is the single gate for digital content. It re-derives
// eligibility from the current ledger snapshot on every call and performs no
// side effects; nothing about a previous grant is trusted.
func (s *Service) CheckAccess(ctx context.Context, reservationUid string, now time.Time) (model.AccessGrant, error) {
	res, err := s.repo.GetReservation(ctx, reservationUid)
	if err != nil {
		return model.AccessGrant{}, err
	}
	if res.Username != auth.UserName(ctx) {
		return model.AccessGrant{}, errs.ErrForbidden
	}
	if res.Status != model.StatusApproved && res.Status != model.StatusCheckedOut {
		return model.AccessGrant{}, errs.ErrForbidden
	}
	// lazy expiry: overdue loans lose access even if staff never returned them
	if res.DueDate != nil && now.After(*res.DueDate) {
		return model.AccessGrant{}, errs.ErrForbidden
	}

	book, err := s.repo.GetBook(ctx, res.BookUid)
	if err != nil {
		return model.AccessGrant{}, err
	}
	if !book.DigitalLendable() || book.IsLocked {
		return model.AccessGrant{}, errs.ErrForbidden
	}

	grant := model.AccessGrant{
		ReservationUid: res.ReservationUid,
		BookUid:        book.BookUid,
		DigitalFile:    *book.DigitalFile,
	}
	if res.DueDate != nil {
		grant.DueDate = *res.DueDate
	}
	return grant, nil
}

// publish emits a notification event after the transition has committed.
// Delivery is best effort; failures are logged by the notifier and never
// affect the committed transition.
func (s *Service) publish(ctx context.Context, kind string, res model.Reservation) {
	if s.notifier == nil {
		return
	}
	title := res.BookUid
	if book, err := s.repo.GetBook(ctx, res.BookUid); err == nil {
		title = book.Name
	}
	s.notifier.Publish(model.ReservationEvent{
		Kind:      kind,
		Username:  res.Username,
		BookTitle: title,
		DueDate:   res.DueDate,
	})
}
