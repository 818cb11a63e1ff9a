package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Astemirdum/lending-service/internal/errs"
	"github.com/Astemirdum/lending-service/internal/model"
	"github.com/Astemirdum/lending-service/internal/service"
	"github.com/Astemirdum/lending-service/pkg/auth"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRepo keeps books and reservations in memory and enforces the same
// bounds the SQL layer does, so service flows can be exercised without a
// database.
type fakeRepo struct {
	books        map[string]*model.Book
	reservations map[string]*model.Reservation
	seq          int
}

func newFakeRepo(books ...model.Book) *fakeRepo {
	r := &fakeRepo{
		books:        make(map[string]*model.Book),
		reservations: make(map[string]*model.Reservation),
	}
	for i := range books {
		b := books[i]
		r.books[b.BookUid] = &b
	}
	return r
}

func (r *fakeRepo) GetBook(_ context.Context, bookUid string) (model.Book, error) {
	b, ok := r.books[bookUid]
	if !ok {
		return model.Book{}, errs.ErrNotFound
	}
	return *b, nil
}

func (r *fakeRepo) ListBooks(_ context.Context, _ bool, page, size int) (model.ListBooks, error) {
	out := model.ListBooks{Paging: model.Paging{Page: page, PageSize: size}}
	for _, b := range r.books {
		out.Items = append(out.Items, *b)
	}
	out.TotalElements = len(out.Items)
	return out, nil
}

func (r *fakeRepo) GetReservation(_ context.Context, reservationUid string) (model.Reservation, error) {
	res, ok := r.reservations[reservationUid]
	if !ok {
		return model.Reservation{}, errs.ErrNotFound
	}
	return *res, nil
}

func (r *fakeRepo) GetReservations(_ context.Context, username string) ([]model.Reservation, error) {
	var out []model.Reservation
	for _, res := range r.reservations {
		if res.Username == username {
			out = append(out, *res)
		}
	}
	return out, nil
}

func (r *fakeRepo) CreateReservation(_ context.Context, username, bookUid string, isDigital bool, now time.Time) (model.Reservation, error) {
	for _, res := range r.reservations {
		if res.Username == username && res.BookUid == bookUid && res.Status.Active() {
			return model.Reservation{}, errs.ErrConflict
		}
	}
	book := r.books[bookUid]
	if isDigital {
		if book.CurrentReservations+1 > book.MaxReservations {
			return model.Reservation{}, errs.ErrCapacity
		}
		book.CurrentReservations++
	} else {
		if book.AvailableCopies-1 < 0 {
			return model.Reservation{}, errs.ErrCapacity
		}
		book.AvailableCopies--
	}
	r.seq++
	res := &model.Reservation{
		ID:             r.seq,
		ReservationUid: fmt.Sprintf("r%d", r.seq),
		Username:       username,
		BookUid:        bookUid,
		Status:         model.StatusPending,
		ReservedAt:     now,
	}
	r.reservations[res.ReservationUid] = res
	return *res, nil
}

func (r *fakeRepo) ApplyTransition(_ context.Context, reservationUid, bookUid string, plan model.TransitionPlan) (model.Reservation, error) {
	res, ok := r.reservations[reservationUid]
	if !ok || res.Status != plan.From {
		return model.Reservation{}, errs.ErrInvalidTransition
	}
	book := r.books[bookUid]
	if plan.DigitalDelta != 0 {
		next := book.CurrentReservations + plan.DigitalDelta
		if next < 0 || next > book.MaxReservations {
			return model.Reservation{}, errs.ErrCapacity
		}
		book.CurrentReservations = next
	}
	if plan.CopiesDelta != 0 {
		next := book.AvailableCopies + plan.CopiesDelta
		if next < 0 || next > book.TotalCopies {
			return model.Reservation{}, errs.ErrCapacity
		}
		book.AvailableCopies = next
	}
	if plan.SetLocked != nil {
		book.IsLocked = *plan.SetLocked
	}
	res.Status = plan.To
	if plan.ApprovedBy != nil {
		res.ApprovedBy = plan.ApprovedBy
	}
	if plan.ApprovedAt != nil {
		res.ApprovedAt = plan.ApprovedAt
	}
	if plan.DueDate != nil {
		res.DueDate = plan.DueDate
	}
	if plan.ReturnedAt != nil {
		res.ReturnedAt = plan.ReturnedAt
	}
	return *res, nil
}

func (r *fakeRepo) RenewReservation(_ context.Context, reservationUid string, extend time.Duration, maxRenewals int, now time.Time) (model.Reservation, error) {
	res, ok := r.reservations[reservationUid]
	if !ok {
		return model.Reservation{}, errs.ErrInvalidTransition
	}
	if (res.Status != model.StatusApproved && res.Status != model.StatusCheckedOut) ||
		res.DueDate == nil || res.DueDate.Before(now) || res.RenewalCount >= maxRenewals {
		return model.Reservation{}, errs.ErrInvalidTransition
	}
	due := res.DueDate.Add(extend)
	res.DueDate = &due
	res.RenewalCount++
	return *res, nil
}

func strPtr2(s string) *string { return &s }

func digitalBookB1() model.Book {
	return model.Book{
		BookUid:         "b1",
		Name:            "Go in Action",
		IsDigital:       true,
		DigitalFile:     strPtr2("s3://books/go-in-action.epub"),
		IsLocked:        true,
		MaxReservations: 1,
	}
}

func memberCtx(name string) context.Context {
	return auth.SetAuthContext(context.Background(), name, string(auth.RoleMember))
}

func staffCtx(name string) context.Context {
	return auth.SetAuthContext(context.Background(), name, string(auth.RoleLibrarian))
}

func TestDigitalLendingLifecycle(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo(digitalBookB1())
	svc := service.NewService(repo, nil, zap.NewExample())

	// U1 reserves: PENDING, the digital slot is held immediately
	res, err := svc.CreateReservation(memberCtx("u1"), model.CreateReservationRequest{BookUid: "b1", UserName: "u1"})
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, res.Status)
	book, _ := repo.GetBook(context.Background(), "b1")
	require.Equal(t, 1, book.CurrentReservations)

	// capacity exhausted: U2 is refused admission
	_, err = svc.CreateReservation(memberCtx("u2"), model.CreateReservationRequest{BookUid: "b1", UserName: "u2"})
	require.ErrorIs(t, err, errs.ErrInvalidRequest)

	// staff approves: due date assigned, digital lock released
	approved, err := svc.Approve(staffCtx("lib"), res.ReservationUid)
	require.NoError(t, err)
	require.Equal(t, model.StatusApproved, approved.Status)
	require.NotNil(t, approved.DueDate)
	require.WithinDuration(t, time.Now().UTC().Add(service.LoanPeriod), *approved.DueDate, time.Minute)
	book, _ = repo.GetBook(context.Background(), "b1")
	require.False(t, book.IsLocked)

	// owner can read while the loan is live
	grant, err := svc.CheckAccess(memberCtx("u1"), res.ReservationUid, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, "s3://books/go-in-action.epub", grant.DigitalFile)

	// someone else cannot
	_, err = svc.CheckAccess(memberCtx("u2"), res.ReservationUid, time.Now().UTC())
	require.ErrorIs(t, err, errs.ErrForbidden)

	// checkout then return: slot freed, book locked again, access revoked
	_, err = svc.Checkout(staffCtx("lib"), res.ReservationUid)
	require.NoError(t, err)
	returned, err := svc.Return(staffCtx("lib"), res.ReservationUid)
	require.NoError(t, err)
	require.Equal(t, model.StatusReturned, returned.Status)
	require.NotNil(t, returned.ReturnedAt)

	book, _ = repo.GetBook(context.Background(), "b1")
	require.Equal(t, 0, book.CurrentReservations)
	require.True(t, book.IsLocked)

	_, err = svc.CheckAccess(memberCtx("u1"), res.ReservationUid, time.Now().UTC())
	require.ErrorIs(t, err, errs.ErrForbidden)
}

func TestCancelReleasesCapacity(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo(digitalBookB1())
	svc := service.NewService(repo, nil, zap.NewExample())

	res, err := svc.CreateReservation(memberCtx("u1"), model.CreateReservationRequest{BookUid: "b1", UserName: "u1"})
	require.NoError(t, err)

	cancelled, err := svc.Cancel(memberCtx("u1"), res.ReservationUid)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, cancelled.Status)

	book, _ := repo.GetBook(context.Background(), "b1")
	require.Equal(t, 0, book.CurrentReservations)

	// no stale conflict: the same user may reserve the book again
	res2, err := svc.CreateReservation(memberCtx("u1"), model.CreateReservationRequest{BookUid: "b1", UserName: "u1"})
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, res2.Status)
}

func TestDuplicateActiveReservationConflicts(t *testing.T) {
	t.Parallel()
	book := digitalBookB1()
	book.MaxReservations = 2
	repo := newFakeRepo(book)
	svc := service.NewService(repo, nil, zap.NewExample())

	_, err := svc.CreateReservation(memberCtx("u1"), model.CreateReservationRequest{BookUid: "b1", UserName: "u1"})
	require.NoError(t, err)

	// capacity is still free, but one active reservation per (user, book)
	_, err = svc.CreateReservation(memberCtx("u1"), model.CreateReservationRequest{BookUid: "b1", UserName: "u1"})
	require.ErrorIs(t, err, errs.ErrConflict)
}

func TestPhysicalCopyHold(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo(model.Book{BookUid: "b2", Name: "SICP", TotalCopies: 1, AvailableCopies: 1})
	svc := service.NewService(repo, nil, zap.NewExample())

	res, err := svc.CreateReservation(memberCtx("u1"), model.CreateReservationRequest{BookUid: "b2", UserName: "u1"})
	require.NoError(t, err)

	book, _ := repo.GetBook(context.Background(), "b2")
	require.Equal(t, 0, book.AvailableCopies)

	// no copies left for anyone else
	_, err = svc.CreateReservation(memberCtx("u2"), model.CreateReservationRequest{BookUid: "b2", UserName: "u2"})
	require.ErrorIs(t, err, errs.ErrInvalidRequest)

	_, err = svc.Approve(staffCtx("lib"), res.ReservationUid)
	require.NoError(t, err)
	_, err = svc.Checkout(staffCtx("lib"), res.ReservationUid)
	require.NoError(t, err)
	_, err = svc.Return(staffCtx("lib"), res.ReservationUid)
	require.NoError(t, err)

	book, _ = repo.GetBook(context.Background(), "b2")
	require.Equal(t, 1, book.AvailableCopies)
}

func TestAccessRevokedOnExpiry(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo(digitalBookB1())
	svc := service.NewService(repo, nil, zap.NewExample())

	res, err := svc.CreateReservation(memberCtx("u1"), model.CreateReservationRequest{BookUid: "b1", UserName: "u1"})
	require.NoError(t, err)
	_, err = svc.Approve(staffCtx("lib"), res.ReservationUid)
	require.NoError(t, err)
	_, err = svc.Checkout(staffCtx("lib"), res.ReservationUid)
	require.NoError(t, err)

	// still CHECKED_OUT, but past due: access denied without any transition
	past := time.Now().UTC().Add(service.LoanPeriod + time.Hour)
	_, err = svc.CheckAccess(memberCtx("u1"), res.ReservationUid, past)
	require.ErrorIs(t, err, errs.ErrForbidden)

	got, err := repo.GetReservation(context.Background(), res.ReservationUid)
	require.NoError(t, err)
	require.Equal(t, model.StatusCheckedOut, got.Status)
}

func TestIllegalTransitionsLeaveStateUnchanged(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo(digitalBookB1())
	svc := service.NewService(repo, nil, zap.NewExample())

	res, err := svc.CreateReservation(memberCtx("u1"), model.CreateReservationRequest{BookUid: "b1", UserName: "u1"})
	require.NoError(t, err)
	_, err = svc.Approve(staffCtx("lib"), res.ReservationUid)
	require.NoError(t, err)

	// approving twice is not idempotent
	_, err = svc.Approve(staffCtx("lib"), res.ReservationUid)
	require.ErrorIs(t, err, errs.ErrInvalidTransition)

	// returning before checkout is not allowed
	_, err = svc.Return(staffCtx("lib"), res.ReservationUid)
	require.ErrorIs(t, err, errs.ErrInvalidTransition)

	got, _ := repo.GetReservation(context.Background(), res.ReservationUid)
	require.Equal(t, model.StatusApproved, got.Status)
	book, _ := repo.GetBook(context.Background(), "b1")
	require.Equal(t, 1, book.CurrentReservations)
}

func TestRenew(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo(digitalBookB1())
	svc := service.NewService(repo, nil, zap.NewExample())

	res, err := svc.CreateReservation(memberCtx("u1"), model.CreateReservationRequest{BookUid: "b1", UserName: "u1"})
	require.NoError(t, err)
	approved, err := svc.Approve(staffCtx("lib"), res.ReservationUid)
	require.NoError(t, err)

	// only the owner may renew
	_, err = svc.Renew(memberCtx("u2"), res.ReservationUid)
	require.ErrorIs(t, err, errs.ErrForbidden)

	renewed, err := svc.Renew(memberCtx("u1"), res.ReservationUid)
	require.NoError(t, err)
	require.Equal(t, 1, renewed.RenewalCount)
	require.Equal(t, approved.DueDate.Add(service.LoanPeriod), *renewed.DueDate)

	_, err = svc.Renew(memberCtx("u1"), res.ReservationUid)
	require.NoError(t, err)

	// renewal cap reached
	_, err = svc.Renew(memberCtx("u1"), res.ReservationUid)
	require.ErrorIs(t, err, errs.ErrInvalidTransition)
}

func TestCreateReservation_BookChecks(t *testing.T) {
	t.Parallel()
	notLendable := model.Book{BookUid: "b3", Name: "No File", IsDigital: true, MaxReservations: 5}
	repo := newFakeRepo(notLendable)
	svc := service.NewService(repo, nil, zap.NewExample())

	// digital book without a file is not digital-lendable
	_, err := svc.CreateReservation(memberCtx("u1"), model.CreateReservationRequest{BookUid: "b3", UserName: "u1"})
	require.ErrorIs(t, err, errs.ErrInvalidRequest)

	_, err = svc.CreateReservation(memberCtx("u1"), model.CreateReservationRequest{BookUid: "missing", UserName: "u1"})
	require.ErrorIs(t, err, errs.ErrNotFound)
}
