package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Astemirdum/lending-service/internal/errs"
	"github.com/Astemirdum/lending-service/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

type Repository interface {
	GetBook(ctx context.Context, bookUid string) (model.Book, error)
	ListBooks(ctx context.Context, showAll bool, page, size int) (model.ListBooks, error)
	GetReservation(ctx context.Context, reservationUid string) (model.Reservation, error)
	GetReservations(ctx context.Context, username string) ([]model.Reservation, error)
	CreateReservation(ctx context.Context, username, bookUid string, isDigital bool, now time.Time) (model.Reservation, error)
	ApplyTransition(ctx context.Context, reservationUid, bookUid string, plan model.TransitionPlan) (model.Reservation, error)
	RenewReservation(ctx context.Context, reservationUid string, extend time.Duration, maxRenewals int, now time.Time) (model.Reservation, error)
}

type repository struct {
	db  *sqlx.DB
	log *zap.Logger
}

func NewRepository(db *sqlx.DB, log *zap.Logger) (*repository, error) {
	return &repository{
		db:  db,
		log: log.Named("repo"),
	}, nil
}

const (
	booksTableName       = `books`
	reservationTableName = `reservations`

	// bounded retries for store-level serialization conflicts
	txRetries = 3
)

var qb = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var bookColumns = []string{
	"id", "book_uid", "name", "author", "genre",
	"total_copies", "available_copies",
	"is_digital", "digital_file", "is_locked",
	"max_reservations", "current_reservations",
}

var reservationColumns = []string{
	"id", "reservation_uid", "username", "book_uid", "status",
	"reserved_at", "approved_by", "approved_at", "due_date", "returned_at",
	"renewal_count",
}

func (r *repository) GetBook(ctx context.Context, bookUid string) (model.Book, error) {
	query, args, err := qb.Select(bookColumns...).
		From(booksTableName).
		Where(sq.Eq{"book_uid": bookUid}).
		Limit(1).
		ToSql()
	if err != nil {
		return model.Book{}, err
	}
	var book model.Book
	if err := r.db.GetContext(ctx, &book, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Book{}, errs.ErrNotFound
		}
		return model.Book{}, err
	}
	return book, nil
}

func (r *repository) ListBooks(ctx context.Context, showAll bool, page, size int) (model.ListBooks, error) {
	q := qb.Select(bookColumns...).
		From(booksTableName).
		OrderBy("id")

	if !showAll {
		q = q.Where(sq.Or{
			sq.Gt{"available_copies": 0},
			sq.Expr("is_digital and current_reservations < max_reservations"),
		})
	}
	if page != 0 && size != 0 {
		q = q.Limit(uint64(size)).Offset(uint64((page - 1) * size))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return model.ListBooks{}, err
	}
	r.log.Debug("ListBooks", zap.String("query", query), zap.Any("args", args))

	var books []model.Book
	if err := r.db.SelectContext(ctx, &books, query, args...); err != nil {
		return model.ListBooks{}, err
	}

	return model.ListBooks{
		Paging: model.Paging{
			Page:          page,
			PageSize:      size,
			TotalElements: len(books),
		},
		Items: books,
	}, nil
}

func (r *repository) GetReservation(ctx context.Context, reservationUid string) (model.Reservation, error) {
	query, args, err := qb.Select(reservationColumns...).
		From(reservationTableName).
		Where(sq.Eq{"reservation_uid": reservationUid}).
		Limit(1).
		ToSql()
	if err != nil {
		return model.Reservation{}, err
	}
	var res model.Reservation
	if err := r.db.GetContext(ctx, &res, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Reservation{}, errs.ErrNotFound
		}
		return model.Reservation{}, err
	}
	return res, nil
}

func (r *repository) GetReservations(ctx context.Context, username string) ([]model.Reservation, error) {
	query, args, err := qb.Select(reservationColumns...).
		From(reservationTableName).
		Where(sq.Eq{"username": username}).
		OrderBy("reserved_at desc").
		ToSql()
	if err != nil {
		return nil, err
	}
	var items []model.Reservation
	if err := r.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, err
	}
	return items, nil
}

// CreateReservation admits one reservation atomically: the duplicate check,
// the capacity hold and the PENDING insert run in a single serializable
// transaction, so two racing requests for the last slot cannot both commit.
func (r *repository) CreateReservation(ctx context.Context, username, bookUid string, isDigital bool, now time.Time) (model.Reservation, error) {
	var res model.Reservation
	err := r.withTxRetry(ctx, func(tx *sqlx.Tx) error {
		var active bool
		q := `select exists (
			select 1 from reservations
			where username = $1 and book_uid = $2
			  and status in ('PENDING', 'APPROVED', 'CHECKED_OUT'))`
		if err := tx.QueryRowContext(ctx, q, username, bookUid).Scan(&active); err != nil {
			return err
		}
		if active {
			return errs.ErrConflict
		}

		if isDigital {
			if err := adjustDigitalSlot(ctx, tx, bookUid, +1); err != nil {
				return err
			}
		} else {
			if err := adjustPhysicalCopies(ctx, tx, bookUid, -1); err != nil {
				return err
			}
		}

		query, args, err := qb.Insert(reservationTableName).
			Columns("reservation_uid", "username", "book_uid", "status", "reserved_at").
			Values(uuid.New(), username, bookUid, model.StatusPending, now).
			Suffix("returning " + columnList(reservationColumns)).
			ToSql()
		if err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &res, query, args...); err != nil {
			r.log.Error("CreateReservation", zap.String("q", query), zap.Any("args", args))
			return err
		}
		return nil
	})
	if err != nil {
		return model.Reservation{}, err
	}
	return res, nil
}

// ApplyTransition performs one ledger status change and its catalog side
// effects as a unit. The status update is conditional on the expected source
// status, so a transition raced by another writer fails instead of applying
// twice.
func (r *repository) ApplyTransition(ctx context.Context, reservationUid, bookUid string, plan model.TransitionPlan) (model.Reservation, error) {
	var res model.Reservation
	err := r.withTxRetry(ctx, func(tx *sqlx.Tx) error {
		upd := qb.Update(reservationTableName).
			Set("status", plan.To).
			Where(sq.Eq{"reservation_uid": reservationUid, "status": plan.From}).
			Suffix("returning " + columnList(reservationColumns))
		if plan.ApprovedBy != nil {
			upd = upd.Set("approved_by", *plan.ApprovedBy)
		}
		if plan.ApprovedAt != nil {
			upd = upd.Set("approved_at", *plan.ApprovedAt)
		}
		if plan.DueDate != nil {
			upd = upd.Set("due_date", *plan.DueDate)
		}
		if plan.ReturnedAt != nil {
			upd = upd.Set("returned_at", *plan.ReturnedAt)
		}
		query, args, err := upd.ToSql()
		if err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &res, query, args...); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errs.ErrInvalidTransition
			}
			return err
		}

		if plan.DigitalDelta != 0 {
			if err := adjustDigitalSlot(ctx, tx, bookUid, plan.DigitalDelta); err != nil {
				return err
			}
		}
		if plan.CopiesDelta != 0 {
			if err := adjustPhysicalCopies(ctx, tx, bookUid, plan.CopiesDelta); err != nil {
				return err
			}
		}
		if plan.SetLocked != nil {
			if err := setLocked(ctx, tx, bookUid, *plan.SetLocked); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.Reservation{}, err
	}
	return res, nil
}

// RenewReservation extends the loan in one conditional update; a reservation
// that is not active, already overdue or out of renewals matches no row.
func (r *repository) RenewReservation(ctx context.Context, reservationUid string, extend time.Duration, maxRenewals int, now time.Time) (model.Reservation, error) {
	q := `update reservations
	set due_date = due_date + make_interval(hours => $2),
	    renewal_count = renewal_count + 1
	where reservation_uid = $1
	  and status in ('APPROVED', 'CHECKED_OUT')
	  and due_date >= $3
	  and renewal_count < $4
	returning ` + columnList(reservationColumns)

	var res model.Reservation
	err := r.db.GetContext(ctx, &res, q, reservationUid, int(extend.Hours()), now, maxRenewals)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Reservation{}, errs.ErrInvalidTransition
		}
		return model.Reservation{}, err
	}
	return res, nil
}

// adjustDigitalSlot moves books.current_reservations by delta; the bounds
// check is part of the statement, out-of-range adjustments match no row.
func adjustDigitalSlot(ctx context.Context, tx *sqlx.Tx, bookUid string, delta int) error {
	q := `update books
	set current_reservations = current_reservations + $2
	where book_uid = $1
	  and current_reservations + $2 between 0 and max_reservations`
	return applyAdjustment(ctx, tx, q, bookUid, delta)
}

// adjustPhysicalCopies moves books.available_copies by delta within
// [0, total_copies].
func adjustPhysicalCopies(ctx context.Context, tx *sqlx.Tx, bookUid string, delta int) error {
	q := `update books
	set available_copies = available_copies + $2
	where book_uid = $1
	  and available_copies + $2 between 0 and total_copies`
	return applyAdjustment(ctx, tx, q, bookUid, delta)
}

func applyAdjustment(ctx context.Context, tx *sqlx.Tx, q, bookUid string, delta int) error {
	result, err := tx.ExecContext(ctx, q, bookUid, delta)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.ErrCapacity
	}
	return nil
}

func setLocked(ctx context.Context, tx *sqlx.Tx, bookUid string, locked bool) error {
	_, err := tx.ExecContext(ctx, `update books set is_locked = $2 where book_uid = $1`, bookUid, locked)
	return err
}

// withTxRetry runs fn in a serializable transaction, retrying a bounded
// number of times on store serialization conflicts before giving up with
// ErrConflict. Business errors pass through untouched.
func (r *repository) withTxRetry(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	var err error
	for attempt := 0; attempt < txRetries; attempt++ {
		err = r.withTx(ctx, fn)
		if !isRetryable(err) {
			return translatePgErr(err)
		}
		r.log.Warn("tx serialization conflict, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return errs.ErrConflict
}

func (r *repository) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.log.Error("tx rollback", zap.Error(rbErr))
		}
		return err
	}
	return tx.Commit()
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure ||
			pgErr.Code == pgerrcode.DeadlockDetected
	}
	return false
}

// translatePgErr maps the partial unique index on active reservations to the
// duplicate-reservation conflict. It backs up the in-tx existence check.
func translatePgErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return errs.ErrConflict
	}
	return err
}

func columnList(cols []string) string {
	out := cols[0]
	for _, c := range cols[1:] {
		out += ", " + c
	}
	return out
}
