package model

import (
	"time"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusApproved   Status = "APPROVED"
	StatusCheckedOut Status = "CHECKED_OUT"
	StatusReturned   Status = "RETURNED"
	StatusCancelled  Status = "CANCELLED"
)

// Active reports whether the reservation still holds capacity on its book.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusApproved || s == StatusCheckedOut
}

type Book struct {
	ID                  int     `json:"-" db:"id"`
	BookUid             string  `json:"bookUid" db:"book_uid"`
	Name                string  `json:"name" db:"name"`
	Author              string  `json:"author" db:"author"`
	Genre               string  `json:"genre" db:"genre"`
	TotalCopies         int     `json:"totalCopies" db:"total_copies"`
	AvailableCopies     int     `json:"availableCopies" db:"available_copies"`
	IsDigital           bool    `json:"isDigital" db:"is_digital"`
	DigitalFile         *string `json:"digitalFile,omitempty" db:"digital_file"`
	IsLocked            bool    `json:"isLocked" db:"is_locked"`
	MaxReservations     int     `json:"maxReservations" db:"max_reservations"`
	CurrentReservations int     `json:"currentReservations" db:"current_reservations"`
}

// DigitalLendable reports whether the book may be lent digitally at all:
// it must be flagged digital and have a file attached.
func (b Book) DigitalLendable() bool {
	return b.IsDigital && b.DigitalFile != nil && *b.DigitalFile != ""
}

type Reservation struct {
	ID             int        `json:"-" db:"id"`
	ReservationUid string     `json:"reservationUid" db:"reservation_uid"`
	Username       string     `json:"username" db:"username"`
	BookUid        string     `json:"bookUid" db:"book_uid"`
	Status         Status     `json:"status" db:"status"`
	ReservedAt     time.Time  `json:"reservedAt" db:"reserved_at"`
	ApprovedBy     *string    `json:"approvedBy,omitempty" db:"approved_by"`
	ApprovedAt     *time.Time `json:"approvedAt,omitempty" db:"approved_at"`
	DueDate        *time.Time `json:"dueDate,omitempty" db:"due_date"`
	ReturnedAt     *time.Time `json:"returnedAt,omitempty" db:"returned_at"`
	RenewalCount   int        `json:"renewalCount" db:"renewal_count"`
}

type CreateReservationRequest struct {
	BookUid  string `json:"bookUid" validate:"required"`
	UserName string `json:"-" validate:"required"`
}

// TransitionPlan is the outcome of validating one status change: the ledger
// fields to set and the catalog side effects to apply in the same transaction.
type TransitionPlan struct {
	From Status
	To   Status

	ApprovedBy *string
	ApprovedAt *time.Time
	DueDate    *time.Time
	ReturnedAt *time.Time

	// delta on books.current_reservations (digital) / books.available_copies (physical)
	DigitalDelta int
	CopiesDelta  int
	SetLocked    *bool
}

// AccessGrant is the capability descriptor returned by the access gate.
// It carries a file reference only; bytes are served elsewhere.
type AccessGrant struct {
	ReservationUid string    `json:"reservationUid"`
	BookUid        string    `json:"bookUid"`
	DigitalFile    string    `json:"digitalFile"`
	DueDate        time.Time `json:"dueDate"`
}

const (
	EventReservationApproved  = "reservation-approved"
	EventReservationCancelled = "reservation-cancelled"
	EventReservationReturned  = "reservation-returned"
)

type ReservationEvent struct {
	Kind      string     `json:"kind"`
	Username  string     `json:"username"`
	BookTitle string     `json:"bookTitle"`
	DueDate   *time.Time `json:"dueDate,omitempty"`
}

type Paging struct {
	Page          int `json:"page"`
	PageSize      int `json:"pageSize"`
	TotalElements int `json:"totalElements"`
}

type ListBooks struct {
	Paging
	Items []Book `json:"items"`
}
