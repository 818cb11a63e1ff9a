package handler

import (
	"context"
	"time"

	"github.com/Astemirdum/lending-service/internal/model"
	"github.com/Astemirdum/lending-service/internal/service"
)

//go:generate go run github.com/golang/mock/mockgen -source=service.go -destination=mocks/mock.go

type LendingService interface {
	ListBooks(ctx context.Context, showAll bool, page, size int) (model.ListBooks, error)
	GetBook(ctx context.Context, bookUid string) (model.Book, error)
	GetReservations(ctx context.Context, username string) ([]model.Reservation, error)
	CreateReservation(ctx context.Context, req model.CreateReservationRequest) (model.Reservation, error)
	Approve(ctx context.Context, reservationUid string) (model.Reservation, error)
	Checkout(ctx context.Context, reservationUid string) (model.Reservation, error)
	Return(ctx context.Context, reservationUid string) (model.Reservation, error)
	Cancel(ctx context.Context, reservationUid string) (model.Reservation, error)
	Renew(ctx context.Context, reservationUid string) (model.Reservation, error)
	CheckAccess(ctx context.Context, reservationUid string, now time.Time) (model.AccessGrant, error)
}

var _ LendingService = (*service.Service)(nil)
