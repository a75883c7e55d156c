package models

import "errors"

var (
	// Booking errors
	ErrBookingNotFound      = errors.New("booking not found")
	ErrBookingNotPending    = errors.New("booking is not pending")
	ErrBookingNotInProgress = errors.New("booking is not in progress")
	ErrAlreadyAccepted      = errors.New("booking has already been accepted")
	ErrBookingUnpaid        = errors.New("payment not completed for this booking")
	ErrStartTimePassed      = errors.New("booking start time has already passed")
	ErrStartNotRequested    = errors.New("provider has not requested to start this booking")
	ErrNotBookingParty      = errors.New("user is not a party to this booking")
	ErrNotAssignedProvider  = errors.New("user is not the provider for this booking")

	// Payment / settlement errors
	ErrPaymentNotFound = errors.New("payment not found")
	ErrEarningNotFound = errors.New("earning not found")
	ErrPayoutNotFound  = errors.New("payout not found")

	// User errors
	ErrUserNotFound = errors.New("user not found")
)
