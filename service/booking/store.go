package booking

import (
	"context"
	"errors"
	"time"

	"github.com/fixmate/fixmate-server/cmd/models"
	"gorm.io/gorm"
)

// gormStore implements Store on postgres. Transition writes carry their
// precondition in the WHERE clause, so a lost race surfaces as zero rows
// affected rather than a clobbered record.
type gormStore struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) BookingByID(ctx context.Context, id uint) (*models.Booking, error) {
	var booking models.Booking
	if err := s.db.WithContext(ctx).First(&booking, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrBookingNotFound
		}
		return nil, err
	}
	return &booking, nil
}

func (s *gormStore) CreateBooking(ctx context.Context, booking *models.Booking) error {
	return s.db.WithContext(ctx).Create(booking).Error
}

func (s *gormStore) DeleteBooking(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Delete(&models.Booking{}, id).Error
}

func (s *gormStore) CreatePayment(ctx context.Context, payment *models.Payment) error {
	return s.db.WithContext(ctx).Create(payment).Error
}

func (s *gormStore) CompletedPayment(ctx context.Context, bookingID uint) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.WithContext(ctx).
		Where("booking_id = ? AND status = ?", bookingID, models.PaymentStatusCompleted).
		First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

func (s *gormStore) SaveRefund(ctx context.Context, payment *models.Payment) error {
	return s.db.WithContext(ctx).Model(payment).Updates(map[string]interface{}{
		"refund_status":           payment.RefundStatus,
		"refund_id":               payment.RefundID,
		"refund_amount":           payment.RefundAmount,
		"refund_created_at":       payment.RefundCreatedAt,
		"refund_destination_type": payment.RefundDestinationType,
	}).Error
}

func (s *gormStore) AssignProvider(ctx context.Context, bookingID, providerID uint) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.Booking{}).
		Where("id = ? AND status = ? AND provider_id IS NULL", bookingID, models.BookingStatusPending).
		Update("provider_id", providerID)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *gormStore) MarkStartRequested(ctx context.Context, bookingID uint) error {
	return s.db.WithContext(ctx).Model(&models.Booking{}).
		Where("id = ?", bookingID).
		Update("user_approval_requested", true).Error
}

func (s *gormStore) MarkInProgress(ctx context.Context, bookingID uint) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.Booking{}).
		Where("id = ? AND status = ? AND user_approval_requested = ?",
			bookingID, models.BookingStatusPending, true).
		Update("status", models.BookingStatusInProgress)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *gormStore) CompleteBooking(ctx context.Context, bookingID, actorID uint, at time.Time, earning *models.Earning) (bool, error) {
	completed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Booking{}).
			Where("id = ? AND status = ?", bookingID, models.BookingStatusInProgress).
			Updates(map[string]interface{}{
				"status":       models.BookingStatusCompleted,
				"completed_at": at,
				"completed_by": actorID,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Raced with another completion; leave everything untouched.
			return nil
		}
		if err := tx.Create(earning).Error; err != nil {
			return err
		}
		completed = true
		return nil
	})
	return completed, err
}

func (s *gormStore) CancelBooking(ctx context.Context, bookingID, actorID uint, at time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.Booking{}).
		Where("id = ? AND status = ?", bookingID, models.BookingStatusPending).
		Updates(map[string]interface{}{
			"status":       models.BookingStatusCancelled,
			"cancelled_at": at,
			"cancelled_by": actorID,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
