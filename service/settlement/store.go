package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/fixmate/fixmate-server/cmd/models"
	"gorm.io/gorm"
)

// gormStore implements Store on postgres. Status moves carry their
// precondition in the WHERE clause and balance credits are atomic SQL
// increments, so duplicate trigger deliveries cannot pay twice.
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

func (s *gormStore) UserByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *gormStore) EarningByBookingID(ctx context.Context, bookingID uint) (*models.Earning, error) {
	var earning models.Earning
	err := s.db.WithContext(ctx).Where("booking_id = ?", bookingID).First(&earning).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrEarningNotFound
		}
		return nil, err
	}
	return &earning, nil
}

func (s *gormStore) SettleEarning(ctx context.Context, earningID, providerID uint, amount float64, transferID string, at time.Time) (bool, error) {
	settled := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Earning{}).
			Where("id = ? AND status = ?", earningID, models.EarningStatusPending).
			Updates(map[string]interface{}{
				"status":          models.EarningStatusCompleted,
				"completion_date": at,
				"transfer_id":     transferID,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Settled concurrently; leave the balance alone.
			return nil
		}
		if err := tx.Model(&models.User{}).
			Where("id = ?", providerID).
			Update("available_balance", gorm.Expr("available_balance + ?", amount)).Error; err != nil {
			return err
		}
		settled = true
		return nil
	})
	return settled, err
}

func (s *gormStore) PaymentByIntentID(ctx context.Context, intentID string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.WithContext(ctx).Where("payment_intent_id = ?", intentID).First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

func (s *gormStore) PaymentByRefundID(ctx context.Context, refundID string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.WithContext(ctx).Where("refund_id = ?", refundID).First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

func (s *gormStore) CompletePayment(ctx context.Context, paymentID uint) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status = ?", paymentID, models.PaymentStatusPending).
		Update("status", models.PaymentStatusCompleted)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *gormStore) UpdateRefund(ctx context.Context, payment *models.Payment) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND refund_status NOT IN ?", payment.ID, []models.RefundStatus{
			models.RefundStatusSucceeded,
			models.RefundStatusFailed,
			models.RefundStatusCancelled,
		}).
		Updates(map[string]interface{}{
			"refund_status":           payment.RefundStatus,
			"refund_amount":           payment.RefundAmount,
			"refund_created_at":       payment.RefundCreatedAt,
			"refund_destination_type": payment.RefundDestinationType,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *gormStore) PayoutByID(ctx context.Context, payoutID string) (*models.Payout, error) {
	var payout models.Payout
	err := s.db.WithContext(ctx).Where("payout_id = ?", payoutID).First(&payout).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrPayoutNotFound
		}
		return nil, err
	}
	return &payout, nil
}

func (s *gormStore) FinishPayout(ctx context.Context, payoutID string, status models.PayoutStatus, userID uint, creditAmount float64) (bool, error) {
	finished := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Payout{}).
			Where("payout_id = ? AND status = ?", payoutID, models.PayoutStatusPending).
			Update("status", status)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Finished concurrently; leave the balance alone.
			return nil
		}
		if creditAmount > 0 {
			if err := tx.Model(&models.User{}).
				Where("id = ?", userID).
				Update("available_balance", gorm.Expr("available_balance + ?", creditAmount)).Error; err != nil {
				return err
			}
		}
		finished = true
		return nil
	})
	return finished, err
}

func (s *gormStore) AvailableProviderIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("is_provider = ? AND provider_approved = ? AND is_provider_available = ?", true, true, true).
		Pluck("id", &ids).Error
	return ids, err
}
