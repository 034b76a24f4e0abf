package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/rentpay/internal/domain"
	"github.com/kursadbilgin/rentpay/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultReconcileInterval = 30 * time.Second
	defaultReconcileLimit    = 50
)

type statusChecker interface {
	CheckStatus(ctx context.Context, paymentID string) (*domain.PaymentAttempt, error)
}

// PaymentReconciler settles pending payments whose callback never arrived by
// running a status check on every attempt stuck past the pending timeout.
type PaymentReconciler struct {
	payments       repository.PaymentRepository
	checker        statusChecker
	logger         *zap.Logger
	interval       time.Duration
	pendingTimeout time.Duration
	limit          int
	now            func() time.Time
}

func NewPaymentReconciler(
	payments repository.PaymentRepository,
	checker statusChecker,
	interval time.Duration,
	pendingTimeout time.Duration,
	logger *zap.Logger,
) (*PaymentReconciler, error) {
	if payments == nil {
		return nil, fmt.Errorf("payment repository is required")
	}
	if checker == nil {
		return nil, fmt.Errorf("status checker is required")
	}
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	if pendingTimeout <= 0 {
		pendingTimeout = defaultPendingTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PaymentReconciler{
		payments:       payments,
		checker:        checker,
		logger:         logger,
		interval:       interval,
		pendingTimeout: pendingTimeout,
		limit:          defaultReconcileLimit,
		now:            time.Now,
	}, nil
}

func (r *PaymentReconciler) Start(ctx context.Context) error {
	return runEvery(ctx, r.interval, r.logger.Named("reconciler"), r.reconcile)
}

func (r *PaymentReconciler) reconcile(ctx context.Context) error {
	stale, err := r.payments.ListStalePending(ctx, r.now().UTC().Add(-r.pendingTimeout), r.limit)
	if err != nil {
		return fmt.Errorf("failed to list stale pending payments: %w", err)
	}

	for i := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		payment, err := r.checker.CheckStatus(ctx, stale[i].ID)
		if err != nil {
			r.logger.Error("failed to reconcile payment",
				zap.String("paymentId", stale[i].ID),
				zap.Error(err),
			)
			continue
		}
		if payment.Status != domain.PaymentStatusPending {
			r.logger.Info("reconciled stale payment",
				zap.String("paymentId", payment.ID),
				zap.String("status", payment.Status.String()),
			)
		}
	}

	return nil
}
