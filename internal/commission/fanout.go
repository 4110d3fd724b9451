// Package commission computes and records referral commissions when a
// deposit confirms. Fan-out walks the depositor's referral chain up to three
// levels and writes one entry per referrer, inside the deposit's own database
// transaction so commissions and the ledger write commit or roll back
// together.
package commission

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/hellmoyy/futurepilot-ledger/internal/domain/model"
	"github.com/hellmoyy/futurepilot-ledger/internal/metrics"
	"github.com/hellmoyy/futurepilot-ledger/internal/store"
)

type Distributor struct {
	users       store.UserRepository
	commissions store.CommissionRepository
	logger      *slog.Logger
}

func NewDistributor(users store.UserRepository, commissions store.CommissionRepository, logger *slog.Logger) *Distributor {
	return &Distributor{
		users:       users,
		commissions: commissions,
		logger:      logger.With("component", "commission"),
	}
}

// DistributeTx writes commission entries for a confirmed deposit inside tx.
// Each referrer's cut uses the tier persisted for that referrer at the time
// this call runs. Re-running for the same deposit inserts nothing thanks to
// the (source_transaction_id, level) uniqueness constraint.
func (d *Distributor) DistributeTx(ctx context.Context, tx *sql.Tx, depositorID uuid.UUID, sourceTransactionID uuid.UUID, amount string) (int, error) {
	referrers, err := d.users.ReferrerChainTx(ctx, tx, depositorID, model.MaxReferralLevels)
	if err != nil {
		return 0, fmt.Errorf("walk referral chain: %w", err)
	}
	if len(referrers) == 0 {
		return 0, nil
	}

	inserted := 0
	for _, ref := range referrers {
		rateBps := model.CommissionRateBps(ref.Tier, ref.Level)
		if rateBps == 0 {
			continue
		}
		cut := model.CommissionAmount(amount, rateBps)
		if cut == nil {
			return inserted, fmt.Errorf("invalid deposit amount %q", amount)
		}
		if cut.Sign() == 0 {
			// Deposit too small to yield a payable cut at this rate.
			continue
		}

		ok, err := d.commissions.InsertTx(ctx, tx, &model.CommissionEntry{
			BeneficiaryUserID:   ref.UserID,
			SourceUserID:        depositorID,
			Level:               ref.Level,
			Amount:              cut.String(),
			RateBps:             rateBps,
			SourceTransactionID: sourceTransactionID,
			Status:              model.CommissionStatusPending,
		})
		if err != nil {
			return inserted, fmt.Errorf("insert commission level %d: %w", ref.Level, err)
		}
		if !ok {
			d.logger.Debug("commission entry already exists",
				"source_transaction_id", sourceTransactionID,
				"level", ref.Level,
			)
			continue
		}
		inserted++
		metrics.CommissionEntries.WithLabelValues(strconv.Itoa(ref.Level)).Inc()
		d.logger.Info("commission recorded",
			"beneficiary_user_id", ref.UserID,
			"source_user_id", depositorID,
			"level", ref.Level,
			"rate_bps", rateBps,
			"amount", cut.String(),
		)
	}
	return inserted, nil
}
