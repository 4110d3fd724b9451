//go:build integration

package postgres_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hellmoyy/futurepilot-ledger/internal/domain/model"
	"github.com/hellmoyy/futurepilot-ledger/internal/store/postgres"
)

// testDB returns a migrated database. It checks the TEST_DB_URL environment
// variable first; if unset, it falls back to a Docker-based ephemeral
// PostgreSQL via testcontainers.
func testDB(t *testing.T) *postgres.DB {
	t.Helper()
	url := os.Getenv("TEST_DB_URL")
	if url != "" {
		db, err := postgres.New(postgres.Config{
			URL:             url,
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: time.Minute,
		})
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		return db
	}
	return setupTestContainer(t)
}

// createUser inserts a user row plus its balance row and returns the user id.
func createUser(t *testing.T, db *postgres.DB, referredBy *uuid.UUID, tier model.Tier, balance string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	suffix := uuid.NewString()[:8]

	var id uuid.UUID
	err := db.QueryRowContext(ctx, `
		INSERT INTO users (email, deposit_address, network_id, referred_by)
		VALUES ($1, $2, 'ethereum-mainnet', $3)
		RETURNING id
	`, "user-"+suffix+"@test.local", "0xaddr"+suffix, referredBy).Scan(&id)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `
		INSERT INTO user_balances (user_id, available_balance, membership_tier)
		VALUES ($1, $2::numeric, $3)
	`, id, balance, tier)
	require.NoError(t, err)
	return id
}

// ---------- TransactionRepo ----------

func TestTransactionRepo_InsertPendingAdmitsExactlyOnce(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewTransactionRepo(db)
	ctx := context.Background()
	chainTxID := "0xtx-" + uuid.NewString()[:8]

	const workers = 10
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := repo.InsertPending(ctx, &model.LedgerTransaction{
				ChainTxID:     chainTxID,
				Type:          model.TxTypeDeposit,
				Amount:        "1000",
				WalletAddress: "0xdest",
				BlockNumber:   42,
				NetworkID:     "ethereum-mainnet",
			})
			if !assert.NoError(t, err) {
				return
			}
			if ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())

	found, err := repo.GetByChainTxID(ctx, chainTxID)
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusPending, found.Status)
}

func TestTransactionRepo_ConfirmTxSingleWinner(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewTransactionRepo(db)
	ctx := context.Background()
	userID := createUser(t, db, nil, model.TierBronze, "0")

	_, id, err := repo.InsertPending(ctx, &model.LedgerTransaction{
		ChainTxID:   "0xtx-" + uuid.NewString()[:8],
		Type:        model.TxTypeDeposit,
		Amount:      "500",
		NetworkID:   "ethereum-mainnet",
		BlockNumber: 7,
	})
	require.NoError(t, err)

	const workers = 5
	var confirmed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := db.BeginTx(ctx, nil)
			if !assert.NoError(t, err) {
				return
			}
			defer tx.Rollback()
			ok, err := repo.ConfirmTx(ctx, tx, id, userID)
			if !assert.NoError(t, err) {
				return
			}
			if ok {
				assert.NoError(t, tx.Commit())
				confirmed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), confirmed.Load())

	found, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusConfirmed, found.Status)
	assert.Equal(t, userID, found.UserID)
}

func TestTransactionRepo_MarkFailedRecordsReason(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewTransactionRepo(db)
	ctx := context.Background()

	_, id, err := repo.InsertPending(ctx, &model.LedgerTransaction{
		ChainTxID: "0xtx-" + uuid.NewString()[:8],
		Type:      model.TxTypeDeposit,
		Amount:    "500",
		NetworkID: "ethereum-mainnet",
	})
	require.NoError(t, err)

	require.NoError(t, repo.MarkFailed(ctx, id, "unknown deposit address"))

	found, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusFailed, found.Status)
	require.NotNil(t, found.FailReason)
	assert.Equal(t, "unknown deposit address", *found.FailReason)
}

// ---------- BalanceRepo ----------

func TestBalanceRepo_DebitNeverOverdraws(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewBalanceRepo(db)
	ctx := context.Background()
	userID := createUser(t, db, nil, model.TierBronze, "100")

	// 10 workers each attempt 5 debits of 20 against a balance of 100.
	// Exactly 5 debits can succeed no matter the interleaving.
	const workers = 10
	const attemptsPerWorker = 5
	var succeeded atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < attemptsPerWorker; j++ {
				tx, err := db.BeginTx(ctx, nil)
				if !assert.NoError(t, err) {
					return
				}
				ok, err := repo.DebitTx(ctx, tx, userID, "20")
				if !assert.NoError(t, err) {
					tx.Rollback()
					return
				}
				if ok {
					assert.NoError(t, tx.Commit())
					succeeded.Add(1)
				} else {
					assert.NoError(t, tx.Rollback())
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), succeeded.Load())

	bal, err := repo.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "0", bal.AvailableBalance)
}

func TestBalanceRepo_CreditDepositAccumulates(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewBalanceRepo(db)
	ctx := context.Background()
	userID := createUser(t, db, nil, model.TierBronze, "0")

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	cumulative, err := repo.CreditDepositTx(ctx, tx, userID, "750")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Equal(t, "750", cumulative)

	tx2, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	cumulative, err = repo.CreditDepositTx(ctx, tx2, userID, "250")
	require.NoError(t, err)
	require.NoError(t, tx2.Commit())
	assert.Equal(t, "1000", cumulative)

	bal, err := repo.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "1000", bal.AvailableBalance)
	assert.Equal(t, "1000", bal.CumulativeDeposit)
}

func TestBalanceRepo_SetTierRespectsPin(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewBalanceRepo(db)
	ctx := context.Background()
	userID := createUser(t, db, nil, model.TierBronze, "0")

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	changed, err := repo.SetTierTx(ctx, tx, userID, model.TierSilver)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.True(t, changed)

	_, err = db.ExecContext(ctx, `UPDATE user_balances SET tier_pinned = true WHERE user_id = $1`, userID)
	require.NoError(t, err)

	tx2, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	changed, err = repo.SetTierTx(ctx, tx2, userID, model.TierGold)
	require.NoError(t, err)
	require.NoError(t, tx2.Commit())
	assert.False(t, changed)

	bal, err := repo.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, model.TierSilver, bal.MembershipTier)
}

// ---------- UserRepo ----------

func TestUserRepo_FindByDepositAddress(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewUserRepo(db)
	ctx := context.Background()
	userID := createUser(t, db, nil, model.TierBronze, "0")

	var addr string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT deposit_address FROM users WHERE id = $1`, userID).Scan(&addr))

	found, err := repo.FindByDepositAddress(ctx, addr, "ethereum-mainnet")
	require.NoError(t, err)
	assert.Equal(t, userID, found.ID)

	_, err = repo.FindByDepositAddress(ctx, addr, "polygon-mainnet")
	assert.ErrorIs(t, err, postgres.ErrNotFound)
}

func TestUserRepo_ReferrerChainWalk(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewUserRepo(db)
	ctx := context.Background()

	// grandparent <- parent <- child, with a great-grandparent past the cap.
	great := createUser(t, db, nil, model.TierPlatinum, "0")
	grand := createUser(t, db, &great, model.TierGold, "0")
	parent := createUser(t, db, &grand, model.TierSilver, "0")
	child := createUser(t, db, &parent, model.TierBronze, "0")

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	chain, err := repo.ReferrerChainTx(ctx, tx, child, 3)
	require.NoError(t, err)
	require.Len(t, chain, 3)

	assert.Equal(t, parent, chain[0].UserID)
	assert.Equal(t, 1, chain[0].Level)
	assert.Equal(t, model.TierSilver, chain[0].Tier)
	assert.Equal(t, grand, chain[1].UserID)
	assert.Equal(t, 2, chain[1].Level)
	assert.Equal(t, great, chain[2].UserID)
	assert.Equal(t, 3, chain[2].Level)

	// Cap below the chain length truncates the walk.
	short, err := repo.ReferrerChainTx(ctx, tx, child, 1)
	require.NoError(t, err)
	require.Len(t, short, 1)
	assert.Equal(t, parent, short[0].UserID)
}

// ---------- RetryRepo ----------

func newRetryRecord(chainTxID string) *model.RetryRecord {
	return &model.RetryRecord{
		SourceType:   model.RetrySourceDeposit,
		ChainTxID:    chainTxID,
		Payload:      json.RawMessage(`{"chain_tx_id":"` + chainTxID + `","amount":"1000"}`),
		MaxAttempts:  5,
		NextRetryAt:  time.Now().Add(-time.Second),
		ErrorHistory: []string{"db timeout"},
	}
}

func TestRetryRepo_EnqueueDeduplicates(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewRetryRepo(db)
	ctx := context.Background()
	chainTxID := "0xretry-" + uuid.NewString()[:8]

	created, err := repo.Enqueue(ctx, newRetryRecord(chainTxID))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.Enqueue(ctx, newRetryRecord(chainTxID))
	require.NoError(t, err)
	assert.False(t, created)
}

func TestRetryRepo_ClaimDueIsExclusive(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewRetryRepo(db)
	ctx := context.Background()

	const records = 8
	for i := 0; i < records; i++ {
		_, err := repo.Enqueue(ctx, newRetryRecord(fmt.Sprintf("0xclaim-%s-%d", uuid.NewString()[:8], i)))
		require.NoError(t, err)
	}

	// Concurrent sweeps must partition the due set, never share a record.
	const sweeps = 4
	claimed := make([][]model.RetryRecord, sweeps)
	var wg sync.WaitGroup
	for i := 0; i < sweeps; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			recs, err := repo.ClaimDue(ctx, time.Now(), records)
			if !assert.NoError(t, err) {
				return
			}
			claimed[i] = recs
		}()
	}
	wg.Wait()

	seen := make(map[uuid.UUID]int)
	for _, batch := range claimed {
		for _, rec := range batch {
			seen[rec.ID]++
			assert.Equal(t, model.RetryStatusRetrying, rec.Status)
		}
	}
	for id, count := range seen {
		assert.Equal(t, 1, count, "record %s claimed more than once", id)
	}
}

func TestRetryRepo_DeadLetterNotifiesExactlyOnce(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewRetryRepo(db)
	ctx := context.Background()

	rec := newRetryRecord("0xdead-" + uuid.NewString()[:8])
	_, err := repo.Enqueue(ctx, rec)
	require.NoError(t, err)

	claimed, err := repo.ClaimByID(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	notify, err := repo.DeadLetter(ctx, rec.ID, 5, "db timeout", "max attempts exhausted")
	require.NoError(t, err)
	assert.True(t, notify)

	// A second transition attempt must not re-trigger the operator alert.
	notify, err = repo.DeadLetter(ctx, rec.ID, 5, "db timeout", "max attempts exhausted")
	require.NoError(t, err)
	assert.False(t, notify)

	found, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RetryStatusDeadLetter, found.Status)
	assert.True(t, found.NotifiedOperator)
	require.NotNil(t, found.DeadLetterReason)
	assert.Equal(t, "max attempts exhausted", *found.DeadLetterReason)
}

func TestRetryRepo_ReplayResetsDeadLetter(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewRetryRepo(db)
	ctx := context.Background()

	rec := newRetryRecord("0xreplay-" + uuid.NewString()[:8])
	_, err := repo.Enqueue(ctx, rec)
	require.NoError(t, err)

	claimed, err := repo.ClaimByID(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	_, err = repo.DeadLetter(ctx, rec.ID, 5, "db timeout", "max attempts exhausted")
	require.NoError(t, err)

	replayed, err := repo.Replay(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RetryStatusPending, replayed.Status)
	assert.Equal(t, 0, replayed.AttemptCount)

	// Replay of a non-dead-letter record is rejected.
	_, err = repo.Replay(ctx, rec.ID)
	assert.ErrorIs(t, err, postgres.ErrNotFound)
}

func TestRetryRepo_RequeueStaleRecoversCrashedClaims(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewRetryRepo(db)
	ctx := context.Background()

	rec := newRetryRecord("0xstale-" + uuid.NewString()[:8])
	_, err := repo.Enqueue(ctx, rec)
	require.NoError(t, err)
	claimed, err := repo.ClaimByID(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	// Simulate a worker that claimed the record and died.
	_, err = db.ExecContext(ctx,
		`UPDATE retry_records SET claimed_at = now() - interval '15 minutes' WHERE id = $1`, rec.ID)
	require.NoError(t, err)

	n, err := repo.RequeueStale(ctx, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	found, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RetryStatusPending, found.Status)
}

func TestRetryRepo_Stats(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewRetryRepo(db)
	ctx := context.Background()

	rec := newRetryRecord("0xstats-" + uuid.NewString()[:8])
	_, err := repo.Enqueue(ctx, rec)
	require.NoError(t, err)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.CountsByStatus[model.RetryStatusPending], 1)

	// Aging follows when the record entered the queue, not the backoff
	// schedule: a record rescheduled far into the future still counts its
	// full time in the queue.
	_, err = db.ExecContext(ctx, `
		UPDATE retry_records
		SET created_at = now() - interval '2 hours', next_retry_at = now() + interval '5 minutes'
		WHERE id = $1
	`, rec.ID)
	require.NoError(t, err)

	stats, err = repo.Stats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.OldestPendingAge, 2*time.Hour)
}

// ---------- CommissionRepo ----------

func TestCommissionRepo_InsertUniquePerSourceAndLevel(t *testing.T) {
	db := testDB(t)
	txRepo := postgres.NewTransactionRepo(db)
	repo := postgres.NewCommissionRepo(db)
	ctx := context.Background()

	beneficiary := createUser(t, db, nil, model.TierGold, "0")
	depositor := createUser(t, db, &beneficiary, model.TierBronze, "0")

	_, sourceID, err := txRepo.InsertPending(ctx, &model.LedgerTransaction{
		ChainTxID: "0xcomm-" + uuid.NewString()[:8],
		Type:      model.TxTypeDeposit,
		Amount:    "1000",
		NetworkID: "ethereum-mainnet",
	})
	require.NoError(t, err)

	entry := &model.CommissionEntry{
		BeneficiaryUserID:   beneficiary,
		SourceUserID:        depositor,
		Level:               1,
		Amount:              "80",
		RateBps:             800,
		SourceTransactionID: sourceID,
		Status:              model.CommissionStatusPending,
	}

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	inserted, err := repo.InsertTx(ctx, tx, entry)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.True(t, inserted)

	// Re-running fan-out for the same (source, level) is a no-op.
	tx2, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	inserted, err = repo.InsertTx(ctx, tx2, entry)
	require.NoError(t, err)
	require.NoError(t, tx2.Commit())
	assert.False(t, inserted)

	entries, err := repo.ListBySource(ctx, sourceID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "80", entries[0].Amount)
	assert.Equal(t, int64(800), entries[0].RateBps)
}

// ---------- CursorRepo ----------

func TestCursorRepo_GetSet(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewCursorRepo(db)
	ctx := context.Background()
	networkID := "testnet-" + uuid.NewString()[:8]

	// Missing cursor reads as zero.
	block, err := repo.Get(ctx, networkID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), block)

	require.NoError(t, repo.Set(ctx, networkID, 1234))
	block, err = repo.Get(ctx, networkID)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), block)

	require.NoError(t, repo.Set(ctx, networkID, 5678))
	block, err = repo.Get(ctx, networkID)
	require.NoError(t, err)
	assert.Equal(t, int64(5678), block)
}
