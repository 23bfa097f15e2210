package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/neirospace/token-engine/internal/model"
	"github.com/neirospace/token-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// seedRound creates a round directly in the store.
func seedRound(t *testing.T, ms *store.MemoryStore, number, supply, sold int, price float64) {
	t.Helper()
	r, err := ms.CreateRound(context.Background(), model.Round{
		RoundNumber: number,
		Supply:      supply,
		Price:       d(price),
		SoldTokens:  sold,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed round: %v", err)
	}
	if r.RoundNumber != number {
		t.Fatalf("seeded round has number %d, want %d", r.RoundNumber, number)
	}
}

// seedOrder creates an awaiting order directly in the store.
func seedOrder(t *testing.T, ms *store.MemoryStore, orderID, userID string, tokens, round int) {
	t.Helper()
	err := ms.CreateOrder(context.Background(), &model.PurchaseOrder{
		OrderID:     orderID,
		UserID:      userID,
		TokenAmount: tokens,
		Price:       d(1.00),
		TotalUSD:    d(float64(tokens)),
		BTCAmount:   d(0.002),
		BTCUSDRate:  d(50000),
		RoundNumber: round,
		Status:      model.StatusAwaitingPayment,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed order: %v", err)
	}
}

func TestCreateRound_Idempotent(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	seedRound(t, ms, 1, 100, 0, 1.00)

	// Re-creating round 1 (e.g. replay after a crash mid-rollover) is a
	// no-op that returns the stored row.
	stored, err := ms.CreateRound(ctx, model.Round{
		RoundNumber: 1,
		Supply:      999,
		Price:       d(9.99),
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("re-create failed: %v", err)
	}
	if stored.Supply != 100 {
		t.Errorf("expected existing supply 100, got %d", stored.Supply)
	}
	if !stored.Price.Equal(d(1.00)) {
		t.Errorf("expected existing price 1.00, got %s", stored.Price)
	}
}

func TestGetLatestRound(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	if _, err := ms.GetLatestRound(ctx); !errors.Is(err, store.ErrRoundNotFound) {
		t.Errorf("expected ErrRoundNotFound on empty store, got %v", err)
	}

	seedRound(t, ms, 1, 100, 100, 1.00)
	seedRound(t, ms, 2, 300, 0, 1.25)

	latest, err := ms.GetLatestRound(ctx)
	if err != nil {
		t.Fatalf("get latest failed: %v", err)
	}
	if latest.RoundNumber != 2 {
		t.Errorf("expected round 2, got %d", latest.RoundNumber)
	}
}

func TestIncrementSold_CapacityGuard(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedRound(t, ms, 1, 100, 0, 1.00)

	if err := ms.IncrementSold(ctx, 1, 60); err != nil {
		t.Fatalf("increment failed: %v", err)
	}

	// 50 more would exceed the supply of 100.
	if err := ms.IncrementSold(ctx, 1, 50); !errors.Is(err, store.ErrCapacityExceeded) {
		t.Errorf("expected ErrCapacityExceeded, got %v", err)
	}

	r, _ := ms.GetRound(ctx, 1)
	if r.SoldTokens != 60 {
		t.Errorf("failed increment must not move the counter: got %d", r.SoldTokens)
	}

	// Exactly the remaining capacity is allowed.
	if err := ms.IncrementSold(ctx, 1, 40); err != nil {
		t.Fatalf("increment to exact capacity failed: %v", err)
	}
	r, _ = ms.GetRound(ctx, 1)
	if r.SoldTokens != 100 {
		t.Errorf("expected sold 100, got %d", r.SoldTokens)
	}
}

func TestApplyCredit(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedRound(t, ms, 1, 100, 0, 1.00)
	seedOrder(t, ms, "order-1", "user1", 10, 1)

	res, err := ms.ApplyCredit(ctx, "order-1")
	if err != nil {
		t.Fatalf("apply credit failed: %v", err)
	}
	if res.AlreadyApplied {
		t.Fatal("first credit should not be already applied")
	}
	if res.NewBalance != 10 {
		t.Errorf("expected balance 10, got %d", res.NewBalance)
	}

	order, _ := ms.GetOrder(ctx, "order-1")
	if order.Status != model.StatusConfirmed {
		t.Errorf("expected confirmed, got %s", order.Status)
	}
	if order.ConfirmedAt == nil {
		t.Error("expected confirmed_at to be stamped")
	}

	r, _ := ms.GetRound(ctx, 1)
	if r.SoldTokens != 10 {
		t.Errorf("expected sold 10, got %d", r.SoldTokens)
	}

	wallet, _ := ms.GetWallet(ctx, "user1")
	if wallet.TokenBalance != 10 {
		t.Errorf("expected wallet balance 10, got %d", wallet.TokenBalance)
	}
	if len(wallet.AppliedOrders) != 1 || wallet.AppliedOrders[0] != "order-1" {
		t.Errorf("expected applied order order-1, got %v", wallet.AppliedOrders)
	}

	entries, _ := ms.GetLedgerEntriesByUser(ctx, "user1")
	if len(entries) != 1 || entries[0].Kind != model.KindPurchase {
		t.Fatalf("expected one purchase ledger entry, got %v", entries)
	}
}

func TestApplyCredit_SecondCallIsBenign(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedRound(t, ms, 1, 100, 0, 1.00)
	seedOrder(t, ms, "order-1", "user1", 10, 1)

	if _, err := ms.ApplyCredit(ctx, "order-1"); err != nil {
		t.Fatalf("first credit failed: %v", err)
	}

	res, err := ms.ApplyCredit(ctx, "order-1")
	if err != nil {
		t.Fatalf("second credit errored: %v", err)
	}
	if !res.AlreadyApplied {
		t.Error("second credit should report already applied")
	}

	wallet, _ := ms.GetWallet(ctx, "user1")
	if wallet.TokenBalance != 10 {
		t.Errorf("balance credited twice: got %d", wallet.TokenBalance)
	}
	r, _ := ms.GetRound(ctx, 1)
	if r.SoldTokens != 10 {
		t.Errorf("sold counter moved twice: got %d", r.SoldTokens)
	}
}

func TestApplyCredit_Concurrent(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedRound(t, ms, 1, 100, 0, 1.00)
	seedOrder(t, ms, "order-1", "user1", 10, 1)

	const goroutines = 16
	var wg sync.WaitGroup
	credited := make(chan bool, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ms.ApplyCredit(ctx, "order-1")
			if err != nil {
				t.Errorf("apply credit failed: %v", err)
				return
			}
			credited <- !res.AlreadyApplied
		}()
	}
	wg.Wait()
	close(credited)

	wins := 0
	for c := range credited {
		if c {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one winning credit, got %d", wins)
	}

	wallet, _ := ms.GetWallet(ctx, "user1")
	if wallet.TokenBalance != 10 {
		t.Errorf("expected balance 10, got %d", wallet.TokenBalance)
	}
	r, _ := ms.GetRound(ctx, 1)
	if r.SoldTokens != 10 {
		t.Errorf("expected sold 10, got %d", r.SoldTokens)
	}
}

func TestApplyCredit_UnknownOrder(t *testing.T) {
	ms := store.NewMemoryStore()

	if _, err := ms.ApplyCredit(context.Background(), "nope"); !errors.Is(err, store.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestApplyCredit_CapacityExceededLeavesOrderAwaiting(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	// Order was created with room, but the round filled up before the
	// payment arrived.
	seedRound(t, ms, 1, 100, 95, 1.00)
	seedOrder(t, ms, "order-1", "user1", 10, 1)

	if _, err := ms.ApplyCredit(ctx, "order-1"); !errors.Is(err, store.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}

	// Nothing moved: order stays awaiting, wallet untouched.
	order, _ := ms.GetOrder(ctx, "order-1")
	if order.Status != model.StatusAwaitingPayment {
		t.Errorf("order must stay awaiting, got %s", order.Status)
	}
	wallet, _ := ms.GetWallet(ctx, "user1")
	if wallet.TokenBalance != 0 {
		t.Errorf("wallet must stay empty, got %d", wallet.TokenBalance)
	}
	r, _ := ms.GetRound(ctx, 1)
	if r.SoldTokens != 95 {
		t.Errorf("sold counter must not move, got %d", r.SoldTokens)
	}
}

func TestDebitWallet(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedRound(t, ms, 1, 100, 0, 1.00)
	seedOrder(t, ms, "order-1", "user1", 50, 1)
	if _, err := ms.ApplyCredit(ctx, "order-1"); err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	newBalance, err := ms.DebitWallet(ctx, "user1", 20, d(1.25), d(25.00))
	if err != nil {
		t.Fatalf("debit failed: %v", err)
	}
	if newBalance != 30 {
		t.Errorf("expected balance 30, got %d", newBalance)
	}

	sells := ms.SellRecords()
	if len(sells) != 1 {
		t.Fatalf("expected one sell record, got %d", len(sells))
	}
	if sells[0].TokenAmount != 20 || !sells[0].TotalUSD.Equal(d(25.00)) {
		t.Errorf("unexpected sell record %+v", sells[0])
	}

	entries, _ := ms.GetLedgerEntriesByUser(ctx, "user1")
	if len(entries) != 2 {
		t.Fatalf("expected purchase + sell ledger entries, got %d", len(entries))
	}
	if entries[1].Kind != model.KindSell {
		t.Errorf("expected sell entry, got %s", entries[1].Kind)
	}
}

func TestDebitWallet_Insufficient(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	// No wallet at all.
	if _, err := ms.DebitWallet(ctx, "ghost", 1, d(1.00), d(1.00)); !errors.Is(err, store.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}

	seedRound(t, ms, 1, 100, 0, 1.00)
	seedOrder(t, ms, "order-1", "user1", 10, 1)
	ms.ApplyCredit(ctx, "order-1")

	if _, err := ms.DebitWallet(ctx, "user1", 11, d(1.00), d(11.00)); !errors.Is(err, store.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
	wallet, _ := ms.GetWallet(ctx, "user1")
	if wallet.TokenBalance != 10 {
		t.Errorf("failed debit must not move the balance: got %d", wallet.TokenBalance)
	}
}

func TestListAwaitingOrders_CreationOrder(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedRound(t, ms, 1, 100, 0, 1.00)

	base := time.Now().UTC()
	for i, id := range []string{"c", "a", "b"} {
		err := ms.CreateOrder(ctx, &model.PurchaseOrder{
			OrderID:     id,
			UserID:      "user1",
			TokenAmount: 1,
			Price:       d(1.00),
			TotalUSD:    d(1.00),
			RoundNumber: 1,
			Status:      model.StatusAwaitingPayment,
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("create order %s: %v", id, err)
		}
	}
	if _, err := ms.ApplyCredit(ctx, "a"); err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	awaiting, err := ms.ListAwaitingOrders(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(awaiting) != 2 {
		t.Fatalf("expected 2 awaiting orders, got %d", len(awaiting))
	}
	if awaiting[0].OrderID != "c" || awaiting[1].OrderID != "b" {
		t.Errorf("expected creation order [c b], got [%s %s]", awaiting[0].OrderID, awaiting[1].OrderID)
	}
}
