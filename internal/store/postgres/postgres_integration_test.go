package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	dbmigrations "github.com/quantfabric/tradecore/db/migrations"
	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/schema"
	"github.com/quantfabric/tradecore/internal/store"
	"github.com/quantfabric/tradecore/internal/store/migrations"
	"github.com/quantfabric/tradecore/internal/store/postgres"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "tradecore"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres integration tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/tradecore?sslmode=disable", host, port.Port())

	if err := migrations.Apply(ctx, dsn, dbmigrations.Files); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func requireSetup(t *testing.T) *postgres.Store {
	t.Helper()
	if setupErr != nil {
		t.Skipf("postgres integration setup unavailable: %v", setupErr)
	}
	return postgres.New(testPool)
}

func TestMarketRoundTrip(t *testing.T) {
	st := requireSetup(t)
	ctx := context.Background()
	sessionID := "sess-market-1"
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	ticks := []*schema.Tick{
		{Symbol: "BTC_USDT", Timestamp: base, Price: 50000, Volume: 0.5, QuoteVolume: 25000},
		{Symbol: "ETH_USDT", Timestamp: base.Add(time.Second), Price: 3000, Volume: 1, QuoteVolume: 3000},
		{Symbol: "BTC_USDT", Timestamp: base.Add(2 * time.Second), Price: 50100, Volume: 0.2, QuoteVolume: 10020},
	}
	if err := st.WritePrices(ctx, sessionID, ticks); err != nil {
		t.Fatalf("write prices: %v", err)
	}
	books := []*schema.OrderbookSnapshot{{
		Symbol:    "BTC_USDT",
		Timestamp: base.Add(time.Second),
		Bids:      []schema.BookLevel{{Price: 49999, Quantity: 1}, {Price: 49998, Quantity: 2}},
		Asks:      []schema.BookLevel{{Price: 50001, Quantity: 1}},
	}}
	if err := st.WriteOrderbooks(ctx, sessionID, books); err != nil {
		t.Fatalf("write orderbooks: %v", err)
	}

	got, err := st.ReadPrices(ctx, sessionID, "BTC_USDT", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("read prices: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 BTC ticks, got %d", len(got))
	}
	if !got[0].Timestamp.Before(got[1].Timestamp) {
		t.Fatalf("ticks out of order: %v then %v", got[0].Timestamp, got[1].Timestamp)
	}
	if got[1].Price != 50100 {
		t.Fatalf("expected price 50100, got %v", got[1].Price)
	}

	windowed, err := st.ReadPrices(ctx, sessionID, "", base, base.Add(time.Second))
	if err != nil {
		t.Fatalf("read windowed prices: %v", err)
	}
	if len(windowed) != 2 {
		t.Fatalf("expected 2 ticks in window, got %d", len(windowed))
	}

	count, err := st.CountPrices(ctx, sessionID)
	if err != nil {
		t.Fatalf("count prices: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 price rows, got %d", count)
	}

	gotBooks, err := st.ReadOrderbooks(ctx, sessionID, "BTC_USDT", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("read orderbooks: %v", err)
	}
	if len(gotBooks) != 1 {
		t.Fatalf("expected 1 orderbook, got %d", len(gotBooks))
	}
	if len(gotBooks[0].Bids) != 2 || gotBooks[0].Bids[0].Price != 49999 {
		t.Fatalf("unexpected bids %+v", gotBooks[0].Bids)
	}
}

func TestIndicatorBatchWrite(t *testing.T) {
	st := requireSetup(t)
	ctx := context.Background()
	sessionID := "sess-indicator-1"
	now := time.Now().UTC().Truncate(time.Microsecond)

	rows := []store.IndicatorRow{
		{SessionID: sessionID, Symbol: "BTC_USDT", IndicatorID: "twpa_1", IndicatorType: "TWPA", IndicatorName: "twpa 60s", Timestamp: now, Value: 50050.5, Confidence: 1},
		{SessionID: sessionID, Symbol: "BTC_USDT", IndicatorID: "vwap_1", IndicatorType: "VWAP", IndicatorName: "vwap 60s", Timestamp: now, Value: 50048.2, Confidence: 0.9, Metadata: map[string]any{"window": "60s"}},
	}
	if err := st.WriteIndicatorBatch(ctx, rows); err != nil {
		t.Fatalf("write indicator batch: %v", err)
	}
	if err := st.WriteIndicatorValue(ctx, rows[0]); err != nil {
		t.Fatalf("write indicator value: %v", err)
	}

	var count int64
	err := testPool.QueryRow(ctx, "SELECT count(*) FROM indicators WHERE session_id = $1", sessionID).Scan(&count)
	if err != nil {
		t.Fatalf("count indicators: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 indicator rows, got %d", count)
	}
}

func TestTradingUpserts(t *testing.T) {
	st := requireSetup(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	sig := &schema.Signal{
		StrategyID:      "strat-1",
		Symbol:          "BTC_USDT",
		SignalType:      schema.SectionS1,
		Triggered:       true,
		ConditionsMet:   []string{"price_above_twpa"},
		IndicatorValues: map[string]float64{"twpa_1": 50050.5},
		Action:          schema.ActionBuy,
		Timestamp:       now,
	}
	if err := st.InsertSignal(ctx, sig); err != nil {
		t.Fatalf("insert signal: %v", err)
	}

	order := &schema.Order{
		OrderID:    "ord-upsert-1",
		StrategyID: "strat-1",
		Symbol:     "BTC_USDT",
		Side:       schema.SideBuy,
		Type:       schema.OrderMarket,
		Quantity:   decimal.NewFromFloat(0.5),
		Status:     schema.OrderNew,
		Timestamp:  now,
	}
	if err := st.UpsertOrder(ctx, order); err != nil {
		t.Fatalf("insert order: %v", err)
	}
	filled := order.Clone()
	filled.Status = schema.OrderFilled
	filled.FilledQty = order.Quantity
	filled.FilledPrice = decimal.NewFromFloat(50001)
	filled.Timestamp = now.Add(time.Second)
	if err := st.UpsertOrder(ctx, filled); err != nil {
		t.Fatalf("upsert filled order: %v", err)
	}

	var status string
	var filledQty decimal.Decimal
	err := testPool.QueryRow(ctx,
		"SELECT status, filled_qty FROM orders WHERE order_id = $1", order.OrderID).
		Scan(&status, &filledQty)
	if err != nil {
		t.Fatalf("read order row: %v", err)
	}
	if status != string(schema.OrderFilled) {
		t.Fatalf("expected FILLED, got %s", status)
	}
	if !filledQty.Equal(order.Quantity) {
		t.Fatalf("expected filled qty %s, got %s", order.Quantity, filledQty)
	}

	pos := &schema.Position{
		PositionID:   "pos-upsert-1",
		StrategyID:   "strat-1",
		Symbol:       "BTC_USDT",
		Side:         schema.PositionLong,
		Quantity:     decimal.NewFromFloat(0.5),
		EntryPrice:   decimal.NewFromFloat(50001),
		CurrentPrice: decimal.NewFromFloat(50001),
		Status:       schema.PositionOpen,
		OpenedAt:     now,
		UpdatedAt:    now,
	}
	if err := st.UpsertPosition(ctx, pos); err != nil {
		t.Fatalf("insert position: %v", err)
	}
	pos.CurrentPrice = decimal.NewFromFloat(50100)
	pos.UnrealizedPnl = decimal.NewFromFloat(49.5)
	pos.UpdatedAt = now.Add(time.Second)
	if err := st.UpsertPosition(ctx, pos); err != nil {
		t.Fatalf("update position: %v", err)
	}

	var unrealized decimal.Decimal
	err = testPool.QueryRow(ctx,
		"SELECT unrealized_pnl FROM positions WHERE position_id = $1", pos.PositionID).
		Scan(&unrealized)
	if err != nil {
		t.Fatalf("read position row: %v", err)
	}
	if !unrealized.Equal(decimal.NewFromFloat(49.5)) {
		t.Fatalf("expected unrealized 49.5, got %s", unrealized)
	}
}

func TestSessionLifecycle(t *testing.T) {
	st := requireSetup(t)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Microsecond)

	session := &schema.ExecutionSession{
		SessionID:  "sess-lifecycle-1",
		Mode:       schema.ModePaper,
		Symbols:    []string{"BTC_USDT", "ETH_USDT"},
		Status:     schema.StatusRunning,
		Parameters: map[string]any{"note": "integration"},
		StartTime:  start,
	}
	if err := st.InsertSession(ctx, session); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	if err := st.UpdateSessionStatus(ctx, session.SessionID, schema.StatusStopped, ""); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := st.CompleteSession(ctx, session.SessionID, start.Add(time.Minute)); err != nil {
		t.Fatalf("complete session: %v", err)
	}

	var status string
	var endTime time.Time
	err := testPool.QueryRow(ctx,
		"SELECT status, end_time FROM sessions WHERE session_id = $1", session.SessionID).
		Scan(&status, &endTime)
	if err != nil {
		t.Fatalf("read session row: %v", err)
	}
	if status != string(schema.StatusStopped) {
		t.Fatalf("expected STOPPED, got %s", status)
	}
	if !endTime.Equal(start.Add(time.Minute)) {
		t.Fatalf("expected end time %v, got %v", start.Add(time.Minute), endTime)
	}

	err = st.UpdateSessionStatus(ctx, "sess-missing", schema.StatusStopped, "")
	if errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("expected not_found for unknown session, got %v", err)
	}
}
