package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"binance-threshold-bot-go/internal/chartdata"
	"binance-threshold-bot-go/internal/journal"
	"binance-threshold-bot-go/internal/ledger"
	"binance-threshold-bot-go/internal/models"
	"binance-threshold-bot-go/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// mockFeed is a scripted price source.
type mockFeed struct {
	mu           sync.Mutex
	price        float64
	at           time.Time
	latestErr    error
	freshErr     error
	started      bool
	restartCount int
	closes       []float64

	freshGate    chan struct{} // when set, FreshPrice blocks until it is closed
	freshEntered chan struct{} // receives one token per FreshPrice entry
}

func newMockFeed(price float64) *mockFeed {
	return &mockFeed{price: price, at: time.Now()}
}

func (m *mockFeed) setPrice(p float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.price = p
	m.at = time.Now()
}

func (m *mockFeed) setLatestErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latestErr = err
}

func (m *mockFeed) LatestPrice() (models.PriceSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latestErr != nil {
		return models.PriceSample{}, m.latestErr
	}
	return models.PriceSample{Price: m.price, At: m.at}, nil
}

func (m *mockFeed) FreshPrice(ctx context.Context) (models.PriceSample, error) {
	m.mu.Lock()
	gate := m.freshGate
	entered := m.freshEntered
	m.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.freshErr != nil {
		return models.PriceSample{}, m.freshErr
	}
	return models.PriceSample{Price: m.price, At: time.Now()}, nil
}

func (m *mockFeed) StartFeeding(symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	return nil
}

func (m *mockFeed) StopFeeding() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = false
}

// Restart clears the scripted failure to simulate a recovered feed.
func (m *mockFeed) Restart(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restartCount++
	m.latestErr = nil
	return nil
}

func (m *mockFeed) RecentCloses(ctx context.Context, limit int) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes, nil
}

func (m *mockFeed) isStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *mockFeed) restarts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restartCount
}

// mockGateway counts fills and can be scripted to fail, reject or block.
type mockGateway struct {
	mu        sync.Mutex
	buys      int
	sells     int
	fillPrice float64
	err       error
	reject    bool

	blockCh chan struct{} // when set, calls block until it is closed
	entered chan struct{} // receives one token per call entry
}

func newMockGateway(fillPrice float64) *mockGateway {
	return &mockGateway{fillPrice: fillPrice, entered: make(chan struct{}, 16)}
}

func (m *mockGateway) place(qty float64, isBuy bool) (*models.FillResult, error) {
	select {
	case m.entered <- struct{}{}:
	default:
	}
	m.mu.Lock()
	block := m.blockCh
	m.mu.Unlock()
	if block != nil {
		<-block
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if m.reject {
		return &models.FillResult{Status: models.FillError, Message: "scripted rejection"}, nil
	}
	if isBuy {
		m.buys++
	} else {
		m.sells++
	}
	return &models.FillResult{
		Status:   models.FillFilled,
		Price:    m.fillPrice,
		Quantity: qty,
		OrderID:  int64(m.buys + m.sells),
	}, nil
}

func (m *mockGateway) PlaceBuy(ctx context.Context, symbol string, qty float64) (*models.FillResult, error) {
	return m.place(qty, true)
}

func (m *mockGateway) PlaceSell(ctx context.Context, symbol string, qty float64) (*models.FillResult, error) {
	return m.place(qty, false)
}

func (m *mockGateway) counts() (buys, sells int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buys, m.sells
}

func (m *mockGateway) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// memJournal collects appended events in memory.
type memJournal struct {
	mu     sync.Mutex
	events []models.TradeEvent
}

func (j *memJournal) Append(ev models.TradeEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return nil
}

func (j *memJournal) Events() ([]models.TradeEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]models.TradeEvent, len(j.events))
	copy(out, j.events)
	return out, nil
}

func (j *memJournal) Close() error { return nil }

func (j *memJournal) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.events)
}

var _ journal.Journal = (*memJournal)(nil)

func testEngine(f *mockFeed, g *mockGateway, j journal.Journal) *Engine {
	return New(Options{
		Feed:              f,
		Gateway:           g,
		Ledger:            ledger.NewLedger(),
		Chart:             chartdata.NewManager(100),
		Journal:           j,
		Logger:            zap.NewNop(),
		PollInterval:      50 * time.Millisecond,
		FastInterval:      10 * time.Millisecond,
		ImmediateRechecks: 2,
		RecheckSpacing:    5 * time.Millisecond,
		FeedFailureLimit:  3,
		FreshPriceTimeout: time.Second,
	})
}

// primeRunning marks the engine as running without spinning the background
// loops, so evaluations in the test are the only evaluations happening.
// A running engine always carries valid session handles, so benign ones are
// installed for tests that end up calling Stop.
func primeRunning(e *Engine, symbol string, buy, sell, qty float64) {
	e.decisionMu.Lock()
	e.running = true
	e.symbol = symbol
	e.quantity = qty
	e.thresholds = models.ThresholdState{Buy: buy, Sell: sell, UpdatedAt: time.Now()}
	e.cancel = func() {}
	e.group = &errgroup.Group{}
	e.decisionMu.Unlock()
}

func sampleAt(price float64) models.PriceSample {
	return models.PriceSample{Price: price, At: time.Now()}
}

// TestStartValidatesInputs covers the argument checks and the
// double-start rejection.
func TestStartValidatesInputs(t *testing.T) {
	f := newMockFeed(100)
	e := testEngine(f, newMockGateway(100), nil)

	require.Error(t, e.Start("", 100, 110, 1))
	require.Error(t, e.Start("BTCUSDT", 0, 110, 1))
	require.Error(t, e.Start("BTCUSDT", 100, -1, 1))
	require.Error(t, e.Start("BTCUSDT", 100, 110, 0))

	require.NoError(t, e.Start("BTCUSDT", 100, 110, 1))
	defer e.Stop()

	err := e.Start("BTCUSDT", 100, 110, 1)
	require.Error(t, err)
	assert.True(t, models.HasCode(err, models.ErrCodeConfiguration))
	assert.True(t, e.Running())
}

// TestStartFailsWithoutInitialPrice verifies the engine refuses to enter the
// trading loop blind and releases the feed again.
func TestStartFailsWithoutInitialPrice(t *testing.T) {
	f := newMockFeed(100)
	f.freshErr = models.NewFeedUnavailableError("no route")
	e := testEngine(f, newMockGateway(100), nil)

	err := e.Start("BTCUSDT", 100, 110, 1)
	require.Error(t, err)
	assert.True(t, models.HasCode(err, models.ErrCodeFeedUnavailable))
	assert.False(t, e.Running())
	assert.False(t, f.isStarted(), "feed must be stopped after a failed start")
}

// TestHoldInsideBand verifies no order fires between the thresholds.
func TestHoldInsideBand(t *testing.T) {
	g := newMockGateway(105)
	e := testEngine(newMockFeed(105), g, nil)
	primeRunning(e, "BTCUSDT", 100, 110, 1)

	attempted, executed := e.EvaluateCycle(context.Background(), sampleAt(105))
	assert.False(t, attempted)
	assert.False(t, executed)

	buys, sells := g.counts()
	assert.Zero(t, buys)
	assert.Zero(t, sells)

	inPos, _ := e.PositionStatus()
	assert.False(t, inPos)
}

// TestBuySellRoundTrip walks a full crossing cycle and checks position,
// ledger and last action move together.
func TestBuySellRoundTrip(t *testing.T) {
	f := newMockFeed(99)
	g := newMockGateway(99)
	e := testEngine(f, g, &memJournal{})
	primeRunning(e, "BTCUSDT", 100, 110, 2)

	attempted, executed := e.EvaluateCycle(context.Background(), sampleAt(99))
	assert.True(t, attempted)
	assert.True(t, executed)

	buys, sells := g.counts()
	require.Equal(t, 1, buys)
	require.Equal(t, 0, sells)

	inPos, lastAction := e.PositionStatus()
	assert.True(t, inPos)
	assert.Contains(t, lastAction, "BUY")

	snap := e.Snapshot()
	assert.InDelta(t, 2, snap.OpenQuantity, 1e-9)
	assert.InDelta(t, 198, snap.NetInvested, 1e-9)
	assert.InDelta(t, 0, snap.CumulativeProfit, 1e-9)

	// A second cheap sample while long must not buy again.
	attempted, _ = e.EvaluateCycle(context.Background(), sampleAt(99))
	assert.False(t, attempted)
	buys, _ = g.counts()
	assert.Equal(t, 1, buys)

	// Crossing the sell threshold unwinds the position.
	g.mu.Lock()
	g.fillPrice = 111
	g.mu.Unlock()
	attempted, executed = e.EvaluateCycle(context.Background(), sampleAt(111))
	assert.True(t, attempted)
	assert.True(t, executed)

	_, sells = g.counts()
	require.Equal(t, 1, sells)

	inPos, lastAction = e.PositionStatus()
	assert.False(t, inPos)
	assert.Contains(t, lastAction, "SELL")

	snap = e.Snapshot()
	assert.InDelta(t, 0, snap.OpenQuantity, 1e-9)
	assert.InDelta(t, 0, snap.NetInvested, 1e-9)
	assert.InDelta(t, 24, snap.CumulativeProfit, 1e-9, "(111-99)*2")

	// Both fills were handed to the journal writer channel.
	assert.Len(t, e.eventCh, 2)
}

// TestAtMostOneOrderInFlight races a second evaluation against a slow
// gateway call and verifies the execution token blocks the duplicate.
func TestAtMostOneOrderInFlight(t *testing.T) {
	f := newMockFeed(99)
	g := newMockGateway(99)
	g.blockCh = make(chan struct{})
	e := testEngine(f, g, nil)
	primeRunning(e, "BTCUSDT", 100, 110, 1)

	done := make(chan bool, 1)
	go func() {
		_, executed := e.EvaluateCycle(context.Background(), sampleAt(99))
		done <- executed
	}()

	// Wait until the first evaluation is inside the gateway call.
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first order to reach the gateway")
	}

	// The concurrent evaluation must back off without a second order.
	attempted, executed := e.EvaluateCycle(context.Background(), sampleAt(99))
	assert.False(t, attempted, "second evaluation must back off while a call is in flight")
	assert.False(t, executed)

	close(g.blockCh)
	select {
	case executed := <-done:
		assert.True(t, executed)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first order to finish")
	}

	buys, _ := g.counts()
	assert.Equal(t, 1, buys, "exactly one buy for one crossing")
	inPos, _ := e.PositionStatus()
	assert.True(t, inPos)
}

// TestGatewayErrorKeepsStateClean verifies a failed order leaves no trace in
// position or ledger and the next cycle may retry.
func TestGatewayErrorKeepsStateClean(t *testing.T) {
	g := newMockGateway(99)
	g.setErr(models.NewGatewayFailureError("exchange down"))
	e := testEngine(newMockFeed(99), g, &memJournal{})
	primeRunning(e, "BTCUSDT", 100, 110, 1)

	attempted, executed := e.EvaluateCycle(context.Background(), sampleAt(99))
	assert.True(t, attempted)
	assert.False(t, executed)

	inPos, lastAction := e.PositionStatus()
	assert.False(t, inPos)
	assert.Empty(t, lastAction)
	snap := e.Snapshot()
	assert.Zero(t, snap.OpenLots)
	assert.Len(t, e.eventCh, 0, "failed orders must not reach the journal")

	// Once the gateway heals the next cycle executes normally.
	g.setErr(nil)
	_, executed = e.EvaluateCycle(context.Background(), sampleAt(99))
	assert.True(t, executed)
}

// TestRejectedFillKeepsStateClean covers the accepted-but-not-filled path.
func TestRejectedFillKeepsStateClean(t *testing.T) {
	g := newMockGateway(99)
	g.reject = true
	e := testEngine(newMockFeed(99), g, nil)
	primeRunning(e, "BTCUSDT", 100, 110, 1)

	attempted, executed := e.EvaluateCycle(context.Background(), sampleAt(99))
	assert.True(t, attempted)
	assert.False(t, executed)

	inPos, _ := e.PositionStatus()
	assert.False(t, inPos)
}

// TestSellSignalWithEmptyLedgerSkips covers the defensive path where the
// position flag and the ledger disagree.
func TestSellSignalWithEmptyLedgerSkips(t *testing.T) {
	g := newMockGateway(111)
	e := testEngine(newMockFeed(111), g, nil)
	primeRunning(e, "BTCUSDT", 100, 110, 1)

	// Force LONG with no lots behind it.
	e.positionMu.Lock()
	e.status = models.PositionLong
	e.positionMu.Unlock()

	attempted, executed := e.EvaluateCycle(context.Background(), sampleAt(111))
	assert.True(t, attempted)
	assert.False(t, executed)

	_, sells := g.counts()
	assert.Zero(t, sells, "nothing to sell means no order")
}

// TestSetThresholdsSingleFlightToken verifies rapid updates deposit at most
// one re-check token.
func TestSetThresholdsSingleFlightToken(t *testing.T) {
	e := testEngine(newMockFeed(105), newMockGateway(105), nil)
	primeRunning(e, "BTCUSDT", 100, 110, 1)

	for i := 0; i < 5; i++ {
		require.NoError(t, e.SetThresholds(101+float64(i), 111))
	}
	assert.Equal(t, 1, len(e.recheckCh), "token channel must hold at most one token")

	th := e.CurrentThresholds()
	assert.InDelta(t, 105, th.Buy, 1e-9, "last write wins")
	assert.False(t, th.UpdatedAt.IsZero())
}

// TestSetThresholdsValidation covers rejection and the stopped-engine path.
func TestSetThresholdsValidation(t *testing.T) {
	e := testEngine(newMockFeed(105), newMockGateway(105), nil)

	err := e.SetThresholds(0, 110)
	require.Error(t, err)
	assert.True(t, models.HasCode(err, models.ErrCodeConfiguration))

	// Updating a stopped engine stores the values but deposits no token.
	require.NoError(t, e.SetThresholds(100, 110))
	assert.Equal(t, 0, len(e.recheckCh))
	assert.InDelta(t, 100, e.CurrentThresholds().Buy, 1e-9)
}

// TestPendingCheckSpeedsUpCadence verifies the loop interval drops to the
// fast cadence while a threshold update is unresolved and decays when the
// signal stops holding or a trade executes.
func TestPendingCheckSpeedsUpCadence(t *testing.T) {
	f := newMockFeed(99)
	g := newMockGateway(99)
	g.setErr(models.NewGatewayFailureError("exchange down"))
	e := testEngine(f, g, nil)
	primeRunning(e, "BTCUSDT", 100, 110, 1)

	assert.Equal(t, e.opts.PollInterval, e.interval())

	require.NoError(t, e.SetThresholds(100, 110))
	assert.Equal(t, e.opts.FastInterval, e.interval(), "pending check must select the fast cadence")

	// Execution keeps failing, the signal still holds: stay fast.
	_, executed := e.EvaluateCycle(context.Background(), sampleAt(99))
	assert.False(t, executed)
	assert.Equal(t, e.opts.FastInterval, e.interval())

	// Gateway heals, trade executes, cadence decays.
	g.setErr(nil)
	_, executed = e.EvaluateCycle(context.Background(), sampleAt(99))
	assert.True(t, executed)
	assert.Equal(t, e.opts.PollInterval, e.interval())
}

// TestPendingCheckDecaysWhenSignalGone verifies a hold evaluation clears the
// fast cadence without a trade.
func TestPendingCheckDecaysWhenSignalGone(t *testing.T) {
	e := testEngine(newMockFeed(105), newMockGateway(105), nil)
	primeRunning(e, "BTCUSDT", 100, 110, 1)

	require.NoError(t, e.SetThresholds(100, 110))
	assert.Equal(t, e.opts.FastInterval, e.interval())

	e.EvaluateCycle(context.Background(), sampleAt(105))
	assert.Equal(t, e.opts.PollInterval, e.interval())
}

// TestConcurrentThresholdUpdatesNeverTear hammers SetThresholds with two
// distinct pairs while readers check they only ever observe matched pairs.
func TestConcurrentThresholdUpdatesNeverTear(t *testing.T) {
	e := testEngine(newMockFeed(105), newMockGateway(105), nil)
	primeRunning(e, "BTCUSDT", 100, 110, 1)

	pairs := [][2]float64{{100, 110}, {200, 210}}
	stop := make(chan struct{})
	var wg sync.WaitGroup

	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					pair := pairs[idx]
					_ = e.SetThresholds(pair[0], pair[1])
				}
			}
		}(w)
	}

	for i := 0; i < 2000; i++ {
		th := e.CurrentThresholds()
		valid := (th.Buy == 100 && th.Sell == 110) || (th.Buy == 200 && th.Sell == 210)
		require.True(t, valid, "torn threshold pair observed: %+v", th)
	}
	close(stop)
	wg.Wait()
}

// TestThresholdUpdateTriggersImmediateRecheck runs the real loops: a hold
// situation becomes a buy the moment the thresholds move, well before the
// next regular cycle would be due.
func TestThresholdUpdateTriggersImmediateRecheck(t *testing.T) {
	f := newMockFeed(105)
	g := newMockGateway(105)
	j := &memJournal{}
	e := testEngine(f, g, j)

	require.NoError(t, e.Start("BTCUSDT", 100, 110, 1))
	defer e.Stop()

	// Give the loop a few cycles: price sits inside the band, nothing fires.
	time.Sleep(120 * time.Millisecond)
	buys, _ := g.counts()
	require.Zero(t, buys)

	// Move the buy threshold above the price; the re-check token must
	// produce a fill without waiting for a full poll interval.
	require.NoError(t, e.SetThresholds(106, 110))

	require.Eventually(t, func() bool {
		buys, _ := g.counts()
		return buys == 1
	}, 2*time.Second, 10*time.Millisecond, "threshold update should trigger an immediate buy")

	inPos, _ := e.PositionStatus()
	assert.True(t, inPos)

	// The async journal writer eventually records the fill.
	require.Eventually(t, func() bool { return j.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

// TestStopIsObservedQuickly verifies Stop returns once the loops notice the
// flag, well within a couple of poll intervals.
func TestStopIsObservedQuickly(t *testing.T) {
	f := newMockFeed(105)
	e := testEngine(f, newMockGateway(105), nil)
	require.NoError(t, e.Start("BTCUSDT", 100, 110, 1))

	start := time.Now()
	e.Stop()
	elapsed := time.Since(start)

	assert.False(t, e.Running())
	assert.False(t, f.isStarted(), "feed must be stopped with the session")
	assert.Less(t, elapsed, 2*time.Second, "stop took %s", elapsed)

	// Stopping twice is a harmless no-op.
	e.Stop()
}

// TestStopDuringStartWindow races Stop into the window where Start is still
// waiting for its initial price. Stop must return cleanly and Start must
// unwind instead of launching loops for a session that no longer exists.
func TestStopDuringStartWindow(t *testing.T) {
	f := newMockFeed(105)
	f.freshGate = make(chan struct{})
	f.freshEntered = make(chan struct{}, 1)
	e := testEngine(f, newMockGateway(105), nil)

	startErr := make(chan error, 1)
	go func() { startErr <- e.Start("BTCUSDT", 100, 110, 1) }()

	select {
	case <-f.freshEntered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Start to request the initial price")
	}

	stopped := make(chan struct{})
	go func() {
		e.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while Start was in its setup window")
	}

	close(f.freshGate)

	select {
	case err := <-startErr:
		require.Error(t, err, "an aborted start must not report a running session")
		assert.True(t, models.HasCode(err, models.ErrCodeConfiguration),
			"a stop-aborted start is a configuration error, not a feed outage: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Start to unwind")
	}

	assert.False(t, e.Running())
	assert.False(t, f.isStarted(), "feed must be stopped after the aborted start")

	// The engine stays usable: a fresh start now succeeds.
	f.mu.Lock()
	f.freshGate = nil
	f.mu.Unlock()
	require.NoError(t, e.Start("BTCUSDT", 100, 110, 1))
	e.Stop()
}

// TestStartWhileStopDraining covers the reverse ordering: a Start arriving
// while Stop is still waiting for an in-flight order must be rejected, so two
// decision loops never coexist and the execution token stays with the order
// that holds it.
func TestStartWhileStopDraining(t *testing.T) {
	f := newMockFeed(99)
	g := newMockGateway(99)
	g.blockCh = make(chan struct{})
	e := testEngine(f, g, nil)

	require.NoError(t, e.Start("BTCUSDT", 100, 110, 1))

	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the order to reach the gateway")
	}

	stopped := make(chan struct{})
	go func() {
		e.Stop()
		close(stopped)
	}()

	// Once the running flag drops, Stop is draining the session.
	require.Eventually(t, func() bool { return !e.Running() },
		2*time.Second, time.Millisecond)

	err := e.Start("BTCUSDT", 100, 110, 1)
	require.Error(t, err)
	assert.True(t, models.HasCode(err, models.ErrCodeConfiguration))

	close(g.blockCh)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Stop")
	}

	// Teardown finished: the engine accepts a new session again.
	require.NoError(t, e.Start("BTCUSDT", 100, 110, 1))
	e.Stop()
}

// TestStopFlushesLateFillToJournal stops the session while an order is still
// blocked in the gateway. The order outlives the stop signal, so its fill may
// be published after the journal writer already exited; Stop must still land
// it in the journal before returning.
func TestStopFlushesLateFillToJournal(t *testing.T) {
	f := newMockFeed(99) // below the buy threshold: the first cycle buys
	g := newMockGateway(99)
	g.blockCh = make(chan struct{})
	j := &memJournal{}
	e := testEngine(f, g, j)

	require.NoError(t, e.Start("BTCUSDT", 100, 110, 1))

	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the order to reach the gateway")
	}

	stopped := make(chan struct{})
	go func() {
		e.Stop()
		close(stopped)
	}()

	// Let the journal writer observe the stop and exit while the order is
	// still blocked, then release the fill.
	time.Sleep(100 * time.Millisecond)
	close(g.blockCh)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Stop")
	}

	events, err := j.Events()
	require.NoError(t, err)
	require.Len(t, events, 1, "a fill completed during shutdown must reach the journal")
	assert.Equal(t, models.Buy, events[0].Side)

	buys, _ := g.counts()
	assert.Equal(t, 1, buys)
}

// TestFeedFailuresTriggerRestart lets the cached sample fail repeatedly and
// expects the engine to restart the feed after the configured limit.
func TestFeedFailuresTriggerRestart(t *testing.T) {
	f := newMockFeed(105)
	e := testEngine(f, newMockGateway(105), nil)

	require.NoError(t, e.Start("BTCUSDT", 100, 110, 1))
	defer e.Stop()

	f.setLatestErr(models.NewFeedUnavailableError("stream broken"))

	require.Eventually(t, func() bool { return f.restarts() >= 1 },
		3*time.Second, 10*time.Millisecond, "feed should be restarted after repeated failures")
}

// TestManualOrders covers the one-shot order paths including the clamp and
// the flat-sell rejection.
func TestManualOrders(t *testing.T) {
	f := newMockFeed(105)
	g := newMockGateway(105)
	e := testEngine(f, g, nil)

	// Not running yet: manual orders are rejected.
	_, err := e.ManualBuy(context.Background(), 1)
	require.Error(t, err)

	primeRunning(e, "BTCUSDT", 100, 110, 1)

	// Manual buy works even though 105 is inside the hold band.
	ev, err := e.ManualBuy(context.Background(), 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, ev.Quantity, 1e-9)
	inPos, lastAction := e.PositionStatus()
	assert.True(t, inPos)
	assert.Contains(t, lastAction, "MANUAL")

	// Manual sell clamps to the open quantity.
	ev, err = e.ManualSell(context.Background(), 5)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, ev.Quantity, 1e-9, "sell must clamp to holdings")
	inPos, _ = e.PositionStatus()
	assert.False(t, inPos)

	// Nothing left to sell.
	_, err = e.ManualSell(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, models.HasCode(err, models.ErrCodeConfiguration))
}

// TestManualOrderSharesExecutionToken verifies manual and automated orders
// serialize on the same token.
func TestManualOrderSharesExecutionToken(t *testing.T) {
	f := newMockFeed(99)
	g := newMockGateway(99)
	g.blockCh = make(chan struct{})
	e := testEngine(f, g, nil)
	primeRunning(e, "BTCUSDT", 100, 110, 1)

	done := make(chan error, 1)
	go func() {
		_, err := e.ManualBuy(context.Background(), 1)
		done <- err
	}()

	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the manual order to reach the gateway")
	}

	// The automated path backs off while the manual order is in flight.
	attempted, _ := e.EvaluateCycle(context.Background(), sampleAt(99))
	assert.False(t, attempted)

	// A second manual order is rejected as busy.
	_, err := e.ManualSell(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, models.HasCode(err, models.ErrCodeGatewayFailure))

	close(g.blockCh)
	require.NoError(t, <-done)

	buys, _ := g.counts()
	assert.Equal(t, 1, buys)
}

// TestStrategyHotSwap switches from the threshold strategy to a cold
// moving-average strategy mid-session and back.
func TestStrategyHotSwap(t *testing.T) {
	g := newMockGateway(99)
	e := testEngine(newMockFeed(99), g, nil)
	primeRunning(e, "BTCUSDT", 100, 110, 1)
	assert.Equal(t, strategy.NameThreshold, e.StrategyName())

	ma, err := strategy.NewMovingAverage(2, 3)
	require.NoError(t, err)
	require.NoError(t, e.SetStrategy(ma))
	assert.Equal(t, strategy.NameMovingAverage, e.StrategyName())

	// The cold moving average holds even below the old buy threshold.
	attempted, _ := e.EvaluateCycle(context.Background(), sampleAt(99))
	assert.False(t, attempted)
	buys, _ := g.counts()
	assert.Zero(t, buys)

	require.Error(t, e.SetStrategy(nil))

	require.NoError(t, e.SetStrategy(strategy.NewThreshold()))
	_, executed := e.EvaluateCycle(context.Background(), sampleAt(99))
	assert.True(t, executed)
}

// TestStrategyWarmupSeedsHistory verifies Start seeds a history-aware
// strategy from the feed's recent closes.
func TestStrategyWarmupSeedsHistory(t *testing.T) {
	f := newMockFeed(105)
	f.closes = []float64{10, 10, 10}
	e := New(Options{
		Feed:              f,
		Gateway:           newMockGateway(105),
		Ledger:            ledger.NewLedger(),
		Chart:             chartdata.NewManager(100),
		Logger:            zap.NewNop(),
		PollInterval:      time.Hour, // keep the loop out of the way
		FreshPriceTimeout: time.Second,
		WarmupCloses:      3,
	})

	ma, err := strategy.NewMovingAverage(2, 3)
	require.NoError(t, err)
	require.NoError(t, e.SetStrategy(ma))
	assert.Equal(t, 3, ma.HistoryLen(), "strategy should be seeded before being installed")
}

// TestSnapshotAggregates verifies the combined view after a fill.
func TestSnapshotAggregates(t *testing.T) {
	g := newMockGateway(99)
	e := testEngine(newMockFeed(99), g, nil)
	primeRunning(e, "BTCUSDT", 100, 110, 1.5)

	_, executed := e.EvaluateCycle(context.Background(), sampleAt(99))
	require.True(t, executed)

	snap := e.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, "BTCUSDT", snap.Symbol)
	assert.Equal(t, strategy.NameThreshold, snap.StrategyName)
	assert.InDelta(t, 100, snap.Thresholds.Buy, 1e-9)
	assert.InDelta(t, 1.5, snap.Quantity, 1e-9)
	assert.True(t, snap.InPosition)
	assert.Equal(t, 1, snap.OpenLots)
	assert.InDelta(t, 1.5, snap.OpenQuantity, 1e-9)
	assert.InDelta(t, 148.5, snap.NetInvested, 1e-9)
	assert.InDelta(t, 0, snap.CumulativeProfit, 1e-9)
}

// TestRestartKeepsOpenPosition verifies a stop/start cycle inside one
// process does not forget that lots are still open.
func TestRestartKeepsOpenPosition(t *testing.T) {
	// The feed sits inside the hold band so the loop never trades on its own.
	f := newMockFeed(105)
	g := newMockGateway(99)
	e := testEngine(f, g, nil)

	require.NoError(t, e.Start("BTCUSDT", 100, 110, 1))
	_, executed := e.EvaluateCycle(context.Background(), sampleAt(99))
	require.True(t, executed)
	e.Stop()

	require.NoError(t, e.Start("BTCUSDT", 100, 110, 1))
	defer e.Stop()

	inPos, _ := e.PositionStatus()
	assert.True(t, inPos, "open lots must surface as LONG after a restart")
}
