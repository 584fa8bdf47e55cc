package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"trade-tracker-go/internal/models"
)

var testDay = time.Date(2025, 3, 4, 9, 30, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func pendingTrade(buyID string) *models.Trade {
	snap := models.QuoteSnapshot{BestBid: dec("100.9"), BestAsk: dec("101.1"), Estimated: dec("101.25")}
	return models.NewPendingTrade("XYZ-USD", dec("2.0"), buyID, snap, testDay)
}

func openTrade(t *testing.T, buyID string) *models.Trade {
	tr := pendingTrade(buyID)
	require.NoError(t, tr.Promote(dec("101.5"), testDay.Add(time.Second)))
	return tr
}

func closedTrade(t *testing.T, buyID, sellID string) *models.Trade {
	tr := openTrade(t, buyID)
	require.NoError(t, tr.AttachSell(sellID, models.QuoteSnapshot{BestBid: dec("103"), BestAsk: dec("103.2"), Estimated: dec("103")}))
	require.NoError(t, tr.Close(dec("102.8"), testDay.Add(time.Minute)))
	return tr
}

// setupStore opens a store in a temp dir with a fake clock on testDay.
func setupStore(t *testing.T) (*Store, clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(testDay)
	s, err := Open(t.TempDir(), clock, zap.NewNop())
	require.NoError(t, err)
	return s, clock
}

func buyIDs(trades []*models.Trade) []string {
	ids := make([]string, 0, len(trades))
	for _, t := range trades {
		ids = append(ids, t.BuyOrderID)
	}
	return ids
}

func TestOpen_CreatesFileWithHeader(t *testing.T) {
	s, _ := setupStore(t)

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, strings.Join(columns, ",")+"\n", string(data))
	assert.Equal(t, filepath.Join("2025-03-04", "trades.csv"), filepath.Join(filepath.Base(filepath.Dir(s.Path())), filepath.Base(s.Path())))

	pending, open, err := s.Load()
	assert.NoError(t, err)
	assert.Empty(t, pending)
	assert.Empty(t, open)
}

func TestSaveLoad_RoundTripIsByteForByte(t *testing.T) {
	// Arrange
	s, _ := setupStore(t)
	require.NoError(t, s.Save([]*models.Trade{pendingTrade("B1")}, []*models.Trade{openTrade(t, "B2")}))
	require.NoError(t, s.AppendClosed(closedTrade(t, "B3", "S3")))
	before, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	// Act
	pending, open, err := s.Load()
	require.NoError(t, err)
	require.NoError(t, s.Save(pending, open))

	// Assert
	after, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
	assert.Equal(t, []string{"B1"}, buyIDs(pending))
	assert.Equal(t, []string{"B2"}, buyIDs(open))
	assert.True(t, open[0].BuyPrice.Equal(dec("101.5")))
}

func TestSave_PreservesClosedAndDoesNotResurrect(t *testing.T) {
	s, _ := setupStore(t)
	require.NoError(t, s.AppendClosed(closedTrade(t, "B0", "S0")))
	require.NoError(t, s.Save([]*models.Trade{pendingTrade("B1"), pendingTrade("B2")}, nil))

	require.NoError(t, s.Save([]*models.Trade{pendingTrade("B2")}, nil))

	pending, open, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"B2"}, buyIDs(pending))
	assert.Empty(t, open)

	all, err := s.readFile(s.Path())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, models.StatusClosed, all[1].Status)
	assert.Equal(t, "S0", all[1].SellOrderID)
}

func TestSave_RejectsInconsistentActiveSet(t *testing.T) {
	s, _ := setupStore(t)

	assert.Error(t, s.Save([]*models.Trade{openTrade(t, "B1")}, nil), "open record in pending list")
	assert.Error(t, s.Save([]*models.Trade{pendingTrade("B1"), pendingTrade("B1")}, nil), "duplicate buy order")
}

func TestAppendClosed_IsIdempotent(t *testing.T) {
	s, _ := setupStore(t)
	trade := closedTrade(t, "B1", "S1")

	require.NoError(t, s.AppendClosed(trade))
	require.NoError(t, s.AppendClosed(trade))

	all, err := s.readFile(s.Path())
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.True(t, all[0].PnL.Decimal.Equal(dec("2.6")))
}

// closedRows counts the CLOSED rows for sellID across every day file.
func closedRows(t *testing.T, dir, sellID string) int {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(dir, "*", fileName))
	require.NoError(t, err)
	var s Store
	n := 0
	for _, path := range paths {
		trades, err := s.readFile(path)
		require.NoError(t, err)
		for _, tr := range trades {
			if tr.Status == models.StatusClosed && tr.SellOrderID == sellID {
				n++
			}
		}
	}
	return n
}

func TestAppendClosed_IsIdempotentAcrossRollover(t *testing.T) {
	s, clock := setupStore(t)
	trade := closedTrade(t, "B1", "S1")
	require.NoError(t, s.AppendClosed(trade))

	clock.Advance(24 * time.Hour)
	require.NoError(t, s.AppendClosed(trade))
	_, _, err := s.Load()
	require.NoError(t, err)
	require.NoError(t, s.AppendClosed(trade))

	assert.Contains(t, s.Path(), "2025-03-05")
	assert.Equal(t, 1, closedRows(t, s.dir, "S1"))
}

func TestAppendClosed_IsIdempotentAfterReopenOnLaterDay(t *testing.T) {
	dir := t.TempDir()
	first, err := Open(dir, clockwork.NewFakeClockAt(testDay), zap.NewNop())
	require.NoError(t, err)
	trade := closedTrade(t, "B1", "S1")
	require.NoError(t, first.AppendClosed(trade))

	second, err := Open(dir, clockwork.NewFakeClockAt(testDay.Add(48*time.Hour)), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, second.AppendClosed(trade))
	require.NoError(t, second.AppendClosed(closedTrade(t, "B2", "S2")))

	assert.Equal(t, 1, closedRows(t, dir, "S1"))
	assert.Equal(t, 1, closedRows(t, dir, "S2"))
}

func TestAppendClosed_RejectsActiveRecord(t *testing.T) {
	s, _ := setupStore(t)
	assert.Error(t, s.AppendClosed(openTrade(t, "B1")))
}

func TestOpen_CorruptFileFailsFast(t *testing.T) {
	header := strings.Join(columns, ",") + "\n"
	testCases := []struct {
		name    string
		content string
	}{
		{name: "empty file", content: ""},
		{name: "wrong header", content: "symbol,qty\n"},
		{name: "short row", content: header + "XYZ-USD,1\n"},
		{name: "bad decimal", content: header + "XYZ-USD,abc,B1,0,1,1,1,,,,,,2025-03-04T09:30:00Z,,,PENDING\n"},
		{name: "unknown status", content: header + "XYZ-USD,1,B1,0,1,1,1,,,,,,2025-03-04T09:30:00Z,,,LIMBO\n"},
		{name: "pending with buy price", content: header + "XYZ-USD,1,B1,5,1,1,1,,,,,,2025-03-04T09:30:00Z,,,PENDING\n"},
		{name: "bad timestamp", content: header + "XYZ-USD,1,B1,0,1,1,1,,,,,,yesterday,,,PENDING\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, testDay.Format(dateLayout), fileName)
			require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0o644))

			_, err := Open(dir, clockwork.NewFakeClockAt(testDay), zap.NewNop())

			assert.ErrorIs(t, err, ErrCorrupt)
			data, _ := os.ReadFile(path)
			assert.Equal(t, tc.content, string(data), "corrupt file must not be rewritten")
		})
	}
}

func TestSave_CrashBeforeRenameKeepsPreviousFile(t *testing.T) {
	// Arrange
	s, _ := setupStore(t)
	require.NoError(t, s.Save([]*models.Trade{pendingTrade("B1")}, nil))
	before, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	// A half-written temp file left behind by an earlier crash.
	stray := filepath.Join(filepath.Dir(s.Path()), "."+fileName+".12345.tmp")
	require.NoError(t, os.WriteFile(stray, []byte("symbol,quan"), 0o644))

	renameFile = func(string, string) error { return errors.New("killed") }
	t.Cleanup(func() { renameFile = os.Rename })

	// Act
	err = s.Save(nil, []*models.Trade{openTrade(t, "B1")})

	// Assert
	assert.Error(t, err)
	after, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))

	renameFile = os.Rename
	pending, open, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"B1"}, buyIDs(pending))
	assert.Empty(t, open)
}

func TestLoad_DropsRecordClosedBeforeActiveSetWasSaved(t *testing.T) {
	s, _ := setupStore(t)
	open := openTrade(t, "B1")
	require.NoError(t, open.AttachSell("S1", models.QuoteSnapshot{BestBid: dec("103"), BestAsk: dec("103.2"), Estimated: dec("103")}))
	require.NoError(t, s.Save(nil, []*models.Trade{open, openTrade(t, "B2")}))

	// Crash after the history append, before the active set removal.
	require.NoError(t, s.AppendClosed(closedTrade(t, "B1", "S1")))

	_, loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"B2"}, buyIDs(loaded))
}

func TestUpdate_PersistsTransitions(t *testing.T) {
	s, _ := setupStore(t)
	at := testDay.Add(time.Hour)

	require.NoError(t, s.Update(func(tx *Tx) error { return tx.AddPending(pendingTrade("B1")) }))
	require.NoError(t, s.Update(func(tx *Tx) error {
		_, err := tx.Promote("B1", dec("101.5"), at)
		return err
	}))
	require.NoError(t, s.Update(func(tx *Tx) error {
		_, err := tx.AttachSell("B1", "S1", models.QuoteSnapshot{BestBid: dec("103"), BestAsk: dec("103.2"), Estimated: dec("103")})
		return err
	}))
	require.NoError(t, s.Update(func(tx *Tx) error {
		_, err := tx.Close("B1", "S1", dec("102.8"), at)
		return err
	}))

	pending, open, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Empty(t, open)

	all, err := s.readFile(s.Path())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.StatusClosed, all[0].Status)
	assert.True(t, all[0].PnL.Decimal.Equal(dec("2.6")))
}

func TestUpdate_ErrorWritesNothing(t *testing.T) {
	s, _ := setupStore(t)
	require.NoError(t, s.Save([]*models.Trade{pendingTrade("B1")}, nil))

	err := s.Update(func(tx *Tx) error {
		_, err := tx.Promote("B1", dec("101.5"), testDay)
		require.NoError(t, err)
		_, err = tx.Promote("missing", dec("1"), testDay)
		return err
	})

	assert.ErrorIs(t, err, ErrNotFound)
	pending, open, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"B1"}, buyIDs(pending))
	assert.Empty(t, open)
}

// Two monitors that load and save without holding the lock across the cycle
// silently erase each other's transition.
func TestLostUpdate_WithoutLockSpanningTheCycle(t *testing.T) {
	s, _ := setupStore(t)
	require.NoError(t, s.Save([]*models.Trade{pendingTrade("B1")}, []*models.Trade{openTrade(t, "B2")}))

	// Pending monitor and exit monitor both read the same snapshot.
	p1, o1, err := s.Load()
	require.NoError(t, err)
	p2, o2, err := s.Load()
	require.NoError(t, err)

	// Pending monitor promotes B1.
	require.NoError(t, p1[0].Promote(dec("101.5"), testDay))
	require.NoError(t, s.Save(nil, append(o1, p1[0])))

	// Exit monitor attaches a sell to B2 and saves its stale view.
	require.NoError(t, o2[0].AttachSell("S2", models.QuoteSnapshot{}))
	require.NoError(t, s.Save(p2, o2))

	pending, open, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"B1"}, buyIDs(pending), "promotion of B1 was lost")
	assert.Equal(t, []string{"B2"}, buyIDs(open))
}

func TestUpdate_ConcurrentPromotionAndExitDoNotLoseTransitions(t *testing.T) {
	s, _ := setupStore(t)
	const n = 20
	var pending, open []*models.Trade
	for i := 0; i < n; i++ {
		pending = append(pending, pendingTrade("P"+string(rune('a'+i))))
		open = append(open, openTrade(t, "O"+string(rune('a'+i))))
	}
	require.NoError(t, s.Save(pending, open))

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, s.Update(func(tx *Tx) error {
				_, err := tx.Promote(id, dec("100"), testDay)
				return err
			}))
		}("P" + string(rune('a'+i)))
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, s.Update(func(tx *Tx) error {
				_, err := tx.AttachSell(id, "S-"+id, models.QuoteSnapshot{})
				return err
			}))
		}("O" + string(rune('a'+i)))
	}
	wg.Wait()

	gotPending, gotOpen, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, gotPending)
	require.Len(t, gotOpen, 2*n)
	sells := 0
	for _, tr := range gotOpen {
		if tr.SellOrderID != "" {
			sells++
			assert.Equal(t, "S-"+tr.BuyOrderID, tr.SellOrderID)
		}
	}
	assert.Equal(t, n, sells)
}

func TestRollover_MovesActiveSetToNewDay(t *testing.T) {
	s, clock := setupStore(t)
	require.NoError(t, s.AppendClosed(closedTrade(t, "B0", "S0")))
	require.NoError(t, s.Save([]*models.Trade{pendingTrade("B1")}, []*models.Trade{openTrade(t, "B2")}))
	oldPath := s.Path()

	clock.Advance(24 * time.Hour)
	pending, open, err := s.Load()

	require.NoError(t, err)
	assert.NotEqual(t, oldPath, s.Path())
	assert.Equal(t, []string{"B1"}, buyIDs(pending))
	assert.Equal(t, []string{"B2"}, buyIDs(open))

	old, err := s.readFile(oldPath)
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, "S0", old[0].SellOrderID)
}

func TestOpen_CarriesActiveSetFromPreviousDay(t *testing.T) {
	dir := t.TempDir()
	first, err := Open(dir, clockwork.NewFakeClockAt(testDay), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, first.Save([]*models.Trade{pendingTrade("B1")}, nil))

	second, err := Open(dir, clockwork.NewFakeClockAt(testDay.Add(72*time.Hour)), zap.NewNop())
	require.NoError(t, err)

	pending, _, err := second.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"B1"}, buyIDs(pending))
	assert.Contains(t, second.Path(), "2025-03-07")
}
