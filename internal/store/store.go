package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"trade-tracker-go/internal/models"
)

// ErrCorrupt reports a persisted trades file that cannot be trusted. It is
// fatal: records are never dropped to get past it.
var ErrCorrupt = errors.New("trade store corrupt")

const (
	fileName   = "trades.csv"
	dateLayout = "2006-01-02"
)

// renameFile is swapped out by tests to simulate a crash before the rename.
var renameFile = os.Rename

// Store is the file-backed repository of trade records. Each trading day has
// its own file under dir; PENDING and OPEN rows come first, followed by the
// CLOSED rows preserved from earlier writes.
//
// Load, Save and AppendClosed are each atomic on their own. Callers that read,
// modify and write back the active set must use Update, which holds the store
// lock across the whole cycle.
type Store struct {
	mu     sync.Mutex
	dir    string
	clock  clockwork.Clock
	logger *zap.Logger
	path   string

	// closedSells holds the sell order id of every CLOSED row in any day file.
	closedSells map[string]struct{}
}

// Open prepares the store rooted at dir. Today's file is created with a
// header if absent, carrying over the active set of the most recent earlier
// day. The file is fully validated; a corrupt file fails Open.
func Open(dir string, clock clockwork.Clock, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create store directory: %w", err)
	}
	s := &Store{
		dir:    dir,
		clock:  clock,
		logger: logger.Named("store"),
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	today := s.pathFor(clock.Now())
	if _, err := os.Stat(today); errors.Is(err, os.ErrNotExist) {
		prev, err := s.latestFileBefore(today)
		if err != nil {
			return nil, err
		}
		s.path = prev
	} else if err != nil {
		return nil, err
	} else {
		s.path = today
	}
	if err := s.ensureToday(); err != nil {
		return nil, err
	}
	if _, err := s.readFile(s.path); err != nil {
		return nil, err
	}
	if err := s.indexClosed(); err != nil {
		return nil, err
	}
	s.logger.Info("Trade store opened", zap.String("path", s.path), zap.Int("closed", len(s.closedSells)))
	return s, nil
}

// Path returns the file currently holding the active set.
func (s *Store) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Load returns the current PENDING and OPEN records. CLOSED records stay on
// disk and are not returned.
func (s *Store) Load() (pending, open []*models.Trade, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Save atomically replaces the active set with exactly the given records,
// keeping every CLOSED row already on disk.
func (s *Store) Save(pending, open []*models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(pending, open)
}

// AppendClosed permanently records a CLOSED trade. Appending a second record
// with the same sell order id is a no-op.
func (s *Store) AppendClosed(t *models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendClosed(t)
}

// Update runs fn against a freshly loaded active set while holding the store
// lock, then persists the result. Closed trades queued on the Tx are appended
// before the active set is saved, so a crash in between leaves the trade
// recoverable from the CLOSED row. Nothing is written if fn returns an error.
func (s *Store) Update(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, open, err := s.load()
	if err != nil {
		return err
	}
	tx := &Tx{Pending: pending, Open: open}
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.dirty {
		return nil
	}
	for _, t := range tx.closed {
		if err := s.appendClosed(t); err != nil {
			return err
		}
	}
	return s.save(tx.Pending, tx.Open)
}

func (s *Store) load() (pending, open []*models.Trade, err error) {
	if err := s.ensureToday(); err != nil {
		return nil, nil, err
	}
	trades, err := s.readFile(s.path)
	if err != nil {
		return nil, nil, err
	}
	pending, open, _ = s.split(trades)
	return pending, open, nil
}

// split partitions trades by status. An active record whose sell order
// already has a CLOSED row was closed by a write that crashed before the
// active set was saved; it is dropped here.
func (s *Store) split(trades []*models.Trade) (pending, open, closed []*models.Trade) {
	closedSells := make(map[string]struct{})
	for _, t := range trades {
		if t.Status == models.StatusClosed {
			closedSells[t.SellOrderID] = struct{}{}
			closed = append(closed, t)
		}
	}
	for _, t := range trades {
		switch t.Status {
		case models.StatusPending:
			pending = append(pending, t)
		case models.StatusOpen:
			if _, ok := closedSells[t.SellOrderID]; ok && t.SellOrderID != "" {
				s.logger.Warn("Dropping active record already closed in history",
					zap.String("buy_order_id", t.BuyOrderID),
					zap.String("sell_order_id", t.SellOrderID))
				continue
			}
			open = append(open, t)
		}
	}
	return pending, open, closed
}

func (s *Store) save(pending, open []*models.Trade) error {
	if err := checkActive(pending, open); err != nil {
		return err
	}
	if err := s.ensureToday(); err != nil {
		return err
	}
	trades, err := s.readFile(s.path)
	if err != nil {
		return err
	}
	_, _, closed := s.split(trades)

	rows := make([]*models.Trade, 0, len(pending)+len(open)+len(closed))
	rows = append(rows, pending...)
	rows = append(rows, open...)
	rows = append(rows, closed...)
	return s.writeFile(s.path, rows)
}

func (s *Store) appendClosed(t *models.Trade) error {
	if t.Status != models.StatusClosed {
		return fmt.Errorf("cannot append %s trade %s to history", t.Status, t.BuyOrderID)
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid closed trade %s: %w", t.BuyOrderID, err)
	}
	if _, ok := s.closedSells[t.SellOrderID]; ok {
		s.logger.Debug("Closed trade already recorded", zap.String("sell_order_id", t.SellOrderID))
		return nil
	}
	if err := s.ensureToday(); err != nil {
		return err
	}
	trades, err := s.readFile(s.path)
	if err != nil {
		return err
	}
	if err := s.writeFile(s.path, append(trades, t)); err != nil {
		return err
	}
	s.closedSells[t.SellOrderID] = struct{}{}
	return nil
}

// indexClosed collects the CLOSED sell order ids of every day file, so a
// trade closed before a rollover is not recorded again afterwards.
func (s *Store) indexClosed() error {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*", fileName))
	if err != nil {
		return err
	}
	s.closedSells = make(map[string]struct{})
	for _, path := range paths {
		if _, err := time.Parse(dateLayout, filepath.Base(filepath.Dir(path))); err != nil {
			continue
		}
		trades, err := s.readFile(path)
		if err != nil {
			return err
		}
		for _, t := range trades {
			if t.Status == models.StatusClosed {
				s.closedSells[t.SellOrderID] = struct{}{}
			}
		}
	}
	return nil
}

// checkActive rejects an active set that violates the record invariants.
func checkActive(pending, open []*models.Trade) error {
	buys := make(map[string]struct{})
	sells := make(map[string]struct{})
	check := func(t *models.Trade, want models.Status) error {
		if t.Status != want {
			return fmt.Errorf("trade %s has status %s in the %s list", t.BuyOrderID, t.Status, want)
		}
		if err := t.Validate(); err != nil {
			return fmt.Errorf("trade %s: %w", t.BuyOrderID, err)
		}
		if _, dup := buys[t.BuyOrderID]; dup {
			return fmt.Errorf("duplicate buy order id %s in active set", t.BuyOrderID)
		}
		buys[t.BuyOrderID] = struct{}{}
		if t.SellOrderID != "" {
			if _, dup := sells[t.SellOrderID]; dup {
				return fmt.Errorf("duplicate sell order id %s in active set", t.SellOrderID)
			}
			sells[t.SellOrderID] = struct{}{}
		}
		return nil
	}
	for _, t := range pending {
		if err := check(t, models.StatusPending); err != nil {
			return err
		}
	}
	for _, t := range open {
		if err := check(t, models.StatusOpen); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) pathFor(now time.Time) string {
	return filepath.Join(s.dir, now.Format(dateLayout), fileName)
}

// ensureToday rolls the active set over to a new file when the trading day
// changes. The old file keeps only its CLOSED rows.
func (s *Store) ensureToday() error {
	today := s.pathFor(s.clock.Now())
	if s.path == today {
		if _, err := os.Stat(today); err == nil {
			return nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return s.writeFile(today, nil)
	}
	if err := os.MkdirAll(filepath.Dir(today), 0o755); err != nil {
		return err
	}

	var carried, keep []*models.Trade
	if s.path != "" {
		if _, err := os.Stat(s.path); err == nil {
			trades, err := s.readFile(s.path)
			if err != nil {
				return err
			}
			pending, open, closed := s.split(trades)
			carried = append(pending, open...)
			keep = closed
		}
	}

	existing, err := s.readFileIfExists(today)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(existing))
	for _, t := range existing {
		seen[t.BuyOrderID] = struct{}{}
	}
	var active, closed []*models.Trade
	for _, t := range existing {
		if t.Status == models.StatusClosed {
			closed = append(closed, t)
		} else {
			active = append(active, t)
		}
	}
	for _, t := range carried {
		if _, ok := seen[t.BuyOrderID]; !ok {
			active = append(active, t)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Status == models.StatusPending && active[j].Status != models.StatusPending
	})
	if err := s.writeFile(today, append(active, closed...)); err != nil {
		return err
	}
	if s.path != "" && len(carried) > 0 {
		if err := s.writeFile(s.path, keep); err != nil {
			return err
		}
		s.logger.Info("Rolled active trades over to a new trading day",
			zap.String("from", s.path), zap.String("to", today), zap.Int("count", len(carried)))
	}
	s.path = today
	return nil
}

// latestFileBefore finds the newest day file older than path, or "".
func (s *Store) latestFileBefore(path string) (string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", err
	}
	var days []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := time.Parse(dateLayout, e.Name()); err != nil {
			continue
		}
		candidate := filepath.Join(s.dir, e.Name(), fileName)
		if candidate >= path {
			continue
		}
		if _, err := os.Stat(candidate); err == nil {
			days = append(days, candidate)
		}
	}
	if len(days) == 0 {
		return "", nil
	}
	sort.Strings(days)
	return days[len(days)-1], nil
}

func (s *Store) readFile(path string) ([]*models.Trade, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read trades file: %w", err)
	}
	trades, err := readTrades(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return trades, nil
}

func (s *Store) readFileIfExists(path string) ([]*models.Trade, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return s.readFile(path)
}

// writeFile replaces path with the given rows. The rows go to a temporary
// file in the same directory which is synced and renamed over path, so the
// live file is always either the old or the new content.
func (s *Store) writeFile(path string, trades []*models.Trade) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+fileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("could not create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeTrades(tmp, trades); err != nil {
		tmp.Close()
		return fmt.Errorf("could not write trades: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("could not sync trades: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := renameFile(tmp.Name(), path); err != nil {
		return fmt.Errorf("could not replace trades file: %w", err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
