package publisher

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/quorumkeeper/coordinator"
	"github.com/maxpert/quorumkeeper/encoding"
	"github.com/maxpert/quorumkeeper/notify"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixEntry  = "/journal/" // /journal/{16-digit-zero-padded-seq}
	prefixCursor = "/cursor/"  // /cursor/{sinkName}
	keyNextSeq   = "/seq"      // /seq -> uint64 (last assigned sequence)
)

// Outcomes are small and rare compared to a data-plane log
const (
	memTableSize             = 4 << 20 // 4MB
	maxConcurrentCompactions = 1
)

const (
	defaultReadLimit    = 100
	cleanupIntervalMask = 0x3F // Cleanup every 64 sequences
)

// Journal is a Pebble-backed append-only log of reconciliation outcomes
// with per-sink consumption cursors
type Journal struct {
	db   *pebble.DB
	path string

	cursors   map[string]uint64
	cursorsMu sync.RWMutex

	// appendMu serializes sequence assignment across concurrent recorders
	appendMu sync.Mutex
	nextSeq  atomic.Uint64

	cleanupMu      sync.Mutex
	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	appended *notify.Hub // signalled with the last sequence after each append

	closed atomic.Bool
}

// OpenJournal creates or opens the journal under dataDir
func OpenJournal(dataDir string) (*Journal, error) {
	journalPath := filepath.Join(dataDir, "journal")

	opts := &pebble.Options{
		MemTableSize:             memTableSize,
		MaxConcurrentCompactions: func() int { return maxConcurrentCompactions },
	}

	db, err := pebble.Open(journalPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal at %s: %w", journalPath, err)
	}

	j := &Journal{
		db:      db,
		path:     journalPath,
		cursors:  make(map[string]uint64),
		appended: notify.NewHub(),
	}

	if err := j.loadNextSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence number: %w", err)
	}

	if err := j.loadCursors(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}

	return j, nil
}

func (j *Journal) loadNextSeq() error {
	val, closer, err := j.db.Get([]byte(keyNextSeq))
	if err == pebble.ErrNotFound {
		j.nextSeq.Store(0)
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	if len(val) != 8 {
		return fmt.Errorf("invalid sequence value length: %d", len(val))
	}

	j.nextSeq.Store(binary.LittleEndian.Uint64(val))
	return nil
}

func (j *Journal) loadCursors() error {
	prefix := []byte(prefixCursor)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		sink := string(iter.Key()[len(prefixCursor):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted cursor data for sink %s: invalid length %d", sink, len(val))
		}
		j.cursors[sink] = binary.LittleEndian.Uint64(val)
	}

	if err := iter.Error(); err != nil {
		return err
	}

	if len(j.cursors) > 0 {
		log.Info().Int("cursors", len(j.cursors)).Msg("Loaded journal cursors")
	}
	return nil
}

// Append stores outcomes and assigns their sequence numbers.
// The Seq field of every element is overwritten.
func (j *Journal) Append(outcomes []coordinator.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	if j.closed.Load() {
		return fmt.Errorf("journal is closed")
	}

	j.appendMu.Lock()
	defer j.appendMu.Unlock()

	seq := j.nextSeq.Load()

	batch := j.db.NewBatch()
	defer batch.Close()

	for i := range outcomes {
		seq++
		outcomes[i].Seq = seq

		val, err := encoding.MarshalCompressed(&outcomes[i])
		if err != nil {
			return fmt.Errorf("failed to marshal outcome: %w", err)
		}
		if err := batch.Set([]byte(formatEntryKey(seq)), val, nil); err != nil {
			return fmt.Errorf("failed to write outcome: %w", err)
		}
	}

	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, seq)
	if err := batch.Set([]byte(keyNextSeq), seqBuf, nil); err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	j.nextSeq.Store(seq)
	j.appended.Signal(seq)
	return nil
}

// Subscribe returns a channel woken after appends, and its cancel func
func (j *Journal) Subscribe() (<-chan uint64, func()) {
	return j.appended.Subscribe()
}

// Record appends a single outcome; failures are logged, never returned,
// so a journal outage cannot fail a reconciliation
func (j *Journal) Record(outcome *coordinator.Outcome) {
	entry := *outcome
	if err := j.Append([]coordinator.Outcome{entry}); err != nil {
		log.Error().
			Err(err).
			Str("namespace", outcome.Namespace).
			Str("deployment", outcome.Deployment).
			Str("outcome", outcome.ID).
			Msg("Failed to journal reconciliation outcome")
	}
}

// ReadFrom reads outcomes after cursor, up to limit entries
func (j *Journal) ReadFrom(cursor uint64, limit int) ([]coordinator.Outcome, error) {
	if j.closed.Load() {
		return nil, fmt.Errorf("journal is closed")
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	startKey := []byte(formatEntryKey(cursor + 1))
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: startKey,
		UpperBound: prefixUpperBound([]byte(prefixEntry)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	outcomes := make([]coordinator.Outcome, 0, limit)
	for iter.SeekGE(startKey); iter.Valid() && len(outcomes) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var o coordinator.Outcome
		if err := encoding.UnmarshalCompressed(val, &o); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping corrupted journal entry")
			continue
		}
		outcomes = append(outcomes, o)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// LastSeq returns the sequence of the newest entry
func (j *Journal) LastSeq() uint64 {
	return j.nextSeq.Load()
}

// GetCursor returns the last consumed sequence of a sink
func (j *Journal) GetCursor(sinkName string) (uint64, error) {
	if j.closed.Load() {
		return 0, fmt.Errorf("journal is closed")
	}

	j.cursorsMu.RLock()
	defer j.cursorsMu.RUnlock()
	// every persisted cursor is loaded at open, so a miss is a new sink
	return j.cursors[sinkName], nil
}

// AdvanceCursor persists the consumed position of a sink and periodically
// deletes entries every sink has consumed
func (j *Journal) AdvanceCursor(sinkName string, seq uint64) error {
	if j.closed.Load() {
		return fmt.Errorf("journal is closed")
	}

	j.cursorsMu.Lock()
	j.cursors[sinkName] = seq
	j.cursorsMu.Unlock()

	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, seq)
	if err := j.db.Set([]byte(prefixCursor+sinkName), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	if seq&cleanupIntervalMask == 0 && j.cleanupRunning.CompareAndSwap(false, true) {
		j.cleanupWg.Add(1)
		go j.cleanupAsync()
	}
	return nil
}

// Backlog returns the number of unconsumed entries per sink
func (j *Journal) Backlog() map[string]uint64 {
	last := j.nextSeq.Load()

	j.cursorsMu.RLock()
	defer j.cursorsMu.RUnlock()

	out := make(map[string]uint64, len(j.cursors))
	for sink, cursor := range j.cursors {
		if cursor < last {
			out[sink] = last - cursor
		} else {
			out[sink] = 0
		}
	}
	return out
}

// cleanup deletes entries below the minimum cursor
func (j *Journal) cleanup() {
	j.cleanupMu.Lock()
	defer j.cleanupMu.Unlock()

	if j.closed.Load() {
		return
	}

	j.cursorsMu.RLock()
	if len(j.cursors) == 0 {
		j.cursorsMu.RUnlock()
		return
	}
	minCursor := ^uint64(0)
	for _, cursor := range j.cursors {
		if cursor < minCursor {
			minCursor = cursor
		}
	}
	j.cursorsMu.RUnlock()

	if minCursor == 0 {
		return
	}

	// the entry at minCursor itself is consumed too
	endKey := []byte(formatEntryKey(minCursor + 1))
	if err := j.db.DeleteRange([]byte(prefixEntry), endKey, pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("min_cursor", minCursor).Msg("Failed to clean up journal")
		return
	}

	log.Debug().Uint64("min_cursor", minCursor).Msg("Cleaned up journal entries")
}

func (j *Journal) cleanupAsync() {
	defer j.cleanupWg.Done()
	defer j.cleanupRunning.Store(false)
	j.cleanup()
}

// Close waits for in-flight cleanup and closes the database
func (j *Journal) Close() error {
	if !j.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("journal already closed")
	}

	j.cleanupWg.Wait()
	j.appended.Close()

	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

func formatEntryKey(seq uint64) string {
	return fmt.Sprintf("%s%016x", prefixEntry, seq)
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
