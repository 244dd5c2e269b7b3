package outbox

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"go.r2bridge.org/internal/dbutil"
)

const sendCountsTable = "outbox.send_counts"

var ErrLimitReached = errors.New("send limit reached")

// Limits caps the messages sent through one gateway. Zero means unlimited.
// The per-minute limit delays sending, the others fail it.
type Limits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

func sendCountKey(gateway string, t time.Time) []byte {
	return []byte(gateway + "/" + t.UTC().Truncate(time.Minute).Format("2006-01-02T15:04"))
}

// checkLimits returns how long to wait before sending, or ErrLimitReached.
func (s *Service) checkLimits(now time.Time) (time.Duration, error) {
	gw := s.sender.GatewayName()
	if s.limits.PerMinute > 0 {
		var count int
		err := s.db.View(func(tx *bolt.Tx) error {
			return dbutil.GetByTableKeyTx(tx, sendCountsTable, sendCountKey(gw, now), &count)
		})
		if err != nil && !errors.Is(err, dbutil.ErrNotFound) {
			return 0, fmt.Errorf("failed to read count: %w", err)
		}
		if count >= s.limits.PerMinute {
			return time.Minute - now.Sub(now.Truncate(time.Minute)), nil
		}
	}
	for _, l := range []struct {
		limit  int
		window time.Duration
	}{
		{s.limits.PerHour, time.Hour},
		{s.limits.PerDay, 24 * time.Hour},
	} {
		if l.limit <= 0 {
			continue
		}
		count, err := s.sentSince(now.Add(-l.window + time.Minute))
		if err != nil {
			return 0, err
		}
		if count >= l.limit {
			return 0, fmt.Errorf("%w: sent %d in the last %v", ErrLimitReached, count, l.window)
		}
	}
	return 0, nil
}

func (s *Service) sentSince(t time.Time) (int, error) {
	gw := s.sender.GatewayName()
	var count int
	err := dbutil.ForEachStartPrefix(s.db, sendCountsTable, sendCountKey(gw, t), []byte(gw+"/"), func(k []byte, n int) error {
		count += n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read count: %w", err)
	}
	return count, nil
}

func (s *Service) countSent(now time.Time) error {
	key := sendCountKey(s.sender.GatewayName(), now)
	return s.db.Update(func(tx *bolt.Tx) error {
		var count int
		err := dbutil.GetByTableKeyTx(tx, sendCountsTable, key, &count)
		if err != nil && !errors.Is(err, dbutil.ErrNotFound) {
			return err
		}
		return dbutil.UpsertTableKeyValueTx(tx, sendCountsTable, key, count+1)
	})
}
