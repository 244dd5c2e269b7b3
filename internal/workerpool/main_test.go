package workerpool

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.r2bridge.org/internal/errorbehavior"
)

var flagDebugLogs = flag.Bool("debug", false, "Enable debug logs")

func TestPoolCorrectness(t *testing.T) {
	p, err := NewPool(5, Retries(1), RetryDelay(time.Millisecond), Name("p"), LoggerInfo(loggerIfDebugEnabled()), LoggerDebug(loggerIfDebugEnabled()))
	if err != nil {
		t.Fatalf("[ERROR] failed to create pool p: %s", err)
	}

	const submittedCount = 100
	var mu sync.Mutex
	seen := make(map[int]int, submittedCount)
	for i := 0; i < submittedCount; i++ {
		i := i
		p.Submit(func(workerID int, attempt int) error {
			// fail the first attempt only
			if attempt == 0 {
				return errorbehavior.WrapRetryable(fmt.Errorf("failed"))
			}
			mu.Lock()
			seen[i]++
			mu.Unlock()
			return nil
		})
	}
	p.StopAndWait()

	if len(seen) != submittedCount {
		t.Errorf("[ERROR] expected %d results, got %d", submittedCount, len(seen))
	}
	for i, n := range seen {
		if n != 1 {
			t.Errorf("[ERROR] job %d completed %d times", i, n)
		}
	}
}

func TestPoolNoRetryByDefault(t *testing.T) {
	p, err := NewPool(2, RetryDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("[ERROR] failed to create pool: %s", err)
	}
	var attempts int32
	p.Submit(func(workerID int, attempt int) error {
		atomic.AddInt32(&attempts, 1)
		return errorbehavior.WrapRetryable(errors.New("modem busy"))
	})
	p.Submit(func(workerID int, attempt int) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("permanent")
	})
	p.StopAndWait()
	if n := atomic.LoadInt32(&attempts); n != 2 {
		t.Errorf("[ERROR] expected exactly 2 attempts, got %d", n)
	}
}

func TestPoolSubmitAfterStop(t *testing.T) {
	p, err := NewPool(1)
	if err != nil {
		t.Fatalf("[ERROR] failed to create pool: %s", err)
	}
	p.StopAndWait()
	if p.Submit(func(workerID int, attempt int) error { return nil }) {
		t.Error("[ERROR] Submit accepted a job after StopAndWait")
	}
	// second call must not panic on closed channel
	p.StopAndWait()
}

func TestPoolInvalidConfig(t *testing.T) {
	if _, err := NewPool(0); err == nil {
		t.Error("[ERROR] expected error for zero workers")
	}
	if _, err := NewPool(1, Retries(-1)); err == nil {
		t.Error("[ERROR] expected error for negative retries")
	}
}

func loggerIfDebugEnabled() *log.Logger {
	if *flagDebugLogs {
		return log.New(os.Stdout, "[DEBUG] ", log.LstdFlags|log.Lmsgprefix)
	}
	return nil
}
