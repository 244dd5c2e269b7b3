package errorbehavior

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	base := errors.New("modem busy")
	if IsRetryable(base) {
		t.Error("[ERROR] plain error reported as retryable")
	}
	if !IsRetryable(WrapRetryable(base)) {
		t.Error("[ERROR] WrapRetryable lost its behavior")
	}
	if IsRetryable(WrapNonRetryable(base)) {
		t.Error("[ERROR] WrapNonRetryable reported as retryable")
	}
	wrapped := fmt.Errorf("send failed: %w", WrapRetryable(base))
	if !IsRetryable(wrapped) {
		t.Error("[ERROR] behavior not found through fmt.Errorf wrapping")
	}
	if !errors.Is(wrapped, base) {
		t.Error("[ERROR] errors.Is does not reach the original error")
	}
	if WrapRetryable(nil) != nil || WrapNonRetryable(nil) != nil {
		t.Error("[ERROR] wrapping nil must return nil")
	}
}
