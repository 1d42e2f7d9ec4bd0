package store

import (
	"fmt"
	"time"

	"github.com/aristath/catalyst-engine/internal/domain"
)

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimeLoose(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, raw)
}

func errNotFilled(orderID string, status domain.OrderStatus) error {
	return fmt.Errorf("order %s is %s, not filled", orderID, status)
}

func errClosedBeforeOpened(positionID string) error {
	return fmt.Errorf("position %s: closed-at precedes opened-at", positionID)
}
