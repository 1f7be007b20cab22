package journal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/RoanBrand/ChargerCaseCommsProtocol/bus"
)

// Sync writes everything arriving on sub into the store until ctx is done or
// the subscription is closed. Failed writes are logged and skipped.
func Sync(ctx context.Context, store *Store, sub bus.Subscription, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default().With("component", "journal")
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub:
			if !ok {
				return
			}
			var err error
			switch m := msg.(type) {
			case Event:
				err = store.Record(ctx, m)
			case StatsSample:
				err = store.RecordStats(ctx, m)
			default:
				logger.Warn("unexpected journal message", "payload_type", fmt.Sprintf("%T", m))
				continue
			}
			if err != nil {
				logger.Error("journal write failed", "error", err)
			}
		}
	}
}
