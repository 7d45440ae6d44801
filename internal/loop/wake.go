package loop

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cogsched/cogsched/internal/convstore"
	"github.com/cogsched/cogsched/internal/events"
	"github.com/cogsched/cogsched/pkg/models"
)

// WakeScheduler sweeps snoozed conversations on a fixed cadence,
// independent of the main cycle. Snooze timers are never held in memory:
// every sweep recomputes due conversations from the persisted snooze_until,
// so a restart loses nothing.
type WakeScheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewWakeScheduler starts the sweep against the store, publishing wake
// transitions on the bus. spec is a cron expression; "@every 30s" is a
// sensible default.
func NewWakeScheduler(store convstore.Store, bus events.Bus, spec string, logger *slog.Logger) (*WakeScheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if spec == "" {
		spec = "@every 30s"
	}
	w := &WakeScheduler{
		cron:   cron.New(cron.WithSeconds()),
		logger: logger.With("component", "wake"),
	}
	_, err := w.cron.AddFunc(spec, func() {
		ctx := context.Background()
		woken, err := store.WakeIfDue(ctx, time.Now())
		if err != nil {
			w.logger.Warn("wake sweep failed", "error", err)
			return
		}
		for _, id := range woken {
			w.logger.Info("conversation woken", "conversation", id)
			bus.Publish(models.Event{Type: models.EventConversationStateChanged, Payload: models.ConversationStateChanged{
				RequestID: id,
				Old:       string(convstore.StateSnoozed),
				New:       string(convstore.StateActive),
				Reason:    "snooze elapsed",
			}})
		}
	})
	if err != nil {
		return nil, err
	}
	w.cron.Start()
	return w, nil
}

// Stop halts the sweep, waiting for a running sweep to finish.
func (w *WakeScheduler) Stop() {
	<-w.cron.Stop().Done()
}
