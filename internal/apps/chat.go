package apps

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cogsched/cogsched/internal/convstore"
)

// ChatApp is the default in-process app. It owns conversations submitted
// through the edge with no explicit app and persists responses the loop
// routes to it. Orphaned conversations fall back here when their owning
// app is uninstalled.
type ChatApp struct {
	id       string
	store    convstore.Store
	registry *Registry
	logger   *slog.Logger
}

// NewChatApp creates the chat app over the conversation store.
func NewChatApp(id string, store convstore.Store, registry *Registry, logger *slog.Logger) *ChatApp {
	if id == "" {
		id = DefaultChatApp
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatApp{
		id:       id,
		store:    store,
		registry: registry,
		logger:   logger.With("app", id),
	}
}

// ID returns the app id.
func (a *ChatApp) ID() string { return a.id }

// ReceiveMessage persists a routed loop response into the conversation
// store and reports the charge against this app's energy window.
func (a *ChatApp) ReceiveMessage(ctx context.Context, m Message) error {
	requestID, _ := m.Content["request_id"].(string)
	if requestID == "" {
		return fmt.Errorf("%w: message has no request_id", ErrBadRequest)
	}
	response, _ := m.Content["response"].(string)
	modelUsed, _ := m.Content["model_used"].(string)
	charge, _ := m.Content["energy_consumed"].(float64)

	if err := a.store.AddResponse(ctx, requestID, "", response, charge, modelUsed, nil, a.id); err != nil {
		return err
	}
	if a.registry != nil {
		if err := a.registry.RecordEnergy(a.id, charge, requestID, "respond"); err != nil {
			a.logger.Warn("failed to record app energy", "error", err)
		}
	}
	a.logger.Debug("response delivered", "request", requestID, "model", modelUsed)
	return nil
}
