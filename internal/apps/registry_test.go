package apps

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingInstance struct {
	received []Message
}

func (r *recordingInstance) ReceiveMessage(ctx context.Context, m Message) error {
	r.received = append(r.received, m)
	return nil
}

func TestInstallUninstallRoundTrip(t *testing.T) {
	r := New(nil)
	_, err := r.Install(Config{ID: "chat", Type: TypeInProcess, Enabled: true})
	require.NoError(t, err)
	require.Len(t, r.List(), 1)

	require.NoError(t, r.Uninstall("chat"))
	assert.Empty(t, r.List())
}

func TestInstallDuplicateRejected(t *testing.T) {
	r := New(nil)
	_, err := r.Install(Config{ID: "chat", Type: TypeInProcess})
	require.NoError(t, err)
	_, err = r.Install(Config{ID: "chat", Type: TypeInProcess})
	assert.ErrorIs(t, err, ErrAlreadyInstalled)
}

func TestHTTPAppRequiresEndpoint(t *testing.T) {
	r := New(nil)
	_, err := r.Install(Config{ID: "webhook", Type: TypeHTTP})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestAssociateConversationIdempotent(t *testing.T) {
	r := New(nil)
	_, err := r.Install(Config{ID: "chat", Type: TypeInProcess})
	require.NoError(t, err)

	require.NoError(t, r.AssociateConversation("c1", "chat"))
	require.NoError(t, r.AssociateConversation("c1", "chat"))
	assert.Len(t, r.conversations["chat"], 1)
}

func TestRouteMessageRefusesLoop(t *testing.T) {
	r := New(nil)
	err := r.RouteMessage(context.Background(), Message{To: "loop"})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestRouteMessageDeliversToInstance(t *testing.T) {
	r := New(nil)
	_, err := r.Install(Config{ID: "chat", Type: TypeInProcess})
	require.NoError(t, err)
	inst := &recordingInstance{}
	require.NoError(t, r.RegisterApp("chat", inst))

	err = r.RouteMessage(context.Background(), Message{From: "loop", To: "chat", Content: map[string]any{"x": 1}})
	require.NoError(t, err)
	require.Len(t, inst.received, 1)
}

func TestHealthClassification(t *testing.T) {
	r := New(nil)
	app, err := r.Install(Config{ID: "chat", Type: TypeInProcess})
	require.NoError(t, err)

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	require.NoError(t, r.RecordEnergy("chat", 60, "c1", "llm_call"))
	health, err := r.GetAppHealth("chat")
	require.NoError(t, err)
	assert.Equal(t, HealthUnhealthy, health)
	_ = app
}

func TestGetEnergyMetricsUnknownApp(t *testing.T) {
	r := New(nil)
	_, err := r.GetEnergyMetrics("missing")
	assert.ErrorIs(t, err, ErrUnknownApp)
}
