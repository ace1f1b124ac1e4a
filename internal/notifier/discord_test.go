package notifier

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscordNotifier_Notify(t *testing.T) {
	var payload map[string]string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &payload))

		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	n := NewDiscordNotifier(ts.URL)
	require.NoError(t, n.Notify("✅ Download finished: test"))

	assert.Equal(t, "✅ Download finished: test", payload["content"])
	assert.Equal(t, "torbox-watcher", payload["username"])
}

func TestDiscordNotifier_FailureStatuses(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer ts.Close()

	n := NewDiscordNotifier(ts.URL)
	assert.Error(t, n.Notify("hello"))
}

func TestDiscordNotifier_RequiresWebhookURL(t *testing.T) {
	n := NewDiscordNotifier("")
	assert.Error(t, n.Notify("hello"))
}
