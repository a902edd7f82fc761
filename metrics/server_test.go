package metrics

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plan-systems/plan-keyagent/ctx"
)

func TestServerRefusesNonLoopback(t *testing.T) {
	_, err := NewServer("0.0.0.0:0", ctx.NewLogger("metrics"))
	assert.Error(t, err)

	_, err = NewServer("nonsense", ctx.NewLogger("metrics"))
	assert.Error(t, err)
}

func TestServerServesMetrics(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", ctx.NewLogger("metrics"))
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	defer func() {
		srv.CtxStop("test done", nil)
		srv.CtxWait()
	}()

	RequestsTotal.WithLabelValues("list", "ok").Inc()

	resp, err := http.Get("http://" + srv.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "keyagent_requests_total")
}

func TestServerStopsWithParent(t *testing.T) {
	parent := ctx.NewContext("keyagentd")
	require.NoError(t, parent.CtxStart(nil, nil, nil))

	srv, err := NewServer("127.0.0.1:0", ctx.NewLogger("metrics"))
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	parent.CtxAddChild(srv)
	url := "http://" + srv.Addr().String() + "/metrics"

	resp, err := http.Get(url)
	require.NoError(t, err)
	resp.Body.Close()

	parent.CtxStop("shutting down", nil)
	parent.CtxWait()
	srv.CtxWait()

	assert.False(t, srv.CtxRunning())
	assert.Error(t, srv.CtxStatus())
	_, err = http.Get(url)
	assert.Error(t, err)
}
