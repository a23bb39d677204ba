package httputil

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStartStop(t *testing.T) {
	srv, err := StartHTTPServer("127.0.0.1:0", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	require.NoError(t, err)
	require.False(t, srv.Closed())

	resp, err := http.Get(srv.HTTPEndpoint())
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, "ok", string(body))

	require.NoError(t, srv.Stop(context.Background()))
	require.True(t, srv.Closed())
	require.Empty(t, srv.HTTPEndpoint())
	// stopping a server that never started is a no-op
	require.NoError(t, NewHTTPServer("127.0.0.1:0", nil).Stop(context.Background()))
}
