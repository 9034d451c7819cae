package txsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yorutsuke/yorutsuke/fault"
	"github.com/yorutsuke/yorutsuke/ledger"
)

func TestRemoteDeadlineSurfacesNetworkFault(t *testing.T) {
	var release = make(chan struct{})
	var ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	var remote = &HTTPRemote{BaseURL: ts.URL, Timeout: 20 * time.Millisecond}

	_, err := remote.Push(context.Background(), &ledger.Transaction{Id: "tx-100-a"})
	require.Error(t, err)
	require.Equal(t, fault.Network, fault.KindOf(err))
	require.True(t, fault.KindOf(err).Retriable())

	_, _, err = remote.Pull(context.Background(), "device-abc", time.Time{}, 10)
	require.Equal(t, fault.Network, fault.KindOf(err))
}
