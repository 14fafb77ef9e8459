package etcd

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedServerRoundTrip(t *testing.T) {
	server, dir, err := StartTestEmbedEtcdServer()
	if dir != "" {
		defer os.RemoveAll(dir)
	}
	if err != nil {
		t.Skipf("embedded etcd unavailable: %v", err)
	}
	defer server.Close()

	client := NewTestClient(server)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = client.Put(ctx, "chat/test", "v")
	require.NoError(t, err)
	resp, err := client.Get(ctx, "chat/test")
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)
	assert.Equal(t, "v", string(resp.Kvs[0].Value))
}

func TestEmbedClientBeforeStart(t *testing.T) {
	StopEmbedServer()
	_, err := EmbedClient()
	assert.Error(t, err)
}

func TestRemoteClientRequiresEndpoints(t *testing.T) {
	_, err := RemoteClient(nil, time.Second)
	assert.Error(t, err)
}
