//go:build integration

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/npezzotti/caresync-rtc/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRedisRelay_Integration(t *testing.T) {
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	addr := fmt.Sprintf("%s:%s", host, port.Port())
	publisher, err := NewRedisRelay(testutil.TestLogger(t), addr, "")
	require.NoError(t, err)
	defer publisher.Close()
	subscriber, err := NewRedisRelay(testutil.TestLogger(t), addr, "")
	require.NoError(t, err)
	defer subscriber.Close()

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	got := make(chan Envelope, 1)
	require.NoError(t, subscriber.StartForwarder(subCtx, func(env Envelope) { got <- env }))

	env := Envelope{Origin: "instance-a", Room: "p-d", Event: "message", Data: json.RawMessage(`{"message":"hi"}`)}
	require.NoError(t, publisher.Publish(ctx, env))

	select {
	case recv := <-got:
		assert.Equal(t, env.Room, recv.Room)
		assert.Equal(t, env.Event, recv.Event)
		assert.JSONEq(t, string(env.Data), string(recv.Data))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for relayed envelope")
	}
}
