package executorregistry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowbase/core/internal/kv/memkv"
	"github.com/flowbase/core/internal/model"
	"github.com/flowbase/core/internal/store/memory"
)

func TestRegister_ThenLookup(t *testing.T) {
	ctx := context.Background()
	reg := New(memkv.New(), memory.New())

	route := model.ExecutorRoute{ExecutorID: "e1", EdgeID: "edge1", Pool: model.PoolManaged, OrgID: "org1", MaxInFlight: 4}
	require.NoError(t, reg.Register(ctx, route))

	got, err := reg.Lookup(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, "edge1", got.EdgeID)
	require.Equal(t, 4, got.MaxInFlight)
}

func TestLookup_ExpiresAfterLiveness(t *testing.T) {
	ctx := context.Background()
	reg := New(memkv.New(), memory.New(), WithLiveness(10*time.Millisecond))
	require.NoError(t, reg.Register(ctx, model.ExecutorRoute{ExecutorID: "e1"}))

	time.Sleep(30 * time.Millisecond)
	_, err := reg.Lookup(ctx, "e1")
	require.Error(t, err)
}

func TestHeartbeat_ExtendsLiveness(t *testing.T) {
	ctx := context.Background()
	reg := New(memkv.New(), memory.New(), WithLiveness(40*time.Millisecond))
	require.NoError(t, reg.Register(ctx, model.ExecutorRoute{ExecutorID: "e1"}))

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, reg.Heartbeat(ctx, "e1"))
	time.Sleep(30 * time.Millisecond)

	_, err := reg.Lookup(ctx, "e1")
	require.NoError(t, err, "heartbeat should have refreshed the TTL past the original window")
}

func TestDeregister_RemovesImmediately(t *testing.T) {
	ctx := context.Background()
	reg := New(memkv.New(), memory.New())
	require.NoError(t, reg.Register(ctx, model.ExecutorRoute{ExecutorID: "e1"}))
	require.NoError(t, reg.Deregister(ctx, "e1"))

	_, err := reg.Lookup(ctx, "e1")
	require.Error(t, err)
}

func TestListLive_ReturnsOnlyUnexpired(t *testing.T) {
	ctx := context.Background()
	reg := New(memkv.New(), memory.New())
	require.NoError(t, reg.Register(ctx, model.ExecutorRoute{ExecutorID: "e1"}))
	require.NoError(t, reg.Register(ctx, model.ExecutorRoute{ExecutorID: "e2"}))

	routes, err := reg.ListLive(ctx)
	require.NoError(t, err)
	require.Len(t, routes, 2)
}
