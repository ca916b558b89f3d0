package link

import (
	"context"
	"testing"
	"time"

	"github.com/arloliu/go-link/logger"
	"github.com/stretchr/testify/require"
)

func TestConnState_String(t *testing.T) {
	require := require.New(t)

	require.Equal("disconnected", Disconnected.String())
	require.Equal("connecting", Connecting.String())
	require.Equal("connected", Connected.String())
	require.Equal("disconnecting", Disconnecting.String())
	require.Equal("unknown", ConnState(42).String())
}

func TestConnState_Edges(t *testing.T) {
	all := []ConnState{Disconnected, Connecting, Connected, Disconnecting}
	valid := map[[2]ConnState]bool{
		{Disconnected, Connecting}:    true,
		{Connecting, Connected}:       true,
		{Connecting, Disconnected}:    true,
		{Connected, Disconnecting}:    true,
		{Disconnecting, Disconnected}: true,
	}

	for _, from := range all {
		for _, to := range all {
			require.Equal(t, valid[[2]ConnState{from, to}], from.CanTransitTo(to), "%s -> %s", from, to)
		}
	}
}

func TestConnStateMgr_Transit(t *testing.T) {
	require := require.New(t)

	var changes []StateChange
	mgr := newConnStateMgr(logger.GetLogger(), func(c StateChange) {
		changes = append(changes, c)
	})
	require.Equal(Disconnected, mgr.State())

	require.ErrorIs(mgr.transit(Connected, nil), ErrInvalidTransition)
	require.ErrorIs(mgr.transit(Disconnected, nil), ErrInvalidTransition, "self loop")
	require.Equal(Disconnected, mgr.State())
	require.Empty(changes)

	require.NoError(mgr.transit(Connecting, nil))
	require.NoError(mgr.transit(Disconnected, ErrIOTimeout))
	require.NoError(mgr.transit(Connecting, nil))
	require.NoError(mgr.transit(Connected, nil))
	require.ErrorIs(mgr.transit(Connecting, nil), ErrInvalidTransition)
	require.NoError(mgr.transit(Disconnecting, ErrLinkLost))
	require.NoError(mgr.transit(Disconnected, ErrLinkLost))

	require.Equal([]StateChange{
		{Prev: Disconnected, State: Connecting},
		{Prev: Connecting, State: Disconnected, Reason: ErrIOTimeout},
		{Prev: Disconnected, State: Connecting},
		{Prev: Connecting, State: Connected},
		{Prev: Connected, State: Disconnecting, Reason: ErrLinkLost},
		{Prev: Disconnecting, State: Disconnected, Reason: ErrLinkLost},
	}, changes)
}

func TestConnStateMgr_WaitState(t *testing.T) {
	require := require.New(t)

	mgr := newConnStateMgr(logger.GetLogger())
	require.NoError(mgr.WaitState(context.Background(), Disconnected))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = mgr.transit(Connecting, nil)
		_ = mgr.transit(Connected, nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(mgr.WaitState(ctx, Connected))

	ctx2, cancel2 := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel2()
	require.ErrorIs(mgr.WaitState(ctx2, Disconnecting), context.DeadlineExceeded)
}
