package server

import (
	"fmt"
	"net"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcph4/rainyday/event"
	"github.com/jmcph4/rainyday/peer"
	"github.com/jmcph4/rainyday/wire"
)

type stubSwarm struct {
	added chan string
}

func (s *stubSwarm) AddPeer(id string, conn net.Conn) {
	conn.Close()
	s.added <- id
}

func (s *stubSwarm) RemovePeer(id string) {}

func (s *stubSwarm) GetPeerList() []peer.Session {
	return nil
}

func (s *stubSwarm) BroadcastHave(pieceIndex int) {}

func (s *stubSwarm) SendCancels(cancels map[string][]wire.Request) {}

func (s *stubSwarm) FlagPeers(pieceIndex int, peers mapset.Set) {}

func (s *stubSwarm) Events() <-chan event.Event {
	return nil
}

func (s *stubSwarm) NeedPeers() <-chan int {
	return nil
}

func (s *stubSwarm) Stop() {}

func TestInboundConnectionsReachTheSwarm(t *testing.T) {
	swarm := &stubSwarm{added: make(chan string, 1)}
	quit := make(chan int)
	defer close(quit)

	sv, err := NewServer(swarm, quit)
	require.NoError(t, err)
	assert.Greater(t, sv.GetServerPort(), 0)
	sv.Serve()

	conn, err := net.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", sv.GetServerPort()))
	require.NoError(t, err)
	defer conn.Close()

	select {
	case id := <-swarm.added:
		host, _, err := net.SplitHostPort(id)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", host)
	case <-time.After(time.Second):
		t.Fatal("connection never handed to swarm")
	}
}

func TestQuitClosesListener(t *testing.T) {
	swarm := &stubSwarm{added: make(chan string, 1)}
	quit := make(chan int)

	sv, err := NewServer(swarm, quit)
	require.NoError(t, err)
	sv.Serve()
	close(quit)

	assert.Eventually(t, func() bool {
		conn, err := net.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", sv.GetServerPort()))
		if err != nil {
			return true
		}
		conn.Close()
		return false
	}, time.Second, 20*time.Millisecond)
}