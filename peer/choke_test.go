package peer

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func interestedPeer(id string, speed int) *PeerInfo {
	return &PeerInfo{
		ID:        id,
		State:     connState{peerInterested: true, peerChoking: true, clientChoking: true},
		LastPiece: time.Now().Unix(),
		speed:     speed,
	}
}

func TestFastestInterestedPeersAreUnchoked(t *testing.T) {
	peerInfos := []*PeerInfo{
		interestedPeer("a", 60),
		interestedPeer("b", 50),
		interestedPeer("c", 40),
		interestedPeer("d", 30),
		interestedPeer("e", 20),
		interestedPeer("f", 10),
	}
	decideUnchokes(peerInfos, time.Now().Unix(), rand.New(rand.NewSource(1)))

	for _, peerInfo := range peerInfos[:DOWNLOADERS-1] {
		assert.True(t, peerInfo.shouldUnchoke, peerInfo.ID)
	}

	// one optimistic slot among the remainder
	optimistic := 0
	for _, peerInfo := range peerInfos[DOWNLOADERS-1:] {
		if peerInfo.shouldUnchoke {
			optimistic++
		}
	}
	assert.Equal(t, 1, optimistic)
}

func TestFasterUninterestedPeersStayUnchoked(t *testing.T) {
	fast := &PeerInfo{ID: "fast", speed: 100, LastPiece: time.Now().Unix()}
	slow := &PeerInfo{ID: "slow", speed: 1, LastPiece: time.Now().Unix()}
	peerInfos := []*PeerInfo{
		interestedPeer("a", 60),
		interestedPeer("b", 50),
		fast,
		slow,
	}
	decideUnchokes(peerInfos, time.Now().Unix(), rand.New(rand.NewSource(1)))

	assert.True(t, fast.shouldUnchoke)
	assert.False(t, slow.shouldUnchoke)
}

func TestSnubbingClientsAreNotUnchoked(t *testing.T) {
	now := time.Now().Unix()
	snubber := &PeerInfo{
		ID: "snubber",
		State: connState{
			peerInterested:   true,
			clientInterested: true,
			peerChoking:      false,
		},
		LastPiece: now - SNUBBED_PERIOD - 10,
		speed:     1000,
	}
	peerInfos := []*PeerInfo{
		snubber,
		interestedPeer("a", 10),
	}
	decideUnchokes(peerInfos, now, rand.New(rand.NewSource(1)))

	assert.True(t, snubber.snubbedClient)
	assert.False(t, snubber.shouldUnchoke)
	assert.True(t, peerInfos[1].shouldUnchoke)
}

func TestFewInterestedPeersAllUnchoked(t *testing.T) {
	peerInfos := []*PeerInfo{
		interestedPeer("a", 10),
		interestedPeer("b", 0),
	}
	decideUnchokes(peerInfos, time.Now().Unix(), rand.New(rand.NewSource(1)))

	assert.True(t, peerInfos[0].shouldUnchoke)
	assert.True(t, peerInfos[1].shouldUnchoke)
}
