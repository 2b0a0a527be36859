package client

import (
	"fmt"
	"time"

	"github.com/jmcph4/rainyday/peer"
	"github.com/jmcph4/rainyday/piece"
)

// Config carries the engine's tunables. Zero values fall back to the
// defaults below; Apply pushes the result onto the package knobs.
type Config struct {
	BlockSize            int
	PipelineDepth        int
	RequestTimeout       time.Duration
	EndgameThreshold     float64
	FailureCooldown      time.Duration
	ChokeInterval        time.Duration
	KeepAliveInterval    time.Duration
	PeerTimeout          time.Duration
	MaxPeers             int
	TargetPeers          int
	ShowDownloadProgress bool
}

var DefaultConfig = Config{
	BlockSize:            16384,
	PipelineDepth:        5,
	RequestTimeout:       30 * time.Second,
	EndgameThreshold:     0.05,
	FailureCooldown:      60 * time.Second,
	ChokeInterval:        10 * time.Second,
	KeepAliveInterval:    time.Minute,
	PeerTimeout:          120 * time.Second,
	MaxPeers:             100,
	TargetPeers:          30,
	ShowDownloadProgress: true,
}

func (c Config) validate() error {
	if c.BlockSize <= 0 || c.BlockSize > 131072 {
		return fmt.Errorf("block size %d out of range", c.BlockSize)
	}
	if c.PipelineDepth <= 0 {
		return fmt.Errorf("pipeline depth must be positive")
	}
	if c.EndgameThreshold < 0 || c.EndgameThreshold > 1 {
		return fmt.Errorf("endgame threshold must be a fraction")
	}
	if c.TargetPeers > c.MaxPeers {
		return fmt.Errorf("target peers above peer cap")
	}
	return nil
}

func (c Config) apply() error {
	if err := c.validate(); err != nil {
		return err
	}
	piece.BLOCK_SIZE = c.BlockSize
	piece.MAX_OUTSTANDING_REQUESTS = c.PipelineDepth
	piece.REQUEST_TIMEOUT = c.RequestTimeout
	piece.ENDGAME_THRESHOLD = c.EndgameThreshold
	piece.FAILURE_COOLDOWN = c.FailureCooldown
	peer.CHOKE_INTERVAL = c.ChokeInterval
	peer.KEEP_ALIVE_INTERVAL = c.KeepAliveInterval
	peer.PEER_TIMEOUT = c.PeerTimeout
	peer.MAX_PEERS = c.MaxPeers
	peer.TARGET_PEERS = c.TargetPeers
	return nil
}
