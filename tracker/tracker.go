// Package tracker announces to HTTP (BEP 3) and UDP (BEP 15)
// trackers and feeds the discovered peer addresses to the swarm. The
// engine itself never announces; it only consumes the address stream
// and signals when it is starved.
package tracker

import (
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jmcph4/rainyday/stats"
)

const (
	NONE      = 0
	COMPLETED = 1
	STARTED   = 2
	STOPPED   = 3
)

var (
	DEFAULT_INTERVAL = 30 * time.Minute
	NUMWANT          = int32(50)
)

// PeerSink is the swarm-facing half of the tracker: somewhere to push
// candidate addresses, and a starvation signal that forces an early
// re-announce.
type PeerSink interface {
	AddPeer(id string, conn net.Conn)
	NeedPeers() <-chan int
}

type Tracker interface {
	Start()
}

type tracker struct {
	announceList [][]string
	infoHash     []byte
	stats        stats.Stats
	sink         PeerSink
	quit         chan int
	serverPort   uint16
	key          int32
	numwant      int32
	announceResp struct {
		interval time.Duration
		leechers int32
		seeders  int32
	}
}

func NewTracker(
	announceList [][]string,
	infoHash []byte,
	st stats.Stats,
	sink PeerSink,
	quit chan int,
	serverPort int) Tracker {

	return &tracker{
		announceList: announceList,
		infoHash:     infoHash,
		stats:        st,
		sink:         sink,
		quit:         quit,
		serverPort:   uint16(serverPort),
		key:          rand.Int31(),
		numwant:      NUMWANT,
	}
}

func (tr *tracker) queryTracker(trackerURL string, event int) error {
	switch {
	case strings.HasPrefix(trackerURL, "udp://"):
		return tr.queryUDPTracker(trackerURL, event)
	case strings.HasPrefix(trackerURL, "http://"), strings.HasPrefix(trackerURL, "https://"):
		return tr.queryHTTPTracker(trackerURL, event)
	}
	return fmt.Errorf("unsupported tracker scheme in %q", trackerURL)
}

// announceTracker runs the announce cadence against one tracker URL
// until the engine shuts down or the tracker errors.
func (tr *tracker) announceTracker(trackerURL string) error {
	if err := tr.queryTracker(trackerURL, STARTED); err != nil {
		return err
	}

	for {
		interval := tr.announceResp.interval
		if interval <= 0 {
			interval = DEFAULT_INTERVAL
		}
		select {
		case <-tr.quit:
			log.Debug("stopping tracker announces")
			tr.queryTracker(trackerURL, STOPPED)
			return nil
		case want := <-tr.sink.NeedPeers():
			log.Debugf("swarm short %d peers, re-announcing", want)
			if err := tr.queryTracker(trackerURL, NONE); err != nil {
				return err
			}
		case <-time.After(interval):
			if err := tr.queryTracker(trackerURL, NONE); err != nil {
				return err
			}
		}
	}
}

// connectTracker walks the announce tiers, demoting trackers that
// fail within their tier.
func (tr *tracker) connectTracker() {
	for _, trackerURLs := range tr.announceList {
		for i, trackerURL := range trackerURLs {
			err := tr.announceTracker(trackerURL)
			if err == nil {
				return
			}
			log.Debugf("tracker %s: %v", trackerURL, err)
			copy(trackerURLs[i:], trackerURLs[i+1:])
			trackerURLs[len(trackerURLs)-1] = trackerURL
		}
	}
}

func (tr *tracker) Start() {
	for {
		select {
		case <-tr.quit:
			return
		default:
			tr.connectTracker()
			// All trackers failed; back off before the next pass
			select {
			case <-tr.quit:
				return
			case <-time.After(time.Minute):
			}
		}
	}
}

// addCompactPeers parses a BEP 23 compact peer list (6 bytes per
// peer) into the sink.
func (tr *tracker) addCompactPeers(peerAddrs []byte) {
	for i := 0; i+6 <= len(peerAddrs); i += 6 {
		ip := net.IPv4(peerAddrs[i+0], peerAddrs[i+1], peerAddrs[i+2], peerAddrs[i+3])
		port := uint16(peerAddrs[i+4])<<8 | uint16(peerAddrs[i+5])
		tr.sink.AddPeer(fmt.Sprintf("%s:%d", ip, port), nil)
	}
}
