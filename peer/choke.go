package peer

import (
	"math/rand"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jmcph4/rainyday/piece"
	"github.com/jmcph4/rainyday/stats"
)

var (
	SNUBBED_PERIOD = int64(60)
	CHOKE_INTERVAL = 10 * time.Second
	DOWNLOADERS    = 5
)

// PeerInfo is the per-peer snapshot the unchoke decision runs over.
type PeerInfo struct {
	ID            string
	State         connState
	LastPiece     int64
	speed         int
	shouldUnchoke bool
	snubbedClient bool
}

type Choke interface {
	Start()
}

type choke struct {
	swarm   Swarm
	sched   piece.Scheduler
	stats   stats.Stats
	seeding func() bool
	rng     *rand.Rand
	quit    chan int
}

func NewChoke(
	swarm Swarm,
	sched piece.Scheduler,
	st stats.Stats,
	quit chan int) Choke {

	return &choke{
		swarm:   swarm,
		sched:   sched,
		stats:   st,
		seeding: sched.Done,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		quit:    quit,
	}
}

func sortBySpeed(peers []*PeerInfo) {
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].speed > peers[j].speed
	})
}

// decideUnchokes marks which peers to unchoke: the fastest interested
// peers fill all but one slot, uninterested peers faster than the
// slowest winner stay unchoked so they may reciprocate later, and one
// slot rotates optimistically among the remaining interested peers.
// Pure function of its inputs; mutates only the shouldUnchoke and
// snubbedClient marks.
func decideUnchokes(peerInfos []*PeerInfo, now int64, rng *rand.Rand) {
	interested := make([]*PeerInfo, 0)
	notInterested := make([]*PeerInfo, 0)
	for _, peerInfo := range peerInfos {
		if peerInfo.State.clientInterested && !peerInfo.State.peerChoking {
			if now-peerInfo.LastPiece > SNUBBED_PERIOD {
				peerInfo.snubbedClient = true
			}
		}
		if peerInfo.State.peerInterested && !peerInfo.snubbedClient {
			interested = append(interested, peerInfo)
		} else {
			notInterested = append(notInterested, peerInfo)
		}
	}

	sortBySpeed(interested)
	sortBySpeed(notInterested)

	// Unchoke the fastest interested peers so they keep us as one of
	// their active downloaders.
	speedThreshold := 0
	for i := 0; i < len(interested) && i < DOWNLOADERS-1; i++ {
		interested[i].shouldUnchoke = true
		speedThreshold = interested[i].speed
	}
	// Keep faster uninterested peers unchoked: if they turn
	// interested they are already in our good books. Snubbing
	// clients get nothing.
	for _, peerInfo := range notInterested {
		if peerInfo.speed <= speedThreshold {
			break
		}
		if peerInfo.snubbedClient {
			continue
		}
		peerInfo.shouldUnchoke = true
	}

	// Optimistic unchoke: one charity slot rotated among the rest so
	// newcomers get a chance to prove themselves.
	if len(interested) > DOWNLOADERS-1 {
		rest := interested[DOWNLOADERS-1:]
		rng.Shuffle(len(rest), func(i, j int) {
			rest[i], rest[j] = rest[j], rest[i]
		})
		for _, peer := range rest {
			if peer.State.peerInterested {
				peer.shouldUnchoke = true
				break
			}
		}
	}
}

func (c *choke) choke() {
	peers := c.swarm.GetPeerList()

	peerInfos := []*PeerInfo{}
	for _, peer := range peers {
		id, state, lastPiece := peer.GetPeerInfo()
		peerInfos = append(peerInfos, &PeerInfo{
			ID:        id,
			State:     state,
			LastPiece: lastPiece,
		})
	}

	seeding := c.seeding()
	peerStats := c.stats.GetPeerStats()
	for _, peerInfo := range peerInfos {
		if peerStat, ok := peerStats[peerInfo.ID]; ok {
			if seeding {
				peerInfo.speed = peerStat.UploadRate
			} else {
				peerInfo.speed = peerStat.DownloadRate
			}
		}
	}

	decideUnchokes(peerInfos, time.Now().Unix(), c.rng)

	for i, peerInfo := range peerInfos {
		w := peers[i].GetWire()
		if w == nil {
			continue
		}
		if peerInfo.shouldUnchoke && peerInfo.State.clientChoking {
			log.WithField("peer", peerInfo.ID).Debug("unchoking")
			w.SendUnchoke()
			peers[i].SetChoking(false)
		}
		if !peerInfo.shouldUnchoke && !peerInfo.State.clientChoking {
			log.WithField("peer", peerInfo.ID).Debug("choking")
			w.SendChoke()
			peers[i].SetChoking(true)
		}
	}
}

func (c *choke) Start() {
	for {
		select {
		case <-c.quit:
			return
		case <-time.After(CHOKE_INTERVAL):
			c.choke()
		}
	}
}
