package peer

import (
	"net"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/emirpasic/gods/lists/arraylist"
	log "github.com/sirupsen/logrus"

	"github.com/jmcph4/rainyday/event"
	"github.com/jmcph4/rainyday/piece"
	"github.com/jmcph4/rainyday/stats"
	"github.com/jmcph4/rainyday/storage"
	"github.com/jmcph4/rainyday/torrent"
	"github.com/jmcph4/rainyday/wire"
)

var (
	MAX_PEERS    = 100
	TARGET_PEERS = 30

	// Verification failures tolerated before a peer is banned.
	MAX_OFFENSES = 3

	// Housekeeping cadence: request-timeout reaping, flush retries,
	// candidate refill.
	SWEEP_INTERVAL = 5 * time.Second

	SHUTDOWN_TIMEOUT = 3 * time.Second
)

// Swarm owns every active session, routes cross-session messages
// (have broadcasts, endgame cancels), and keeps the session count at
// its target by draining a candidate-address queue.
type Swarm interface {
	AddPeer(id string, conn net.Conn)
	RemovePeer(id string)
	GetPeerList() []Session
	BroadcastHave(pieceIndex int)
	SendCancels(cancels map[string][]wire.Request)
	FlagPeers(pieceIndex int, peers mapset.Set)
	Events() <-chan event.Event
	NeedPeers() <-chan int
	Stop()
}

var newSession = NewSession

type swarm struct {
	sync.RWMutex
	torrent    *torrent.Torrent
	store      piece.Store
	sched      piece.Scheduler
	storage    storage.Storage
	stats      stats.Stats
	sessions   map[string]Session
	candidates *arraylist.List
	banned     mapset.Set
	offenses   map[string]int
	events     chan event.Event
	needPeers  chan int
	quit       chan int
	stopOnce   sync.Once
}

func NewSwarm(
	tor *torrent.Torrent,
	store piece.Store,
	sched piece.Scheduler,
	stg storage.Storage,
	st stats.Stats,
	events chan event.Event) Swarm {

	sw := &swarm{
		torrent:    tor,
		store:      store,
		sched:      sched,
		storage:    stg,
		stats:      st,
		sessions:   make(map[string]Session),
		candidates: arraylist.New(),
		banned:     mapset.NewSet(),
		offenses:   make(map[string]int),
		events:     events,
		needPeers:  make(chan int, 1),
		quit:       make(chan int),
	}
	go sw.sweep()
	return sw
}

// AddPeer admits a candidate address, deduplicating already-connected
// and banned peers. Above the connection cap the address is queued
// for later. A nil conn means we dial out; otherwise the connection
// was accepted inbound.
func (sw *swarm) AddPeer(id string, conn net.Conn) {
	sw.Lock()
	defer sw.Unlock()

	if sw.banned.Contains(id) {
		return
	}
	if _, ok := sw.sessions[id]; ok {
		return
	}
	if len(sw.sessions) >= MAX_PEERS {
		if conn == nil && !sw.candidates.Contains(id) {
			sw.candidates.Add(id)
		}
		return
	}

	w := (wire.Wire)(nil)
	if conn != nil {
		w = wire.NewWire(conn, PEER_TIMEOUT)
	}
	session := newSession(id, w, sw.torrent, sw.storage, sw, sw.store, sw.sched, sw.stats)
	sw.sessions[id] = session
	go session.Start()
	sw.emit(event.PeerConnected{Addr: id})
	log.WithField("peer", id).Debug("peer admitted")
}

func (sw *swarm) RemovePeer(id string) {
	sw.Lock()
	if _, ok := sw.sessions[id]; !ok {
		sw.Unlock()
		return
	}
	delete(sw.sessions, id)
	below := len(sw.sessions) < TARGET_PEERS
	sw.Unlock()

	sw.emit(event.PeerDisconnected{Addr: id})
	if below {
		sw.refill()
	}
}

func (sw *swarm) GetPeerList() []Session {
	sw.RLock()
	defer sw.RUnlock()

	sessions := []Session{}
	for _, s := range sw.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// BroadcastHave advertises a freshly verified piece to every active
// session. Only called after the piece's hash has been checked.
func (sw *swarm) BroadcastHave(pieceIndex int) {
	for _, s := range sw.GetPeerList() {
		if s.State() != Active {
			continue
		}
		if w := s.GetWire(); w != nil {
			w.SendHave(pieceIndex)
		}
	}
}

// SendCancels delivers endgame duplicate-suppression cancels to the
// peers still holding requests for a verified piece.
func (sw *swarm) SendCancels(cancels map[string][]wire.Request) {
	if len(cancels) == 0 {
		return
	}
	sw.RLock()
	defer sw.RUnlock()

	for id, requests := range cancels {
		s, ok := sw.sessions[id]
		if !ok {
			continue
		}
		w := s.GetWire()
		if w == nil {
			continue
		}
		for _, req := range requests {
			w.SendCancel(req.Index, req.Begin, req.Length)
		}
	}
}

// FlagPeers records a verification failure against every peer that
// contributed to the bad piece. Repeat offenders are banned and
// disconnected.
func (sw *swarm) FlagPeers(pieceIndex int, peers mapset.Set) {
	if peers == nil {
		return
	}
	toStop := []Session{}
	sw.Lock()
	for _, p := range peers.ToSlice() {
		id := p.(string)
		sw.offenses[id]++
		log.WithFields(log.Fields{
			"peer":  id,
			"piece": pieceIndex,
		}).Warnf("peer implicated in bad piece (%d offenses)", sw.offenses[id])
		if sw.offenses[id] >= MAX_OFFENSES {
			sw.banned.Add(id)
			if s, ok := sw.sessions[id]; ok {
				toStop = append(toStop, s)
			}
		}
	}
	sw.Unlock()

	for _, s := range toStop {
		log.WithField("peer", s.ID()).Warn("banning peer")
		s.Stop()
	}
}

func (sw *swarm) Events() <-chan event.Event {
	return sw.events
}

// NeedPeers pulses when the swarm is under target and has no queued
// candidates; the tracker collaborator treats it as an announce-now
// hint. The value is how many peers the swarm wants.
func (sw *swarm) NeedPeers() <-chan int {
	return sw.needPeers
}

// refill drains queued candidate addresses into new sessions until
// the target concurrency is met.
func (sw *swarm) refill() {
	for {
		sw.RLock()
		under := TARGET_PEERS - len(sw.sessions)
		empty := sw.candidates.Empty()
		sw.RUnlock()
		if under <= 0 {
			return
		}
		if empty {
			select {
			case sw.needPeers <- under:
			default:
			}
			return
		}

		sw.Lock()
		v, _ := sw.candidates.Get(0)
		sw.candidates.Remove(0)
		sw.Unlock()
		sw.AddPeer(v.(string), nil)
	}
}

// sweep runs the periodic housekeeping: releases timed-out requests
// (snubbing their peers), retries pending disk flushes, and tops up
// the session count.
func (sw *swarm) sweep() {
	for {
		select {
		case <-sw.quit:
			return
		case now := <-time.After(SWEEP_INTERVAL):
			if released := sw.sched.ReapExpired(now); released > 0 {
				log.Debugf("released %d expired requests", released)
			}
			flushed, err := sw.store.RetryFlush()
			if err != nil {
				log.Errorf("flush retry: %v", err)
			}
			for _, pieceIndex := range flushed {
				sw.stats.PieceVerified(sw.store.PieceSize(pieceIndex))
				sw.BroadcastHave(pieceIndex)
			}
			sw.refill()
		}
	}
}

// Stop shuts every session down, gracefully where possible, forcibly
// after the shutdown timeout.
func (sw *swarm) Stop() {
	sw.stopOnce.Do(func() {
		close(sw.quit)

		done := make(chan int)
		go func() {
			for _, s := range sw.GetPeerList() {
				s.Stop()
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(SHUTDOWN_TIMEOUT):
			log.Warn("shutdown timeout, closing connections forcibly")
			for _, s := range sw.GetPeerList() {
				if w := s.GetWire(); w != nil {
					w.Close()
				}
			}
		}
	})
}

func (sw *swarm) emit(e event.Event) {
	if sw.events == nil {
		return
	}
	select {
	case sw.events <- e:
	default:
	}
}
