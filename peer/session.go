// Package peer implements the per-connection protocol state machine,
// the choke rotation, and the swarm coordinator that owns all active
// sessions.
package peer

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	log "github.com/sirupsen/logrus"

	"github.com/jmcph4/rainyday/piece"
	"github.com/jmcph4/rainyday/stats"
	"github.com/jmcph4/rainyday/storage"
	"github.com/jmcph4/rainyday/torrent"
	"github.com/jmcph4/rainyday/wire"
)

var (
	DIAL_TIMEOUT             = 5 * time.Second
	KEEP_ALIVE_INTERVAL      = time.Minute
	PEER_TIMEOUT             = 120 * time.Second
	BLOCK_READ_REQUEST_DELAY = 5 * time.Second

	// Largest block a remote may request from us.
	MAX_REQUEST_LENGTH = 131072 // 2^17
)

var (
	ErrHandshakeMismatch = errors.New("handshake info hash mismatch")
	ErrProtocolViolation = errors.New("peer protocol violation")
)

// SessionState tracks a connection through its lifecycle. Failed is
// terminal and reachable from every non-terminal state.
type SessionState int

const (
	Connecting SessionState = iota
	Handshaking
	Active
	Closing
	Closed
	Failed
)

func (s SessionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

type Session interface {
	Start()
	Stop()
	ID() string
	State() SessionState
	GetPeerInfo() (id string, state connState, lastPiece int64)
	GetWire() wire.Wire
	SetChoking(choking bool)
}

var newWire = wire.NewWire

type session struct {
	mu        sync.Mutex
	id        string
	peerID    []byte
	reserved  []byte
	state     connState
	lifecycle SessionState

	wire     wire.Wire
	torrent  *torrent.Torrent
	storage  storage.Storage
	swarm    Swarm
	store    piece.Store
	sched    piece.Scheduler
	stats    stats.Stats
	quit     chan int
	stopOnce sync.Once

	readRequestCancelChan map[string]chan int
	peerBitfield          *bitmap.Bitmap
	sawBitfield           bool
	lastPiece             int64
}

type connState struct {
	peerInterested   bool
	clientInterested bool
	peerChoking      bool
	clientChoking    bool
}

func NewSession(
	id string,
	w wire.Wire,
	tor *torrent.Torrent,
	stg storage.Storage,
	swarm Swarm,
	store piece.Store,
	sched piece.Scheduler,
	st stats.Stats) Session {

	return &session{
		id:        id,
		wire:      w,
		torrent:   tor,
		storage:   stg,
		swarm:     swarm,
		store:     store,
		sched:     sched,
		stats:     st,
		lifecycle: Connecting,
		quit:      make(chan int),
		readRequestCancelChan: make(map[string]chan int),
		state: connState{
			peerChoking:      true,
			clientChoking:    true,
			peerInterested:   false,
			clientInterested: false,
		},
	}
}

func (p *session) ID() string {
	return p.id
}

func (p *session) State() SessionState {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.lifecycle
}

func (p *session) setState(s SessionState) {
	p.mu.Lock()
	p.lifecycle = s
	p.mu.Unlock()
}

func (p *session) GetWire() wire.Wire {
	return p.wire
}

// SetChoking records the local choke decision taken by the rotation.
func (p *session) SetChoking(choking bool) {
	p.mu.Lock()
	p.state.clientChoking = choking
	p.mu.Unlock()
}

func (p *session) bitfield() *bitmap.Bitmap {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.peerBitfield
}

func (p *session) GetPeerInfo() (string, connState, int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.id, p.state, p.lastPiece
}

// Stop closes the session gracefully and detaches it from the swarm
// and scheduler.
func (p *session) Stop() {
	p.teardown(Closed)
}

// fail terminates the session on a protocol violation or I/O error.
func (p *session) fail(err error) {
	log.WithFields(log.Fields{
		"peer":  p.id,
		"state": p.State().String(),
	}).Debugf("session failed: %v", err)
	p.teardown(Failed)
}

func (p *session) teardown(terminal SessionState) {
	p.stopOnce.Do(func() {
		if terminal == Closed {
			p.setState(Closing)
		}
		close(p.quit)
		if p.wire != nil {
			p.wire.Close()
		}
		// Snapshot the bitfield so the detaching goroutine does not
		// race a handler still mutating it.
		p.mu.Lock()
		bf := p.peerBitfield
		if bf != nil {
			c := bitmap.Bitmap(bf.Data(true))
			bf = &c
		}
		p.mu.Unlock()
		go func() {
			p.swarm.RemovePeer(p.id)
			p.sched.PeerGone(p.id, bf)
			p.stats.RemovePeer(p.id)
		}()
		p.setState(terminal)
	})
}

func (p *session) closed() bool {
	select {
	case <-p.quit:
		return true
	default:
		return false
	}
}

func (p *session) Start() {
	if p.wire == nil {
		conn, err := net.DialTimeout("tcp4", p.id, DIAL_TIMEOUT)
		if err != nil {
			p.fail(err)
			return
		}
		p.wire = newWire(conn, PEER_TIMEOUT)
	}
	p.setState(Handshaking)

	if err := p.wire.SendHandshake(p.torrent.InfoHash, torrent.PEER_ID); err != nil {
		p.fail(err)
		return
	}
	length, protocol, reserved, infoHash, peerID, err := p.wire.ReadHandshake()
	if err != nil {
		p.fail(err)
		return
	}
	if length != 19 || protocol != wire.PROTOCOL || !bytes.Equal(infoHash, p.torrent.InfoHash) {
		p.fail(ErrHandshakeMismatch)
		return
	}
	p.peerID = peerID
	p.reserved = reserved
	p.setState(Active)
	log.WithField("peer", p.id).Debug("handshake complete")

	p.keepAlive()

	if err := p.wire.SendBitField(p.store.Snapshot()); err != nil {
		p.fail(err)
		return
	}

	for {
		length, messageID, payload, err := p.wire.ReadMessage()
		if p.closed() {
			return
		}
		if err != nil {
			p.fail(err)
			return
		}
		if length == 0 {
			// keep-alive
			continue
		}
		if err := p.handleMessage(messageID, payload); err != nil {
			p.fail(err)
			return
		}
	}
}

// keepAlive sends a keep-alive whenever the wire has been idle on the
// send side, and presumes the peer dead after PEER_TIMEOUT of
// silence.
func (p *session) keepAlive() {
	go func() {
		for {
			select {
			case <-p.quit:
				return
			case now := <-time.After(KEEP_ALIVE_INTERVAL):
				if p.wire.GetLastMessageReceived().Before(now.Add(-PEER_TIMEOUT)) {
					p.fail(fmt.Errorf("no message received in %s", PEER_TIMEOUT))
					return
				}
				if p.wire.GetLastMessageSent().Before(now.Add(-KEEP_ALIVE_INTERVAL)) {
					if err := p.wire.SendKeepAlive(); err != nil {
						return
					}
				}
			}
		}
	}()
}

func (p *session) handleMessage(messageID uint8, payload []byte) error {
	switch messageID {
	case wire.CHOKE:
		p.mu.Lock()
		wasChoking := p.state.peerChoking
		p.state.peerChoking = true
		p.mu.Unlock()
		if !wasChoking {
			p.sched.PeerChoked(p.id)
		}
	case wire.UNCHOKE:
		p.mu.Lock()
		wasChoking := p.state.peerChoking
		p.state.peerChoking = false
		p.mu.Unlock()
		if wasChoking {
			return p.requestMore()
		}
	case wire.INTERESTED:
		p.mu.Lock()
		p.state.peerInterested = true
		p.mu.Unlock()
	case wire.NOT_INTERESTED:
		p.mu.Lock()
		p.state.peerInterested = false
		p.mu.Unlock()
	case wire.HAVE:
		return p.handleHave(payload)
	case wire.BITFIELD:
		return p.handleBitfield(payload)
	case wire.REQUEST:
		return p.handleRequest(payload)
	case wire.PIECE:
		return p.handlePiece(payload)
	case wire.CANCEL:
		return p.handleCancel(payload)
	case wire.PORT:
		// DHT port (BEP 5), not supported
	default:
		return fmt.Errorf("unknown message id %d: %w", messageID, ErrProtocolViolation)
	}
	return nil
}

func (p *session) handleHave(payload []byte) error {
	pieceIndex, err := wire.DecodeHave(payload)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrProtocolViolation)
	}
	if pieceIndex < 0 || pieceIndex >= p.torrent.NumPieces {
		return fmt.Errorf("have for piece %d: %w", pieceIndex, ErrProtocolViolation)
	}
	p.mu.Lock()
	if p.peerBitfield == nil {
		bf := bitmap.New(p.torrent.NumPieces)
		p.peerBitfield = &bf
	}
	p.peerBitfield.Set(pieceIndex, true)
	p.mu.Unlock()
	p.sched.PeerHave(p.id, pieceIndex)

	return p.updateInterest()
}

func (p *session) handleBitfield(payload []byte) error {
	if p.sawBitfield {
		return fmt.Errorf("bitfield after first message: %w", ErrProtocolViolation)
	}
	p.sawBitfield = true
	if len(payload) != (p.torrent.NumPieces+7)/8 {
		return fmt.Errorf("bitfield of %d bytes for %d pieces: %w",
			len(payload), p.torrent.NumPieces, ErrProtocolViolation)
	}

	bf := bitmap.New(p.torrent.NumPieces)
	for pieceIndex := 0; pieceIndex < p.torrent.NumPieces; pieceIndex++ {
		if bitmap.Get(payload, pieceIndex) {
			bf.Set(pieceIndex, true)
		}
	}
	p.mu.Lock()
	p.peerBitfield = &bf
	p.mu.Unlock()
	p.sched.PeerBitfield(p.id, &bf)

	return p.updateInterest()
}

// updateInterest reconciles our interested flag with whether the peer
// has anything we still need.
func (p *session) updateInterest() error {
	interesting := p.sched.Interesting(p.bitfield())

	p.mu.Lock()
	was := p.state.clientInterested
	p.state.clientInterested = interesting
	p.mu.Unlock()

	if interesting && !was {
		return p.wire.SendInterested()
	}
	if !interesting && was {
		return p.wire.SendNotInterested()
	}
	return nil
}

// handleRequest serves a block to the peer. Only pieces we have
// verified are served, and only while the peer is unchoked. The read
// is delayed so a prompt cancel costs nothing.
func (p *session) handleRequest(payload []byte) error {
	req, err := wire.DecodeRequest(payload)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrProtocolViolation)
	}

	p.mu.Lock()
	clientChoking := p.state.clientChoking
	peerInterested := p.state.peerInterested
	p.mu.Unlock()

	if clientChoking || !peerInterested {
		return fmt.Errorf("request while choked: %w", ErrProtocolViolation)
	}
	if req.Length <= 0 || req.Length > MAX_REQUEST_LENGTH {
		return fmt.Errorf("request of %d bytes: %w", req.Length, ErrProtocolViolation)
	}
	if !p.store.HasPiece(req.Index) ||
		req.Begin < 0 || req.Begin+req.Length > p.store.PieceSize(req.Index) {
		return fmt.Errorf("request for %d+%d of piece %d: %w",
			req.Begin, req.Length, req.Index, ErrProtocolViolation)
	}

	requestID := requestKey(req)
	quit := make(chan int)
	p.mu.Lock()
	p.readRequestCancelChan[requestID] = quit
	p.mu.Unlock()
	go func() {
		select {
		case <-quit:
			return
		case <-p.quit:
			return
		case <-time.After(BLOCK_READ_REQUEST_DELAY):
			p.mu.Lock()
			delete(p.readRequestCancelChan, requestID)
			p.mu.Unlock()
			block, err := p.storage.BlockReadRequest(req.Index, req.Begin, req.Length)
			if err != nil {
				p.fail(err)
				return
			}
			if err := p.wire.SendPiece(req.Index, req.Begin, block); err != nil {
				p.fail(err)
				return
			}
			p.stats.UpdatePeer(p.id, 0, req.Length)
		}
	}()
	return nil
}

func (p *session) handleCancel(payload []byte) error {
	req, err := wire.DecodeRequest(payload)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrProtocolViolation)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if quitC, ok := p.readRequestCancelChan[requestKey(req)]; ok {
		close(quitC)
		delete(p.readRequestCancelChan, requestKey(req))
	}
	return nil
}

func (p *session) handlePiece(payload []byte) error {
	pieceIndex, begin, block, err := wire.DecodePiece(payload)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrProtocolViolation)
	}
	p.mu.Lock()
	p.lastPiece = time.Now().Unix()
	p.mu.Unlock()
	p.stats.UpdatePeer(p.id, len(block), 0)

	result, contributors, err := p.store.MarkBlockReceived(p.id, pieceIndex, begin, block)
	if result == piece.BlockIgnored && err != nil {
		// The store refused the bytes; the block stays requestable.
		return fmt.Errorf("%v: %w", err, ErrProtocolViolation)
	}
	p.sched.BlockReceived(p.id, pieceIndex, begin)
	switch result {
	case piece.BlockIgnored:
		// late duplicate, already have this data
	case piece.PieceRejected:
		p.swarm.FlagPeers(pieceIndex, contributors)
		p.sched.PieceFailed(pieceIndex)
	case piece.PieceDone:
		cancels := p.sched.PieceVerified(pieceIndex)
		p.swarm.SendCancels(cancels)
		if err != nil {
			// Disk failure: the verified bytes stay in memory and
			// the swarm retries the flush, so do not advertise yet.
			log.WithField("piece", pieceIndex).Errorf("flush failed: %v", err)
			return nil
		}
		p.stats.PieceVerified(p.store.PieceSize(pieceIndex))
		p.swarm.BroadcastHave(pieceIndex)
	}
	return p.requestMore()
}

// requestMore tops up the request pipeline for this peer.
func (p *session) requestMore() error {
	p.mu.Lock()
	choked := p.state.peerChoking
	p.mu.Unlock()
	if choked || p.closed() {
		return nil
	}

	requests := p.sched.NextRequests(p.id, p.bitfield())
	for _, req := range requests {
		if err := p.wire.SendRequest(req.Index, req.Begin, req.Length); err != nil {
			return err
		}
	}
	if len(requests) == 0 {
		return p.updateInterest()
	}
	return nil
}

func requestKey(req wire.Request) string {
	return strconv.Itoa(req.Index) + ":" + strconv.Itoa(req.Begin) + ":" + strconv.Itoa(req.Length)
}
