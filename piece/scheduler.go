package piece

import (
	"sort"
	"sync"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	log "github.com/sirupsen/logrus"

	"github.com/jmcph4/rainyday/wire"
)

var (
	// Outstanding block requests allowed per peer. A snubbed peer is
	// held to a single probe request until it sends fresh data.
	MAX_OUTSTANDING_REQUESTS = 5
	SNUBBED_OUTSTANDING      = 1

	// A request with no data after this window is released back to
	// the pool and its peer is marked snubbed.
	REQUEST_TIMEOUT = 30 * time.Second

	// Endgame starts once the unverified fraction of pieces drops to
	// this threshold. A block may then be in flight to this many
	// peers at once.
	ENDGAME_THRESHOLD  = 0.05
	ENDGAME_MAX_OWNERS = 2

	// A piece that failed verification is not rescheduled until this
	// window has passed.
	FAILURE_COOLDOWN = 60 * time.Second
)

// Scheduler assigns blocks to peers: rarest piece first with ties
// broken by lowest index, a bounded request pipeline per peer,
// duplicate requests in endgame, and snub-based reassignment.
type Scheduler interface {
	PeerBitfield(id string, peerBitfield *bitmap.Bitmap)
	PeerHave(id string, pieceIndex int)
	PeerGone(id string, peerBitfield *bitmap.Bitmap)
	PeerChoked(id string)
	Interesting(peerBitfield *bitmap.Bitmap) bool
	NextRequests(id string, peerBitfield *bitmap.Bitmap) []wire.Request
	BlockReceived(id string, pieceIndex, offset int)
	PieceVerified(pieceIndex int) map[string][]wire.Request
	PieceFailed(pieceIndex int)
	ReapExpired(now time.Time) int
	IsSnubbed(id string) bool
	Availability(pieceIndex int) int
	EndgameActive() bool
	Done() bool
}

type scheduler struct {
	sync.Mutex
	store       Store
	avail       []int
	pieces      []*schedPiece
	outstanding map[string]int
	snubbed     map[string]bool
	remaining   int
	now         func() time.Time
}

type schedPiece struct {
	done          bool
	left          int
	cooldownUntil time.Time
	blocks        []schedBlock
}

type schedBlock struct {
	done   bool
	owners []blockOwner
}

type blockOwner struct {
	id string
	at time.Time
}

func NewScheduler(store Store) Scheduler {
	s := &scheduler{
		store:       store,
		avail:       make([]int, store.NumPieces()),
		outstanding: make(map[string]int),
		snubbed:     make(map[string]bool),
		remaining:   store.NumPieces(),
		now:         time.Now,
	}
	for i := 0; i < store.NumPieces(); i++ {
		n := numBlocks(store.PieceSize(i))
		sp := &schedPiece{
			left:   n,
			blocks: make([]schedBlock, n),
		}
		if store.HasPiece(i) {
			sp.done = true
			s.remaining--
		}
		s.pieces = append(s.pieces, sp)
	}
	return s
}

func (s *scheduler) PeerBitfield(id string, peerBitfield *bitmap.Bitmap) {
	s.Lock()
	defer s.Unlock()

	for pieceIndex := 0; pieceIndex < len(s.avail) && pieceIndex < peerBitfield.Len(); pieceIndex++ {
		if peerBitfield.Get(pieceIndex) {
			s.avail[pieceIndex]++
		}
	}
}

func (s *scheduler) PeerHave(id string, pieceIndex int) {
	s.Lock()
	defer s.Unlock()

	if pieceIndex >= 0 && pieceIndex < len(s.avail) {
		s.avail[pieceIndex]++
	}
}

// PeerGone releases every block the peer owned and removes its pieces
// from the availability counts.
func (s *scheduler) PeerGone(id string, peerBitfield *bitmap.Bitmap) {
	s.Lock()
	defer s.Unlock()

	if peerBitfield != nil {
		for pieceIndex := 0; pieceIndex < len(s.avail) && pieceIndex < peerBitfield.Len(); pieceIndex++ {
			if peerBitfield.Get(pieceIndex) {
				s.avail[pieceIndex]--
			}
		}
	}
	s.releaseAllLocked(id)
	delete(s.outstanding, id)
	delete(s.snubbed, id)
}

// PeerChoked releases the peer's in-flight blocks so another peer may
// pick them up.
func (s *scheduler) PeerChoked(id string) {
	s.Lock()
	defer s.Unlock()

	s.releaseAllLocked(id)
	s.outstanding[id] = 0
}

func (s *scheduler) releaseAllLocked(id string) {
	for _, sp := range s.pieces {
		if sp.done {
			continue
		}
		for i := range sp.blocks {
			sp.blocks[i].owners = removeOwner(sp.blocks[i].owners, id)
		}
	}
}

func removeOwner(owners []blockOwner, id string) []blockOwner {
	kept := owners[:0]
	for _, o := range owners {
		if o.id != id {
			kept = append(kept, o)
		}
	}
	return kept
}

// Interesting reports whether the peer has any piece we still need.
func (s *scheduler) Interesting(peerBitfield *bitmap.Bitmap) bool {
	s.Lock()
	defer s.Unlock()

	if peerBitfield == nil {
		return false
	}
	for pieceIndex := 0; pieceIndex < len(s.pieces) && pieceIndex < peerBitfield.Len(); pieceIndex++ {
		if peerBitfield.Get(pieceIndex) && !s.pieces[pieceIndex].done {
			return true
		}
	}
	return false
}

// NextRequests fills the peer's pipeline up to its cap with blocks
// from its rarest eligible pieces.
func (s *scheduler) NextRequests(id string, peerBitfield *bitmap.Bitmap) []wire.Request {
	s.Lock()
	defer s.Unlock()

	if peerBitfield == nil {
		return nil
	}

	limit := MAX_OUTSTANDING_REQUESTS
	if s.snubbed[id] {
		limit = SNUBBED_OUTSTANDING
	}

	requests := []wire.Request{}
	for s.outstanding[id] < limit {
		pieceIndex, ok := s.pickPieceLocked(id, peerBitfield)
		if !ok {
			break
		}
		filled := s.fillFromPieceLocked(id, pieceIndex, limit, &requests)
		if !filled {
			break
		}
	}
	return requests
}

// pickPieceLocked selects the rarest piece the peer can supply that
// still has a requestable block, ties broken by lowest index.
func (s *scheduler) pickPieceLocked(id string, peerBitfield *bitmap.Bitmap) (int, bool) {
	endgame := s.endgameLocked()
	now := s.now()

	candidates := []int{}
	for pieceIndex := 0; pieceIndex < len(s.pieces) && pieceIndex < peerBitfield.Len(); pieceIndex++ {
		sp := s.pieces[pieceIndex]
		if !peerBitfield.Get(pieceIndex) || sp.done || now.Before(sp.cooldownUntil) {
			continue
		}
		if s.requestableBlockLocked(id, sp, endgame) >= 0 {
			candidates = append(candidates, pieceIndex)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		p1, p2 := candidates[i], candidates[j]
		if s.avail[p1] != s.avail[p2] {
			return s.avail[p1] < s.avail[p2]
		}
		return p1 < p2
	})
	return candidates[0], true
}

// requestableBlockLocked returns the first block of the piece the
// given peer may request, or -1.
func (s *scheduler) requestableBlockLocked(id string, sp *schedPiece, endgame bool) int {
	for blockIndex := range sp.blocks {
		b := &sp.blocks[blockIndex]
		if b.done {
			continue
		}
		if len(b.owners) == 0 {
			return blockIndex
		}
		if !endgame || len(b.owners) >= ENDGAME_MAX_OWNERS {
			continue
		}
		if !ownedBy(b.owners, id) {
			return blockIndex
		}
	}
	return -1
}

func ownedBy(owners []blockOwner, id string) bool {
	for _, o := range owners {
		if o.id == id {
			return true
		}
	}
	return false
}

func (s *scheduler) fillFromPieceLocked(id string, pieceIndex, limit int, requests *[]wire.Request) bool {
	endgame := s.endgameLocked()
	sp := s.pieces[pieceIndex]
	pieceSize := s.store.PieceSize(pieceIndex)

	filled := false
	for s.outstanding[id] < limit {
		blockIndex := s.requestableBlockLocked(id, sp, endgame)
		if blockIndex < 0 {
			break
		}
		sp.blocks[blockIndex].owners = append(sp.blocks[blockIndex].owners, blockOwner{
			id: id,
			at: s.now(),
		})
		s.outstanding[id]++
		*requests = append(*requests, wire.Request{
			Index:  pieceIndex,
			Begin:  blockIndex * BLOCK_SIZE,
			Length: blockLength(pieceSize, blockIndex),
		})
		filled = true
	}
	return filled
}

// BlockReceived frees the peer's pipeline slot and marks the block
// complete. Fresh data clears a snub.
func (s *scheduler) BlockReceived(id string, pieceIndex, offset int) {
	s.Lock()
	defer s.Unlock()

	if pieceIndex < 0 || pieceIndex >= len(s.pieces) || offset%BLOCK_SIZE != 0 {
		return
	}
	sp := s.pieces[pieceIndex]
	blockIndex := offset / BLOCK_SIZE
	if blockIndex >= len(sp.blocks) {
		return
	}
	b := &sp.blocks[blockIndex]
	if ownedBy(b.owners, id) {
		b.owners = removeOwner(b.owners, id)
		if s.outstanding[id] > 0 {
			s.outstanding[id]--
		}
	}
	if !b.done {
		b.done = true
		sp.left--
	}
	delete(s.snubbed, id)
}

// PieceVerified retires the piece and returns, per peer, the
// outstanding duplicate requests that must now be cancelled.
func (s *scheduler) PieceVerified(pieceIndex int) map[string][]wire.Request {
	s.Lock()
	defer s.Unlock()

	if pieceIndex < 0 || pieceIndex >= len(s.pieces) {
		return nil
	}
	sp := s.pieces[pieceIndex]
	if sp.done {
		return nil
	}
	sp.done = true
	sp.left = 0
	s.remaining--

	pieceSize := s.store.PieceSize(pieceIndex)
	cancels := map[string][]wire.Request{}
	for blockIndex := range sp.blocks {
		b := &sp.blocks[blockIndex]
		for _, o := range b.owners {
			cancels[o.id] = append(cancels[o.id], wire.Request{
				Index:  pieceIndex,
				Begin:  blockIndex * BLOCK_SIZE,
				Length: blockLength(pieceSize, blockIndex),
			})
			if s.outstanding[o.id] > 0 {
				s.outstanding[o.id]--
			}
		}
		b.owners = nil
		b.done = true
	}
	return cancels
}

// PieceFailed returns every block of the piece to the pool and holds
// the piece back for the cooldown window.
func (s *scheduler) PieceFailed(pieceIndex int) {
	s.Lock()
	defer s.Unlock()

	if pieceIndex < 0 || pieceIndex >= len(s.pieces) {
		return
	}
	sp := s.pieces[pieceIndex]
	if sp.done {
		return
	}
	for blockIndex := range sp.blocks {
		b := &sp.blocks[blockIndex]
		for _, o := range b.owners {
			if s.outstanding[o.id] > 0 {
				s.outstanding[o.id]--
			}
		}
		b.owners = nil
		b.done = false
	}
	sp.left = len(sp.blocks)
	sp.cooldownUntil = s.now().Add(FAILURE_COOLDOWN)
}

// ReapExpired releases requests older than REQUEST_TIMEOUT and snubs
// their peers. Returns the number of requests released.
func (s *scheduler) ReapExpired(now time.Time) int {
	s.Lock()
	defer s.Unlock()

	released := 0
	for pieceIndex, sp := range s.pieces {
		if sp.done {
			continue
		}
		for blockIndex := range sp.blocks {
			b := &sp.blocks[blockIndex]
			kept := b.owners[:0]
			for _, o := range b.owners {
				if now.Sub(o.at) < REQUEST_TIMEOUT {
					kept = append(kept, o)
					continue
				}
				released++
				s.snubbed[o.id] = true
				if s.outstanding[o.id] > 0 {
					s.outstanding[o.id]--
				}
				log.WithFields(log.Fields{
					"peer":  o.id,
					"piece": pieceIndex,
					"block": blockIndex,
				}).Debug("request timed out, peer snubbed")
			}
			b.owners = kept
		}
	}
	return released
}

func (s *scheduler) IsSnubbed(id string) bool {
	s.Lock()
	defer s.Unlock()

	return s.snubbed[id]
}

func (s *scheduler) Availability(pieceIndex int) int {
	s.Lock()
	defer s.Unlock()

	if pieceIndex < 0 || pieceIndex >= len(s.avail) {
		return 0
	}
	return s.avail[pieceIndex]
}

func (s *scheduler) EndgameActive() bool {
	s.Lock()
	defer s.Unlock()

	return s.endgameLocked()
}

func (s *scheduler) endgameLocked() bool {
	if s.remaining == 0 {
		return false
	}
	threshold := int(ENDGAME_THRESHOLD * float64(len(s.pieces)))
	if threshold < 1 {
		threshold = 1
	}
	return s.remaining <= threshold
}

func (s *scheduler) Done() bool {
	s.Lock()
	defer s.Unlock()

	return s.remaining == 0
}
