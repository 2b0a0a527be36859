// Package piece owns per-piece download state: the store accumulates
// and verifies block data, the scheduler decides which blocks to
// request from which peer.
package piece

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"sync"

	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
	log "github.com/sirupsen/logrus"

	"github.com/jmcph4/rainyday/event"
	"github.com/jmcph4/rainyday/storage"
	"github.com/jmcph4/rainyday/torrent"
)

var (
	BLOCK_SIZE = 16384 // 2^14
)

var (
	ErrOutOfRangeBlock = errors.New("block outside piece bounds")
	ErrHashMismatch    = errors.New("piece failed hash verification")
)

type pieceState int

const (
	Missing pieceState = iota
	InProgress
	Verified
)

// WriteResult tells the caller what a block write amounted to.
type WriteResult int

const (
	BlockAccepted WriteResult = iota
	BlockIgnored              // duplicate, or piece already verified
	PieceDone                 // block completed the piece and it verified
	PieceRejected             // block completed the piece but the hash mismatched
)

type Store interface {
	MarkBlockReceived(id string, pieceIndex, offset int, data []byte) (WriteResult, mapset.Set, error)
	Snapshot() []byte
	HasPiece(pieceIndex int) bool
	NumVerified() int
	NumPieces() int
	PieceSize(pieceIndex int) int
	RetryFlush() ([]int, error)
}

type store struct {
	sync.RWMutex
	layout         *torrent.Layout
	storage        storage.Storage
	clientBitField bitmap.Bitmap
	pieces         []*pieceData
	verified       int
	events         chan<- event.Event
}

type pieceData struct {
	sync.Mutex
	state        pieceState
	blocks       []blockData
	left         int
	flushPending bool
	contributors mapset.Set
}

type blockData struct {
	received bool
	data     []byte
}

func NewStore(
	layout *torrent.Layout,
	stg storage.Storage,
	events chan<- event.Event) Store {

	s := &store{
		layout:         layout,
		storage:        stg,
		clientBitField: bitmap.New(layout.NumPieces()),
		events:         events,
	}
	for i := 0; i < layout.NumPieces(); i++ {
		n := numBlocks(layout.PieceSize(i))
		s.pieces = append(s.pieces, &pieceData{
			blocks:       make([]blockData, n),
			left:         n,
			contributors: mapset.NewSet(),
		})
	}
	return s
}

func numBlocks(pieceSize int) int {
	return (pieceSize + BLOCK_SIZE - 1) / BLOCK_SIZE
}

func blockLength(pieceSize, blockIndex int) int {
	if blockIndex == numBlocks(pieceSize)-1 {
		if rem := pieceSize % BLOCK_SIZE; rem != 0 {
			return rem
		}
	}
	return BLOCK_SIZE
}

func (s *store) NumPieces() int {
	return s.layout.NumPieces()
}

func (s *store) PieceSize(pieceIndex int) int {
	return s.layout.PieceSize(pieceIndex)
}

func (s *store) NumVerified() int {
	s.RLock()
	defer s.RUnlock()

	return s.verified
}

func (s *store) HasPiece(pieceIndex int) bool {
	s.RLock()
	defer s.RUnlock()

	if pieceIndex < 0 || pieceIndex >= s.layout.NumPieces() {
		return false
	}
	return s.clientBitField.Get(pieceIndex)
}

// Snapshot returns a coherent copy of the verified-piece bitmap,
// suitable for building bitfield messages while writers proceed.
func (s *store) Snapshot() []byte {
	s.RLock()
	defer s.RUnlock()

	return s.clientBitField.Data(true)
}

// MarkBlockReceived stores a block at the given byte offset of the
// piece. Blocks may arrive in any order; completeness and the hash
// are only checked once every block of the piece has been written.
// Data for an already-verified piece is discarded silently (late
// endgame duplicates are not an error). On hash mismatch the piece is
// reset for re-download and the set of peers that contributed to the
// bad piece is returned.
func (s *store) MarkBlockReceived(id string, pieceIndex, offset int, data []byte) (WriteResult, mapset.Set, error) {
	if pieceIndex < 0 || pieceIndex >= s.layout.NumPieces() {
		return BlockIgnored, nil, fmt.Errorf("piece %d: %w", pieceIndex, ErrOutOfRangeBlock)
	}
	pieceSize := s.layout.PieceSize(pieceIndex)
	if offset < 0 || offset+len(data) > pieceSize {
		return BlockIgnored, nil, fmt.Errorf("piece %d offset %d length %d: %w",
			pieceIndex, offset, len(data), ErrOutOfRangeBlock)
	}
	if offset%BLOCK_SIZE != 0 {
		return BlockIgnored, nil, fmt.Errorf("piece %d offset %d not block aligned: %w",
			pieceIndex, offset, ErrOutOfRangeBlock)
	}
	blockIndex := offset / BLOCK_SIZE
	if len(data) != blockLength(pieceSize, blockIndex) {
		return BlockIgnored, nil, fmt.Errorf("piece %d block %d has %d bytes: %w",
			pieceIndex, blockIndex, len(data), ErrOutOfRangeBlock)
	}

	p := s.pieces[pieceIndex]
	p.Lock()
	defer p.Unlock()

	if p.state == Verified {
		return BlockIgnored, nil, nil
	}
	if p.blocks[blockIndex].received {
		return BlockIgnored, nil, nil
	}
	p.blocks[blockIndex].received = true
	p.blocks[blockIndex].data = data
	p.left--
	p.contributors.Add(id)
	if p.state == Missing {
		p.state = InProgress
	}
	if p.left > 0 {
		return BlockAccepted, nil, nil
	}

	// Piece is byte-complete: verify
	piece := &bytes.Buffer{}
	for _, block := range p.blocks {
		piece.Write(block.data)
	}
	pieceBytes := piece.Bytes()
	actual := sha1.Sum(pieceBytes)
	if !bytes.Equal(actual[:], s.layout.PieceHashes[pieceIndex]) {
		contributors := p.contributors
		s.resetLocked(pieceIndex, p)
		s.emit(event.PieceFailed{Index: pieceIndex})
		log.WithField("piece", pieceIndex).Warn("hash mismatch, piece reset")
		return PieceRejected, contributors, ErrHashMismatch
	}

	if err := s.flushLocked(pieceIndex, p, pieceBytes); err != nil {
		// Keep the verified bytes in memory so a later retry can
		// re-flush without re-downloading.
		p.flushPending = true
		return PieceDone, nil, fmt.Errorf("flush piece %d: %w", pieceIndex, err)
	}
	return PieceDone, nil, nil
}

// resetLocked discards all received data for the piece. Caller holds
// the piece lock.
func (s *store) resetLocked(pieceIndex int, p *pieceData) {
	n := numBlocks(s.layout.PieceSize(pieceIndex))
	p.blocks = make([]blockData, n)
	p.left = n
	p.state = Missing
	p.contributors = mapset.NewSet()
}

// flushLocked writes the verified piece to storage and publishes the
// transition. Caller holds the piece lock.
func (s *store) flushLocked(pieceIndex int, p *pieceData, pieceBytes []byte) error {
	if err := s.storage.WritePieceRequest(pieceIndex, pieceBytes); err != nil {
		return err
	}
	p.state = Verified
	p.flushPending = false
	for i := range p.blocks {
		p.blocks[i].data = nil
	}

	s.Lock()
	s.clientBitField.Set(pieceIndex, true)
	s.verified++
	s.Unlock()

	s.emit(event.PieceVerified{Index: pieceIndex})
	return nil
}

// RetryFlush re-attempts persistence of pieces whose disk write
// failed after verification. Returns the indices that reached disk so
// the caller can advertise them, and the first error encountered.
func (s *store) RetryFlush() ([]int, error) {
	flushed := []int{}
	for pieceIndex, p := range s.pieces {
		p.Lock()
		if !p.flushPending {
			p.Unlock()
			continue
		}
		piece := &bytes.Buffer{}
		for _, block := range p.blocks {
			piece.Write(block.data)
		}
		err := s.flushLocked(pieceIndex, p, piece.Bytes())
		p.Unlock()
		if err != nil {
			return flushed, fmt.Errorf("flush piece %d: %w", pieceIndex, err)
		}
		flushed = append(flushed, pieceIndex)
	}
	return flushed, nil
}

func (s *store) emit(e event.Event) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- e:
	default:
		log.Debug("event channel full, dropping event")
	}
}
