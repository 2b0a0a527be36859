package piece

import (
	"testing"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/stretchr/testify/assert"
)

type fakeStore struct {
	Store
	pieceSizes []int
	have       map[int]bool
}

func (f *fakeStore) NumPieces() int      { return len(f.pieceSizes) }
func (f *fakeStore) PieceSize(i int) int { return f.pieceSizes[i] }
func (f *fakeStore) HasPiece(i int) bool { return f.have[i] }

func bitfieldWith(n int, pieces ...int) *bitmap.Bitmap {
	bm := bitmap.New(n)
	for _, i := range pieces {
		bm.Set(i, true)
	}
	return &bm
}

func fixedClock(s Scheduler, at time.Time) {
	s.(*scheduler).now = func() time.Time { return at }
}

func TestRarestPieceIsPickedFirst(t *testing.T) {
	BLOCK_SIZE = 16384
	MAX_OUTSTANDING_REQUESTS = 5
	store := &fakeStore{pieceSizes: []int{16384, 16384, 16384}, have: map[int]bool{}}
	s := NewScheduler(store)

	// availability 3/1/2
	all := bitfieldWith(3, 0, 1, 2)
	s.PeerBitfield("a", all)
	s.PeerBitfield("b", bitfieldWith(3, 0, 2))
	s.PeerBitfield("c", bitfieldWith(3, 0))

	assert.Equal(t, 3, s.Availability(0))
	assert.Equal(t, 1, s.Availability(1))
	assert.Equal(t, 2, s.Availability(2))

	requests := s.NextRequests("a", all)
	assert.Len(t, requests, 3)
	assert.Equal(t, 1, requests[0].Index)
	assert.Equal(t, 2, requests[1].Index)
	assert.Equal(t, 0, requests[2].Index)
}

func TestEqualRarityBreaksTiesByLowestIndex(t *testing.T) {
	BLOCK_SIZE = 16384
	MAX_OUTSTANDING_REQUESTS = 1
	defer func() { MAX_OUTSTANDING_REQUESTS = 5 }()
	store := &fakeStore{pieceSizes: []int{16384, 16384, 16384}, have: map[int]bool{}}
	s := NewScheduler(store)

	all := bitfieldWith(3, 0, 1, 2)
	s.PeerBitfield("a", all)

	requests := s.NextRequests("a", all)
	assert.Len(t, requests, 1)
	assert.Equal(t, 0, requests[0].Index)
}

func TestPipelineIsBounded(t *testing.T) {
	BLOCK_SIZE = 16384
	MAX_OUTSTANDING_REQUESTS = 5
	store := &fakeStore{pieceSizes: []int{8 * 16384}, have: map[int]bool{}}
	s := NewScheduler(store)

	bf := bitfieldWith(1, 0)
	s.PeerBitfield("a", bf)

	requests := s.NextRequests("a", bf)
	assert.Len(t, requests, 5)
	assert.Empty(t, s.NextRequests("a", bf))

	// a delivered block frees exactly one slot
	s.BlockReceived("a", requests[0].Index, requests[0].Begin)
	more := s.NextRequests("a", bf)
	assert.Len(t, more, 1)
	assert.NotContains(t, requests, more[0])
}

func TestShortLastBlockLength(t *testing.T) {
	BLOCK_SIZE = 16384
	MAX_OUTSTANDING_REQUESTS = 5
	store := &fakeStore{pieceSizes: []int{16384 + 100}, have: map[int]bool{}}
	s := NewScheduler(store)

	bf := bitfieldWith(1, 0)
	requests := s.NextRequests("a", bf)
	assert.Len(t, requests, 2)
	assert.Equal(t, 16384, requests[0].Length)
	assert.Equal(t, 100, requests[1].Length)
}

func TestExpiredRequestsAreReassigned(t *testing.T) {
	BLOCK_SIZE = 16384
	MAX_OUTSTANDING_REQUESTS = 5
	store := &fakeStore{pieceSizes: []int{16384}, have: map[int]bool{}}
	s := NewScheduler(store)

	start := time.Now()
	fixedClock(s, start)
	bf := bitfieldWith(1, 0)
	requests := s.NextRequests("slow", bf)
	assert.Len(t, requests, 1)

	// nothing expires inside the window
	assert.Equal(t, 0, s.ReapExpired(start.Add(REQUEST_TIMEOUT/2)))
	assert.False(t, s.IsSnubbed("slow"))

	assert.Equal(t, 1, s.ReapExpired(start.Add(REQUEST_TIMEOUT+time.Second)))
	assert.True(t, s.IsSnubbed("slow"))

	// the released block goes to another peer
	reassigned := s.NextRequests("fast", bf)
	assert.Len(t, reassigned, 1)
	assert.Equal(t, requests[0], reassigned[0])
}

func TestSnubbedPeerHeldToSingleRequest(t *testing.T) {
	BLOCK_SIZE = 16384
	MAX_OUTSTANDING_REQUESTS = 5
	store := &fakeStore{pieceSizes: []int{8 * 16384}, have: map[int]bool{}}
	s := NewScheduler(store)

	start := time.Now()
	fixedClock(s, start)
	bf := bitfieldWith(1, 0)
	s.NextRequests("a", bf)
	s.ReapExpired(start.Add(REQUEST_TIMEOUT + time.Second))
	assert.True(t, s.IsSnubbed("a"))

	probe := s.NextRequests("a", bf)
	assert.Len(t, probe, 1)

	// fresh data clears the snub and reopens the pipeline
	s.BlockReceived("a", probe[0].Index, probe[0].Begin)
	assert.False(t, s.IsSnubbed("a"))
	assert.Len(t, s.NextRequests("a", bf), 5)
}

func TestChokedPeerReleasesItsBlocks(t *testing.T) {
	BLOCK_SIZE = 16384
	MAX_OUTSTANDING_REQUESTS = 5
	store := &fakeStore{pieceSizes: []int{16384}, have: map[int]bool{}}
	s := NewScheduler(store)

	bf := bitfieldWith(1, 0)
	first := s.NextRequests("a", bf)
	assert.Len(t, first, 1)
	assert.Empty(t, s.NextRequests("b", bf))

	s.PeerChoked("a")
	assert.Equal(t, first, s.NextRequests("b", bf))
}

func TestEndgameDuplicatesAndCancels(t *testing.T) {
	BLOCK_SIZE = 16384
	MAX_OUTSTANDING_REQUESTS = 5
	store := &fakeStore{
		pieceSizes: []int{16384, 2 * 16384},
		have:       map[int]bool{0: true},
	}
	s := NewScheduler(store)

	// one piece left out of two puts the scheduler in endgame
	assert.True(t, s.EndgameActive())

	bf := bitfieldWith(2, 0, 1)
	first := s.NextRequests("a", bf)
	assert.Len(t, first, 2)

	// a second peer duplicates the in-flight blocks
	second := s.NextRequests("b", bf)
	assert.Equal(t, first, second)

	// a third owner per block is refused
	assert.Empty(t, s.NextRequests("c", bf))

	cancels := s.PieceVerified(1)
	assert.ElementsMatch(t, first, cancels["a"])
	assert.ElementsMatch(t, second, cancels["b"])
	assert.True(t, s.Done())
	assert.False(t, s.EndgameActive())
}

func TestNoDuplicatesBeforeEndgame(t *testing.T) {
	BLOCK_SIZE = 16384
	MAX_OUTSTANDING_REQUESTS = 5
	sizes := make([]int, 40)
	for i := range sizes {
		sizes[i] = 16384
	}
	store := &fakeStore{pieceSizes: sizes, have: map[int]bool{}}
	s := NewScheduler(store)
	assert.False(t, s.EndgameActive())

	bf := bitfieldWith(40, 0)
	assert.Len(t, s.NextRequests("a", bf), 1)
	assert.Empty(t, s.NextRequests("b", bf))
}

func TestFailedPieceCoolsDown(t *testing.T) {
	BLOCK_SIZE = 16384
	MAX_OUTSTANDING_REQUESTS = 5
	store := &fakeStore{pieceSizes: []int{16384}, have: map[int]bool{}}
	s := NewScheduler(store)

	start := time.Now()
	fixedClock(s, start)
	bf := bitfieldWith(1, 0)
	assert.Len(t, s.NextRequests("a", bf), 1)
	s.BlockReceived("a", 0, 0)
	s.PieceFailed(0)

	// held back during the cooldown window
	assert.Empty(t, s.NextRequests("a", bf))

	fixedClock(s, start.Add(FAILURE_COOLDOWN+time.Second))
	assert.Len(t, s.NextRequests("a", bf), 1)
}

func TestPeerGoneReleasesAvailabilityAndBlocks(t *testing.T) {
	BLOCK_SIZE = 16384
	MAX_OUTSTANDING_REQUESTS = 5
	store := &fakeStore{pieceSizes: []int{16384, 16384}, have: map[int]bool{}}
	s := NewScheduler(store)

	bf := bitfieldWith(2, 0, 1)
	s.PeerBitfield("a", bf)
	requests := s.NextRequests("a", bf)
	assert.Len(t, requests, 2)

	s.PeerGone("a", bf)
	assert.Equal(t, 0, s.Availability(0))
	assert.Equal(t, 0, s.Availability(1))
	assert.Len(t, s.NextRequests("b", bf), 2)
}

func TestInteresting(t *testing.T) {
	BLOCK_SIZE = 16384
	store := &fakeStore{pieceSizes: []int{16384, 16384}, have: map[int]bool{0: true}}
	s := NewScheduler(store)

	assert.False(t, s.Interesting(bitfieldWith(2, 0)))
	assert.True(t, s.Interesting(bitfieldWith(2, 1)))
	assert.False(t, s.Interesting(nil))
}
