package piece

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/jmcph4/rainyday/event"
	"github.com/jmcph4/rainyday/storage"
	"github.com/jmcph4/rainyday/torrent"
)

type mockDisk struct {
	storage.Storage
	mock.Mock
}

func (m *mockDisk) WritePieceRequest(pieceIndex int, data []byte) error {
	args := m.Called(pieceIndex, data)
	return args.Error(0)
}

// storeLayout builds a 3-piece layout (8+8+6 bytes) whose piece
// hashes match the given contents.
func storeLayout(pieceContents [][]byte) *torrent.Layout {
	total := 0
	hashes := [][]byte{}
	for _, content := range pieceContents {
		total += len(content)
		h := sha1.Sum(content)
		hashes = append(hashes, h[:])
	}
	return &torrent.Layout{
		Files:       []torrent.FileEntry{{Path: "out", Length: total}},
		PieceLength: 8,
		PieceHashes: hashes,
		TotalLength: total,
	}
}

func storeContents() [][]byte {
	return [][]byte{
		{1, 1, 1, 1, 2, 2, 2, 2},
		{3, 3, 3, 3, 4, 4, 4, 4},
		{5, 5, 5, 5, 6, 6},
	}
}

func TestBlocksVerifyInAnyOrder(t *testing.T) {
	BLOCK_SIZE = 4
	contents := storeContents()

	orders := [][]int{{0, 4}, {4, 0}}
	for _, order := range orders {
		t.Run(fmt.Sprintf("order%v", order), func(t *testing.T) {
			disk := &mockDisk{}
			disk.On("WritePieceRequest", 0, contents[0]).Return(nil).Once()
			events := make(chan event.Event, 8)
			s := NewStore(storeLayout(contents), disk, events)

			for i, offset := range order {
				result, _, err := s.MarkBlockReceived("0.0.0.0:1", 0, offset, contents[0][offset:offset+4])
				assert.NoError(t, err)
				if i == len(order)-1 {
					assert.Equal(t, PieceDone, result)
				} else {
					assert.Equal(t, BlockAccepted, result)
				}
			}

			assert.True(t, s.HasPiece(0))
			assert.Equal(t, 1, s.NumVerified())
			assert.Equal(t, event.PieceVerified{Index: 0}, <-events)
			disk.AssertExpectations(t)
		})
	}
}

func TestHashMismatchResetsPiece(t *testing.T) {
	BLOCK_SIZE = 4
	contents := storeContents()
	disk := &mockDisk{}
	disk.On("WritePieceRequest", 1, contents[1]).Return(nil).Once()
	events := make(chan event.Event, 8)
	s := NewStore(storeLayout(contents), disk, events)

	// two peers contribute to a corrupt piece
	bad := []byte{9, 9, 9, 9}
	_, _, err := s.MarkBlockReceived("0.0.0.0:1", 1, 0, bad)
	assert.NoError(t, err)
	result, contributors, err := s.MarkBlockReceived("0.0.0.0:2", 1, 4, contents[1][4:])
	assert.Equal(t, PieceRejected, result)
	assert.True(t, errors.Is(err, ErrHashMismatch))
	assert.True(t, contributors.Contains("0.0.0.0:1"))
	assert.True(t, contributors.Contains("0.0.0.0:2"))
	assert.Equal(t, event.PieceFailed{Index: 1}, <-events)
	assert.False(t, s.HasPiece(1))

	// the piece can be downloaded again from scratch
	_, _, err = s.MarkBlockReceived("0.0.0.0:3", 1, 0, contents[1][:4])
	assert.NoError(t, err)
	result, _, err = s.MarkBlockReceived("0.0.0.0:3", 1, 4, contents[1][4:])
	assert.NoError(t, err)
	assert.Equal(t, PieceDone, result)
	assert.True(t, s.HasPiece(1))
	disk.AssertExpectations(t)
}

func TestOutOfRangeBlocks(t *testing.T) {
	BLOCK_SIZE = 4
	contents := storeContents()
	s := NewStore(storeLayout(contents), &mockDisk{}, nil)

	_, _, err := s.MarkBlockReceived("0.0.0.0:1", 3, 0, make([]byte, 4))
	assert.True(t, errors.Is(err, ErrOutOfRangeBlock))

	// past the end of the short last piece
	_, _, err = s.MarkBlockReceived("0.0.0.0:1", 2, 4, make([]byte, 4))
	assert.True(t, errors.Is(err, ErrOutOfRangeBlock))

	// misaligned offset
	_, _, err = s.MarkBlockReceived("0.0.0.0:1", 0, 2, make([]byte, 4))
	assert.True(t, errors.Is(err, ErrOutOfRangeBlock))

	// wrong block length
	_, _, err = s.MarkBlockReceived("0.0.0.0:1", 0, 0, make([]byte, 3))
	assert.True(t, errors.Is(err, ErrOutOfRangeBlock))
}

func TestLateDataForVerifiedPieceIgnored(t *testing.T) {
	BLOCK_SIZE = 4
	contents := storeContents()
	disk := &mockDisk{}
	disk.On("WritePieceRequest", 0, contents[0]).Return(nil).Once()
	s := NewStore(storeLayout(contents), disk, nil)

	s.MarkBlockReceived("0.0.0.0:1", 0, 0, contents[0][:4])
	result, _, err := s.MarkBlockReceived("0.0.0.0:1", 0, 4, contents[0][4:])
	assert.NoError(t, err)
	assert.Equal(t, PieceDone, result)

	// a duplicate from the endgame loser arrives after verification
	result, _, err = s.MarkBlockReceived("0.0.0.0:2", 0, 4, contents[0][4:])
	assert.NoError(t, err)
	assert.Equal(t, BlockIgnored, result)
	disk.AssertCalled(t, "WritePieceRequest", 0, contents[0])
	disk.AssertNumberOfCalls(t, "WritePieceRequest", 1)
}

func TestVerifiedPieceNeverResets(t *testing.T) {
	BLOCK_SIZE = 4
	contents := storeContents()
	disk := &mockDisk{}
	disk.On("WritePieceRequest", 0, contents[0]).Return(nil).Once()
	s := NewStore(storeLayout(contents), disk, nil)

	s.MarkBlockReceived("0.0.0.0:1", 0, 0, contents[0][:4])
	s.MarkBlockReceived("0.0.0.0:1", 0, 4, contents[0][4:])
	assert.True(t, s.HasPiece(0))

	// corrupt late data cannot knock the piece back
	s.MarkBlockReceived("0.0.0.0:2", 0, 0, []byte{9, 9, 9, 9})
	assert.True(t, s.HasPiece(0))
	assert.Equal(t, 1, s.NumVerified())
}

func TestSnapshotIsACopy(t *testing.T) {
	BLOCK_SIZE = 4
	contents := storeContents()
	disk := &mockDisk{}
	disk.On("WritePieceRequest", mock.Anything, mock.Anything).Return(nil)
	s := NewStore(storeLayout(contents), disk, nil)

	before := s.Snapshot()
	s.MarkBlockReceived("0.0.0.0:1", 0, 0, contents[0][:4])
	s.MarkBlockReceived("0.0.0.0:1", 0, 4, contents[0][4:])

	// the earlier snapshot must not observe the later write
	assert.NotEqual(t, before, s.Snapshot())
}

func TestFlushFailurePreservesPiece(t *testing.T) {
	BLOCK_SIZE = 4
	contents := storeContents()
	disk := &mockDisk{}
	disk.On("WritePieceRequest", 0, contents[0]).Return(fmt.Errorf("disk full")).Once()
	events := make(chan event.Event, 8)
	s := NewStore(storeLayout(contents), disk, events)

	s.MarkBlockReceived("0.0.0.0:1", 0, 0, contents[0][:4])
	result, _, err := s.MarkBlockReceived("0.0.0.0:1", 0, 4, contents[0][4:])
	assert.Equal(t, PieceDone, result)
	assert.Error(t, err)
	assert.False(t, s.HasPiece(0))
	assert.Len(t, events, 0)

	// the retry flushes from memory without re-downloading
	disk.On("WritePieceRequest", 0, contents[0]).Return(nil).Once()
	flushed, err := s.RetryFlush()
	assert.NoError(t, err)
	assert.Equal(t, []int{0}, flushed)
	assert.True(t, s.HasPiece(0))
	assert.Equal(t, event.PieceVerified{Index: 0}, <-events)
	disk.AssertExpectations(t)
}
