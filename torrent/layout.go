package torrent

import (
	"fmt"
	"strings"
)

// Layout is the read-only view of the torrent's file structure that
// the engine maps pieces onto. A piece may straddle several files.
type Layout struct {
	Files       []FileEntry
	PieceLength int
	PieceHashes [][]byte
	TotalLength int
}

type FileEntry struct {
	Path   string
	Length int
}

// Segment addresses a contiguous byte range inside one file.
type Segment struct {
	FileIndex  int
	FileOffset int
	Length     int
}

func NewLayout(mi *MetaInfo, totalLength int) (*Layout, error) {
	l := &Layout{
		PieceLength: mi.Info.PieceLength,
		TotalLength: totalLength,
	}

	if len(mi.Info.Files) > 0 {
		// Multiple file mode, paths rooted at the torrent name
		for _, f := range mi.Info.Files {
			path := strings.Join(append([]string{mi.Info.Name}, f.Path...), "/")
			l.Files = append(l.Files, FileEntry{Path: path, Length: f.Length})
		}
	} else {
		l.Files = append(l.Files, FileEntry{Path: mi.Info.Name, Length: mi.Info.Length})
	}

	if len(mi.Info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("malformed piece hashes")
	}
	for i := 0; i+20 <= len(mi.Info.Pieces); i += 20 {
		l.PieceHashes = append(l.PieceHashes, []byte(mi.Info.Pieces[i:i+20]))
	}

	sum := 0
	for _, f := range l.Files {
		sum += f.Length
	}
	if sum != totalLength {
		return nil, fmt.Errorf("file lengths sum to %d, expected %d", sum, totalLength)
	}
	expectedPieces := (totalLength + l.PieceLength - 1) / l.PieceLength
	if expectedPieces != len(l.PieceHashes) {
		return nil, fmt.Errorf("have %d piece hashes, expected %d", len(l.PieceHashes), expectedPieces)
	}
	return l, nil
}

func (l *Layout) NumPieces() int {
	return len(l.PieceHashes)
}

// PieceSize returns the byte length of a piece; only the last piece
// may be shorter than PieceLength.
func (l *Layout) PieceSize(pieceIndex int) int {
	if pieceIndex == l.NumPieces()-1 {
		if rem := l.TotalLength % l.PieceLength; rem != 0 {
			return rem
		}
	}
	return l.PieceLength
}

// FileSegments maps a byte range of a piece onto the ordered file
// segments it covers. Pure function of the layout, no I/O.
func (l *Layout) FileSegments(pieceIndex, offset, length int) ([]Segment, error) {
	if pieceIndex < 0 || pieceIndex >= l.NumPieces() {
		return nil, fmt.Errorf("piece index %d out of range", pieceIndex)
	}
	if offset < 0 || length < 0 || offset+length > l.PieceSize(pieceIndex) {
		return nil, fmt.Errorf("range [%d,%d) outside piece %d", offset, offset+length, pieceIndex)
	}

	global := pieceIndex*l.PieceLength + offset
	segments := []Segment{}
	for fileIndex := 0; fileIndex < len(l.Files) && length > 0; fileIndex++ {
		fileLen := l.Files[fileIndex].Length
		if global >= fileLen {
			global -= fileLen
			continue
		}
		segLen := length
		if global+segLen > fileLen {
			segLen = fileLen - global
		}
		segments = append(segments, Segment{
			FileIndex:  fileIndex,
			FileOffset: global,
			Length:     segLen,
		})
		length -= segLen
		global = 0
	}
	if length > 0 {
		return nil, fmt.Errorf("range extends past final file")
	}
	return segments, nil
}
