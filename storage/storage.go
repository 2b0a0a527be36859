// Package storage persists verified pieces to the torrent's file
// layout and serves block reads for seeding.
package storage

import (
	"github.com/spf13/afero"
)

var appFS = afero.NewOsFs()
var openFile = appFS.OpenFile

type Storage interface {
	BlockReadRequest(pieceIndex, blockByteOffset, length int) (blockData []byte, err error)
	WritePieceRequest(pieceIndex int, data []byte) (err error)
	Close() error
}
