package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmcph4/rainyday/torrent"
	"github.com/spf13/afero"
)

type randomAccessStorage struct {
	layout    *torrent.Layout
	root      string
	files     []afero.File
	fileLocks []*sync.Mutex
}

// NewRandomAccessStorage creates (or reopens) every file of the layout
// under root and keeps the handles open for random-access writes.
func NewRandomAccessStorage(layout *torrent.Layout, root string) (Storage, error) {
	s := &randomAccessStorage{
		layout: layout,
		root:   root,
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *randomAccessStorage) init() error {
	for _, entry := range s.layout.Files {
		path := filepath.Join(s.root, entry.Path)
		dir := filepath.Dir(path)
		if _, err := appFS.Stat(dir); os.IsNotExist(err) {
			if err := appFS.MkdirAll(dir, 0755); err != nil {
				s.Close()
				return err
			}
		}
		file, err := openFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			s.Close()
			return err
		}
		s.files = append(s.files, file)
		s.fileLocks = append(s.fileLocks, &sync.Mutex{})
	}
	return nil
}

func (s *randomAccessStorage) BlockReadRequest(pieceIndex, blockByteOffset, length int) ([]byte, error) {
	segments, err := s.layout.FileSegments(pieceIndex, blockByteOffset, length)
	if err != nil {
		return nil, err
	}

	blockData := &bytes.Buffer{}
	for _, seg := range segments {
		data := make([]byte, seg.Length)
		s.fileLocks[seg.FileIndex].Lock()
		_, err := s.files[seg.FileIndex].ReadAt(data, int64(seg.FileOffset))
		s.fileLocks[seg.FileIndex].Unlock()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", s.layout.Files[seg.FileIndex].Path, err)
		}
		blockData.Write(data)
	}
	return blockData.Bytes(), nil
}

func (s *randomAccessStorage) WritePieceRequest(pieceIndex int, data []byte) error {
	segments, err := s.layout.FileSegments(pieceIndex, 0, len(data))
	if err != nil {
		return err
	}

	for _, seg := range segments {
		s.fileLocks[seg.FileIndex].Lock()
		_, err := s.files[seg.FileIndex].WriteAt(data[:seg.Length], int64(seg.FileOffset))
		s.fileLocks[seg.FileIndex].Unlock()
		if err != nil {
			return fmt.Errorf("write %s: %w", s.layout.Files[seg.FileIndex].Path, err)
		}
		data = data[seg.Length:]
	}
	return nil
}

func (s *randomAccessStorage) Close() error {
	var firstErr error
	for _, file := range s.files {
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
