// Package client wires the engine together for a single torrent:
// storage, piece store, scheduler, swarm, choke rotation, inbound
// listener and tracker announces.
package client

import (
	"strconv"

	"github.com/gosuri/uiprogress"
	log "github.com/sirupsen/logrus"

	"github.com/jmcph4/rainyday/event"
	"github.com/jmcph4/rainyday/peer"
	"github.com/jmcph4/rainyday/piece"
	"github.com/jmcph4/rainyday/server"
	"github.com/jmcph4/rainyday/stats"
	"github.com/jmcph4/rainyday/storage"
	"github.com/jmcph4/rainyday/torrent"
	"github.com/jmcph4/rainyday/tracker"
)

type TorrentDownload interface {
	Start() error
	Stop()
	Done() <-chan int
	GetInfoHash() []byte
}

type torrentDownload struct {
	tor           *torrent.Torrent
	config        Config
	dataDirectory string

	quit    chan int
	done    chan int
	storage storage.Storage
	store   piece.Store
	sched   piece.Scheduler
	swarm   peer.Swarm
	stats   stats.Stats
}

func NewTorrentDownload(tor *torrent.Torrent, dataDirectory string, config Config) TorrentDownload {
	return &torrentDownload{
		tor:           tor,
		dataDirectory: dataDirectory,
		config:        config,
		done:          make(chan int),
	}
}

func (d *torrentDownload) GetInfoHash() []byte {
	return d.tor.InfoHash
}

// Done closes once every piece has verified.
func (d *torrentDownload) Done() <-chan int {
	return d.done
}

func (d *torrentDownload) Start() error {
	if err := d.config.apply(); err != nil {
		return err
	}
	quit := make(chan int)
	d.quit = quit

	stg, err := storage.NewRandomAccessStorage(d.tor.Layout, d.dataDirectory)
	if err != nil {
		return err
	}
	d.storage = stg
	d.stats = stats.NewStats(0, 0, d.tor.Length)

	events := make(chan event.Event, 256)
	d.store = piece.NewStore(d.tor.Layout, d.storage, events)
	d.sched = piece.NewScheduler(d.store)
	d.swarm = peer.NewSwarm(d.tor, d.store, d.sched, d.storage, d.stats, events)
	choke := peer.NewChoke(d.swarm, d.sched, d.stats, quit)
	sv, err := server.NewServer(d.swarm, quit)
	if err != nil {
		return err
	}

	var announceList [][]string
	if len(d.tor.MetaInfo.AnnounceList) > 0 {
		announceList = d.tor.MetaInfo.AnnounceList
	} else {
		announceList = [][]string{{d.tor.MetaInfo.Announce}}
	}
	tr := tracker.NewTracker(announceList, d.tor.InfoHash, d.stats, d.swarm, quit, sv.GetServerPort())

	go tr.Start()
	go choke.Start()
	sv.Serve()
	go d.consumeEvents()

	log.WithFields(log.Fields{
		"pieces": d.tor.NumPieces,
		"length": d.tor.Length,
	}).Info("download started")
	return nil
}

// consumeEvents drives the progress display and the completion
// signal from the engine's event stream.
func (d *torrentDownload) consumeEvents() {
	var bar *uiprogress.Bar
	if d.config.ShowDownloadProgress {
		uiprogress.Start()
		bar = uiprogress.AddBar(d.tor.NumPieces)
		bar.AppendCompleted()
		bar.AppendFunc(func(b *uiprogress.Bar) string {
			return "pieces: " + strconv.Itoa(d.store.NumVerified()) + "/" + strconv.Itoa(d.tor.NumPieces)
		})
		bar.AppendElapsed()
	}

	for {
		select {
		case <-d.quit:
			if bar != nil {
				uiprogress.Stop()
			}
			return
		case e := <-d.swarm.Events():
			switch ev := e.(type) {
			case event.PieceVerified:
				if bar != nil {
					bar.Incr()
				}
				if d.sched.Done() {
					log.Info("download complete")
					close(d.done)
				}
			case event.PieceFailed:
				log.WithField("piece", ev.Index).Warn("piece failed verification")
			case event.PeerConnected:
				log.WithField("peer", ev.Addr).Debug("peer connected")
			case event.PeerDisconnected:
				log.WithField("peer", ev.Addr).Debug("peer disconnected")
			}
		}
	}
}

func (d *torrentDownload) Stop() {
	close(d.quit)
	d.swarm.Stop()
	if err := d.storage.Close(); err != nil {
		log.Errorf("closing storage: %v", err)
	}
}
