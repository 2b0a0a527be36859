package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/jmcph4/rainyday/client"
	"github.com/jmcph4/rainyday/torrent"
)

func main() {
	output := flag.String("output", ".", "directory to download into")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()
	if flag.NArg() != 1 {
		log.Fatalln("usage: rainyday [flags] <torrent file>")
	}
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	file, err := os.Open(flag.Arg(0))
	if err != nil {
		log.Fatalln(err)
	}
	tor, err := torrent.NewTorrent(file)
	file.Close()
	if err != nil {
		log.Fatalln(err)
	}

	download := client.NewTorrentDownload(tor, *output, client.DefaultConfig)
	if err := download.Start(); err != nil {
		log.Fatalln(err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-download.Done():
	case <-sig:
		log.Info("interrupted, shutting down")
	}
	download.Stop()
}
