// Package server accepts inbound peer connections and hands them to
// the swarm.
package server

import (
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/jmcph4/rainyday/peer"
)

type Server interface {
	Serve()
	GetServerPort() int
}

type server struct {
	port     int
	listener net.Listener
	quit     chan int
	swarm    peer.Swarm
}

var (
	listen = net.Listen
)

func NewServer(
	swarm peer.Swarm,
	quit chan int) (Server, error) {

	sv := &server{
		swarm: swarm,
		quit:  quit,
	}
	listener, err := listen("tcp4", "")
	if err != nil {
		return nil, err
	}
	sv.listener = listener
	sv.port = sv.listener.Addr().(*net.TCPAddr).Port
	return sv, nil
}

func (sv *server) Serve() {
	go func() {
		<-sv.quit
		sv.listener.Close()
	}()
	go func() {
		for {
			conn, err := sv.listener.Accept()
			if err != nil {
				select {
				case <-sv.quit:
					log.Debug("peer listener closed")
				default:
					log.Errorf("peer listener: %v", err)
				}
				return
			}
			addr := conn.RemoteAddr().(*net.TCPAddr)
			id := fmt.Sprintf("%s:%d", addr.IP, addr.Port)
			sv.swarm.AddPeer(id, conn)
		}
	}()
}

func (sv *server) GetServerPort() int {
	return sv.port
}
