package tracker

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/marksamman/bencode"

	"github.com/jmcph4/rainyday/torrent"
)

func (tr *tracker) queryHTTPTracker(trackerURL string, event int) error {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return err
	}
	if !u.IsAbs() {
		return fmt.Errorf("tracker URL %q not absolute", trackerURL)
	}

	q := u.Query()
	q.Set("info_hash", string(tr.infoHash))
	q.Set("peer_id", string(torrent.PEER_ID))
	uploaded, downloaded, left := tr.stats.GetTrackerStats()
	q.Set("uploaded", strconv.Itoa(uploaded))
	q.Set("downloaded", strconv.Itoa(downloaded))
	q.Set("left", strconv.Itoa(left))
	q.Set("key", strconv.Itoa(int(tr.key)))
	switch event {
	case COMPLETED:
		q.Set("event", "completed")
	case STARTED:
		q.Set("event", "started")
	case STOPPED:
		q.Set("event", "stopped")
	}
	q.Set("numwant", strconv.Itoa(int(tr.numwant)))
	q.Set("port", strconv.Itoa(int(tr.serverPort)))
	q.Set("compact", "1")
	u.RawQuery = q.Encode()

	resp, err := http.Get(u.String())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := bencode.Decode(resp.Body)
	if err != nil {
		return err
	}
	if reason, ok := body["failure reason"].(string); ok && reason != "" {
		return fmt.Errorf("tracker failure: %s", reason)
	}
	if interval, ok := body["interval"].(int64); ok {
		tr.announceResp.interval = time.Duration(interval) * time.Second
	}
	if leechers, ok := body["incomplete"].(int64); ok {
		tr.announceResp.leechers = int32(leechers)
	}
	if seeders, ok := body["complete"].(int64); ok {
		tr.announceResp.seeders = int32(seeders)
	}

	if event != STOPPED {
		if peers, ok := body["peers"].(string); ok {
			tr.addCompactPeers([]byte(peers))
		}
	}
	return nil
}
