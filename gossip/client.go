// Copyright 2024 The go-equa Authors
// Verity Oracle Node - Peer Gossip outbound dialing

package gossip

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
)

const dialTimeout = 2 * time.Second

var dialer = websocket.Dialer{HandshakeTimeout: dialTimeout}

// Dial opens an outbound connection to a peer at host:port and
// registers it with the actor under peer's address, advertising this
// node's own address so the remote side can register the connection
// under the right key too.
func (a *Actor) Dial(ctx context.Context, peer common.Address, host string, port int) error {
	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", host, port), Path: "/gossip"}

	header := http.Header{}
	header.Set("X-Node-Address", a.ownAddress.Hex())

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, u.String(), header)
	if err != nil {
		return fmt.Errorf("dial gossip peer %s at %s: %w", peer, u.String(), err)
	}

	a.register <- registration{peer: peer, conn: conn}
	go a.readLoop(ctx, peer, conn)
	log.Info("dialed gossip peer", "peer", peer, "addr", u.String())
	return nil
}

// DialAll connects to every peer in ports that isn't this node itself,
// logging (not failing) individual dial errors so one unreachable peer
// never blocks connecting to the rest (spec.md §4.F).
func (a *Actor) DialAll(ctx context.Context, ports map[common.Address]int, host string) {
	for peer, port := range ports {
		if peer == a.ownAddress || port == 0 {
			continue
		}
		if err := a.Dial(ctx, peer, host, port); err != nil {
			log.Error("gossip dial failed", "peer", peer, "error", err)
		}
	}
}
