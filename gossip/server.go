// Copyright 2024 The go-equa Authors
// Verity Oracle Node - Peer Gossip inbound server

package gossip

import (
	"context"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
)

const (
	readInactivityTimeout = 20 * time.Second
	pongWait              = 10 * time.Second
	pingPeriod            = readInactivityTimeout - pongWait/2
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades an incoming connection from a peer identifying
// itself via the X-Node-Address header, registers it with the actor,
// and runs its read loop until it closes or goes inactive.
func (a *Actor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	peerHex := r.Header.Get("X-Node-Address")
	if !common.IsHexAddress(peerHex) {
		http.Error(w, "missing or malformed X-Node-Address", http.StatusBadRequest)
		return
	}
	peer := common.HexToAddress(peerHex)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("gossip websocket upgrade failed", "peer", peer, "error", err)
		return
	}

	a.register <- registration{peer: peer, conn: conn}
	a.readLoop(r.Context(), peer, conn)
}

// readLoop enforces the inactivity contract of spec.md §4.F: a ping
// goes out every pingPeriod, each allowed pongWait to be written, and
// the connection closes once neither a frame nor a pong has arrived
// for readInactivityTimeout. Every frame read and every pong resets
// the deadline.
func (a *Actor) readLoop(ctx context.Context, peer common.Address, conn *websocket.Conn) {
	defer func() {
		a.unregister <- peer
	}()

	conn.SetReadDeadline(time.Now().Add(readInactivityTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readInactivityTimeout))
		return nil
	})

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongWait)); err != nil {
				return
			}
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			log.Debug("gossip peer read loop ended", "peer", peer, "error", err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(readInactivityTimeout))
		select {
		case a.inbound <- inboundMsg{from: peer, payload: payload}:
		case <-ctx.Done():
			return
		}
	}
}
