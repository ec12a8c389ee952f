// Copyright 2024 The go-equa Authors
// Verity Oracle Node - Peer Gossip

// Package gossip implements spec.md §4.F: a vote that arrives from a
// peer over a long-lived websocket connection and is accepted by
// ingress is re-broadcast to every other connected peer. Votes accepted
// through ingress's HTTP surface are not handed to the actor, and the
// node opens no outbound peer connections of its own (DialAll has no
// caller), so only peers that dial in are reached. Built on
// github.com/gorilla/websocket, one of two websocket module copies the
// teacher carries (the §9 design note resolves in favor of the
// standalone one, not the geth catalyst/graphql-embedded copy) and
// github.com/VictoriaMetrics/fastcache for the receive-path dedup
// pre-check.
//
// A single actor goroutine owns the connection map, the pattern the
// teacher uses for engine.slotProcessor's exclusive access to pending
// state: every mutation — register, unregister, broadcast — flows
// through one channel, so the map itself never needs a mutex.
package gossip

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"

	"github.com/verity-oracle/oracle-node/ingress"
	"github.com/verity-oracle/oracle-node/voteauth"
)

// Envelope is the wire message exchanged between resolvers: an
// event-scoped vote plus the signature the submitter attached to it.
type Envelope struct {
	EventID common.Address       `json:"event_id"`
	Vote    ingress.VotePayload  `json:"vote"`
}

type registration struct {
	peer common.Address
	conn *websocket.Conn
}

type broadcastMsg struct {
	exclude common.Address
	payload []byte
}

// Actor is the single goroutine that owns every websocket connection.
// Construct one per node and run it with Run.
type Actor struct {
	ownAddress common.Address
	ingress    *ingress.Ingress
	dedup      *fastcache.Cache

	register   chan registration
	unregister chan common.Address
	broadcast  chan broadcastMsg
	inbound    chan inboundMsg
}

type inboundMsg struct {
	from    common.Address
	payload []byte
}

// New constructs an Actor. dedupCacheBytes sizes the fastcache instance
// that filters already-seen vote envelopes off the hot path before they
// ever reach signature verification (spec.md §4.F's loop-prevention
// requirement).
func New(ownAddress common.Address, ig *ingress.Ingress, dedupCacheBytes int) *Actor {
	return &Actor{
		ownAddress: ownAddress,
		ingress:    ig,
		dedup:      fastcache.New(dedupCacheBytes),
		register:   make(chan registration),
		unregister: make(chan common.Address),
		broadcast:  make(chan broadcastMsg, 256),
		inbound:    make(chan inboundMsg, 256),
	}
}

// Run is the actor loop. It must be the only goroutine that touches
// peers; every other goroutine (read loops, HTTP handlers, dial
// callers) communicates through the channels below.
func (a *Actor) Run(ctx context.Context) {
	peers := make(map[common.Address]*websocket.Conn)

	for {
		select {
		case <-ctx.Done():
			for _, conn := range peers {
				_ = conn.Close()
			}
			return

		case reg := <-a.register:
			if old, ok := peers[reg.peer]; ok {
				_ = old.Close()
			}
			peers[reg.peer] = reg.conn
			log.Info("gossip peer connected", "peer", reg.peer, "total", len(peers))

		case peer := <-a.unregister:
			if conn, ok := peers[peer]; ok {
				_ = conn.Close()
				delete(peers, peer)
				log.Info("gossip peer disconnected", "peer", peer, "total", len(peers))
			}

		case msg := <-a.broadcast:
			for peer, conn := range peers {
				if peer == msg.exclude {
					continue
				}
				c := conn
				payload := msg.payload
				go func() {
					if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
						log.Debug("gossip write failed", "error", err)
					}
				}()
			}

		case in := <-a.inbound:
			a.handleInbound(ctx, in)
		}
	}
}

// Broadcast re-sends env to every connected peer except excludeFrom
// (the peer it was received from, if any), implementing the
// re-broadcast half of spec.md §4.F.
func (a *Actor) Broadcast(env Envelope, excludeFrom common.Address) error {
	payload, err := voteauth.CanonicalJSON(env)
	if err != nil {
		return err
	}
	select {
	case a.broadcast <- broadcastMsg{exclude: excludeFrom, payload: payload}:
	default:
		log.Warn("gossip broadcast queue full, dropping", "event", env.EventID)
	}
	return nil
}

func (a *Actor) handleInbound(ctx context.Context, in inboundMsg) {
	if a.seen(in.payload) {
		return
	}

	var env Envelope
	if err := unmarshalEnvelope(in.payload, &env); err != nil {
		log.Debug("gossip dropped unparseable envelope", "from", in.from, "error", err)
		return
	}

	status, err := a.ingress.Ingest(ctx, env.Vote)
	if err != nil {
		log.Error("gossip vote ingestion failed", "event", env.EventID, "error", err)
		return
	}
	if status != ingress.Accepted {
		return
	}
	if err := a.Broadcast(env, in.from); err != nil {
		log.Error("gossip re-broadcast failed", "event", env.EventID, "error", err)
	}
}

// seen reports whether payload's dedup key has already passed through
// this node, recording it if not. fastcache's built-in eviction bounds
// memory without a separate TTL sweep.
func (a *Actor) seen(payload []byte) bool {
	key := dedupKey(payload)
	if a.dedup.Has(key) {
		return true
	}
	a.dedup.Set(key, nil)
	return false
}

func dedupKey(payload []byte) []byte {
	sum := fnv1a(payload)
	key := make([]byte, 8)
	binary.LittleEndian.PutUint64(key, sum)
	return key
}

// fnv1a avoids pulling in a second hashing dependency just to build a
// fixed-size dedup key for fastcache.
func fnv1a(data []byte) uint64 {
	const offset = 14695981039346656037
	const prime = 1099511628211
	h := uint64(offset)
	for _, b := range data {
		h ^= uint64(b)
		h *= prime
	}
	return h
}

func unmarshalEnvelope(payload []byte, env *Envelope) error {
	return json.Unmarshal(payload, env)
}
