package server

import (
	"context"

	"go.uber.org/zap"

	"github.com/kilnworks/kiln/bus"
	"github.com/kilnworks/kiln/logger"
)

// MaxClients caps concurrent socket connections per replica.
const MaxClients = 1024

// subscription pairs a client with the job room it is entering or leaving.
type subscription struct {
	client *Client
	jobID  string
}

// Hub tracks socket clients and their job rooms, and forwards bus events
// into matching rooms. All membership mutation happens on the run loop, so
// the maps need no locks.
type Hub struct {
	bus *bus.Bus
	log *zap.SugaredLogger

	register   chan *Client
	unregister chan *Client
	join       chan subscription
	leave      chan subscription

	// emits bridges events published by this process so local subscribers
	// see them without a bus round trip.
	emits chan bus.Event

	clients map[*Client]bool
	rooms   map[string]map[*Client]bool
}

func newHub(b *bus.Bus, log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = logger.Logger
	}
	return &Hub{
		bus:        b,
		log:        log,
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		join:       make(chan subscription, 64),
		leave:      make(chan subscription, 64),
		emits:      make(chan bus.Event, 64),
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
	}
}

func roomKey(jobID string) string {
	return "job:" + jobID
}

// run processes membership changes and event forwarding until ctx is
// cancelled, then closes every client.
func (h *Hub) run(ctx context.Context) {
	var events <-chan bus.Event
	if h.bus != nil {
		events = h.bus.Subscribe(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				c.close()
			}
			h.clients = make(map[*Client]bool)
			h.rooms = make(map[string]map[*Client]bool)
			return

		case c := <-h.register:
			if len(h.clients) >= MaxClients {
				h.log.Warnw("Socket client limit reached, rejecting connection",
					"client_id", c.id,
					"max_clients", MaxClients,
				)
				c.close()
				continue
			}
			h.clients[c] = true
			h.log.Infow("Socket client connected",
				"client_id", c.id,
				logger.FieldUserID, c.user.ID,
				"total_clients", len(h.clients),
			)

		case c := <-h.unregister:
			if _, ok := h.clients[c]; !ok {
				continue
			}
			delete(h.clients, c)
			h.dropFromRooms(c)
			c.close()
			h.log.Infow("Socket client disconnected",
				"client_id", c.id,
				"total_clients", len(h.clients),
			)

		case sub := <-h.join:
			key := roomKey(sub.jobID)
			if h.rooms[key] == nil {
				h.rooms[key] = make(map[*Client]bool)
			}
			h.rooms[key][sub.client] = true

		case sub := <-h.leave:
			// Idempotent: leaving a room never entered is a no-op.
			key := roomKey(sub.jobID)
			if room, ok := h.rooms[key]; ok {
				delete(room, sub.client)
				if len(room) == 0 {
					delete(h.rooms, key)
				}
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			h.forward(ev)

		case ev := <-h.emits:
			h.forward(ev)
		}
	}
}

// forward fans an event out to the room's clients. Slow clients drop the
// frame rather than block the loop.
func (h *Hub) forward(ev bus.Event) {
	room := h.rooms[roomKey(ev.JobID)]
	if len(room) == 0 {
		return
	}

	f := eventFrame(ev)
	for c := range room {
		c.enqueue(f)
	}
}

func (h *Hub) dropFromRooms(c *Client) {
	for key, room := range h.rooms {
		if room[c] {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, key)
			}
		}
	}
}

// emitLocal delivers an event to local rooms without touching the bus.
// Used for events this process already published.
func (h *Hub) emitLocal(ev bus.Event) {
	select {
	case h.emits <- ev:
	default:
		h.log.Debugw("Local emit dropped, hub busy", logger.FieldJobID, ev.JobID)
	}
}

func eventFrame(ev bus.Event) frame {
	switch ev.Kind {
	case bus.EventLog:
		return frame{Type: frameJobLog, JobID: ev.JobID, Log: ev.Log}
	default:
		return frame{Type: frameJobStatus, JobID: ev.JobID, Status: ev.Status, Result: ev.Result}
	}
}
