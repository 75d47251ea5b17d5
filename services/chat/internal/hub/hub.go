// Package hub relays chat frames between websocket clients grouped in rooms.
// Delivery is best effort: a client whose buffer is full misses the frame.
package hub

import (
	"sync"

	"github.com/google/uuid"
)

const defaultBuffer = 32

// Hub tracks room membership. The zero value is not usable; call New.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Client]struct{}
	buffer int
}

// Client is one connection. Frames for it are read from Frames.
type Client struct {
	ID     string
	UserID string

	send   chan []byte
	rooms  map[string]struct{}
	closed bool
}

func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{rooms: make(map[string]map[*Client]struct{}), buffer: buffer}
}

// Register creates a client for userID.
func (h *Hub) Register(userID string) *Client {
	return &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		send:   make(chan []byte, h.buffer),
		rooms:  make(map[string]struct{}),
	}
}

// Frames is closed once the client leaves the hub.
func (c *Client) Frames() <-chan []byte { return c.send }

// Join adds c to room. Joining twice is a no-op.
func (h *Hub) Join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	members := h.rooms[room]
	if members == nil {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

// Joined reports whether c is a member of room.
func (h *Hub) Joined(c *Client, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

// Leave removes c from every room and closes its frame channel.
func (h *Hub) Leave(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	for room := range c.rooms {
		members := h.rooms[room]
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	c.rooms = nil
	c.closed = true
	close(c.send)
}

// Broadcast queues frame for every member of room except from, which may be
// nil. It never blocks.
func (h *Hub) Broadcast(from *Client, room string, frame []byte) (delivered, dropped int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[room] {
		if c == from {
			continue
		}
		select {
		case c.send <- frame:
			delivered++
		default:
			dropped++
		}
	}
	return delivered, dropped
}

// RoomSize returns the number of connected members of room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
