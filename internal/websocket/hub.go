package websocket

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/jobs/worker"
)

// Hub maintains connected operators and fans job events out to them
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Clients by subscribed queue
	roomClients map[string]map[*Client]bool

	broadcast  chan *Message
	register   chan *Client
	unregister chan *Client
	joinRoom   chan *RoomOperation
	leaveRoom  chan *RoomOperation

	done     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}

	mutex   sync.RWMutex
	logger  *zap.Logger
	metrics *HubMetrics
}

// HubMetrics holds hub counters
type HubMetrics struct {
	TotalConnections  int64
	ActiveConnections int64
	TotalMessages     int64
	TotalBroadcasts   int64
	DroppedMessages   int64
	TotalRooms        int
	mutex             sync.RWMutex
}

// RoomOperation represents a queue subscribe or unsubscribe
type RoomOperation struct {
	Client *Client
	Room   string
}

// NewHub creates a new hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		roomClients: make(map[string]map[*Client]bool),
		broadcast:   make(chan *Message, 256),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		joinRoom:    make(chan *RoomOperation),
		leaveRoom:   make(chan *RoomOperation),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		logger:      logger.With(zap.String("component", "event_hub")),
		metrics:     &HubMetrics{},
	}
}

// Run serves hub operations until Stop is called
func (h *Hub) Run() {
	defer close(h.stopped)
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case op := <-h.joinRoom:
			h.handleJoinRoom(op)

		case op := <-h.leaveRoom:
			h.handleLeaveRoom(op)

		case message := <-h.broadcast:
			h.handleBroadcast(message)

		case <-h.done:
			h.closeAll()
			return
		}
	}
}

// Stop disconnects every client and ends Run. It is safe to call more than
// once and before Run.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Stopped is closed once Run has returned
func (h *Hub) Stopped() <-chan struct{} {
	return h.stopped
}

func (h *Hub) registerClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.clients[client] = true

	h.metrics.mutex.Lock()
	h.metrics.TotalConnections++
	h.metrics.ActiveConnections++
	h.metrics.mutex.Unlock()

	h.logger.Debug("Client registered",
		zap.String("client_id", client.ID),
		zap.String("operator", client.Operator),
	)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	client.close()

	for room := range client.rooms {
		h.removeFromRoom(client, room)
	}

	h.metrics.mutex.Lock()
	h.metrics.ActiveConnections--
	h.metrics.TotalRooms = len(h.roomClients)
	h.metrics.mutex.Unlock()

	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for client := range h.clients {
		client.close()
	}
	h.clients = make(map[*Client]bool)
	h.roomClients = make(map[string]map[*Client]bool)

	h.metrics.mutex.Lock()
	h.metrics.ActiveConnections = 0
	h.metrics.TotalRooms = 0
	h.metrics.mutex.Unlock()
}

func (h *Hub) handleJoinRoom(op *RoomOperation) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := h.clients[op.Client]; !ok {
		return
	}
	if _, ok := h.roomClients[op.Room]; !ok {
		h.roomClients[op.Room] = make(map[*Client]bool)
	}
	h.roomClients[op.Room][op.Client] = true
	op.Client.rooms[op.Room] = true

	h.metrics.mutex.Lock()
	h.metrics.TotalRooms = len(h.roomClients)
	h.metrics.mutex.Unlock()

	op.Client.Send(newAck("subscribed", op.Room))
}

func (h *Hub) handleLeaveRoom(op *RoomOperation) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.removeFromRoom(op.Client, op.Room)
	delete(op.Client.rooms, op.Room)

	h.metrics.mutex.Lock()
	h.metrics.TotalRooms = len(h.roomClients)
	h.metrics.mutex.Unlock()

	op.Client.Send(newAck("unsubscribed", op.Room))
}

// removeFromRoom expects the hub mutex to be held
func (h *Hub) removeFromRoom(client *Client, room string) {
	if clients, ok := h.roomClients[room]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.roomClients, room)
		}
	}
}

// handleBroadcast delivers message to the clients subscribed to its queue
// and to the clients without any subscription. Messages without a queue go
// to everyone.
func (h *Hub) handleBroadcast(message *Message) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	h.metrics.mutex.Lock()
	h.metrics.TotalBroadcasts++
	h.metrics.mutex.Unlock()

	for client := range h.clients {
		if message.Queue != "" && len(client.rooms) > 0 && !client.rooms[message.Queue] {
			continue
		}
		if client.Send(message) {
			h.metrics.mutex.Lock()
			h.metrics.TotalMessages++
			h.metrics.mutex.Unlock()
		}
	}
}

// Broadcast queues message for delivery. It never blocks: when the hub is
// stopped or backed up the message is dropped.
func (h *Hub) Broadcast(message *Message) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.broadcast <- message:
		return true
	default:
		h.metrics.mutex.Lock()
		h.metrics.DroppedMessages++
		h.metrics.mutex.Unlock()
		h.logger.Warn("Event stream backed up, message dropped", zap.String("queue", message.Queue))
		return false
	}
}

// Publish is a worker.Listener streaming pool events to operators
func (h *Hub) Publish(ev worker.Event) {
	h.Broadcast(NewEventMessage(ev))
}

// Attach streams the lifecycle events of pool. Progress events are
// streamed only when progress is set.
func (h *Hub) Attach(pool *worker.Pool, progress bool) {
	pool.On(worker.EventCompleted, h.Publish)
	pool.On(worker.EventFailed, h.Publish)
	pool.On(worker.EventStalled, h.Publish)
	if progress {
		pool.On(worker.EventProgress, h.Publish)
	}
}

// Register adds client to the hub
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// JoinRoom subscribes client to the events of a queue
func (h *Hub) JoinRoom(client *Client, room string) {
	select {
	case h.joinRoom <- &RoomOperation{Client: client, Room: room}:
	case <-h.done:
	}
}

// LeaveRoom unsubscribes client from a queue
func (h *Hub) LeaveRoom(client *Client, room string) {
	select {
	case h.leaveRoom <- &RoomOperation{Client: client, Room: room}:
	case <-h.done:
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// GetRoomClientCount returns the number of clients subscribed to a queue
func (h *Hub) GetRoomClientCount(room string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.roomClients[room])
}

// GetMetrics returns a snapshot of the hub counters
func (h *Hub) GetMetrics() HubMetrics {
	h.metrics.mutex.RLock()
	defer h.metrics.mutex.RUnlock()
	return HubMetrics{
		TotalConnections:  h.metrics.TotalConnections,
		ActiveConnections: h.metrics.ActiveConnections,
		TotalMessages:     h.metrics.TotalMessages,
		TotalBroadcasts:   h.metrics.TotalBroadcasts,
		DroppedMessages:   h.metrics.DroppedMessages,
		TotalRooms:        h.metrics.TotalRooms,
	}
}

// SendHeartbeat pings every client
func (h *Hub) SendHeartbeat() {
	h.Broadcast(&Message{Type: MessageTypePing, Timestamp: time.Now().UTC()})
}
