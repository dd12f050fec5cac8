// Package ws streams lifecycle events to connected clients. The hub fans
// task progress, state transitions, and status changes out to per-app
// subscribers.
package ws

// AllApps subscribes a client to events for every app. Dashboard views use it
// instead of one subscription per listed app.
const AllApps int64 = 0

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by app id. All subscription state is
// owned by the run goroutine; the exported methods only pass messages to it.
type Hub struct {
	clients   map[int64]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with the app it concerns.
type message struct {
	appID   int64
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	appID  int64
	client Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[int64]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.appID]; !ok {
				h.clients[sub.appID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.appID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.appID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.appID)
				}
			}
		case msg := <-h.broadcast:
			h.deliver(msg.appID, msg.payload)
			if msg.appID != AllApps {
				h.deliver(AllApps, msg.payload)
			}
		}
	}
}

func (h *Hub) deliver(appID int64, payload []byte) {
	clients, ok := h.clients[appID]
	if !ok {
		return
	}
	for c := range clients {
		if err := c.Send(payload); err != nil {
			c.Close()
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(h.clients, appID)
	}
}

// Register adds a client to an app stream. Use AllApps to receive every event.
func (h *Hub) Register(appID int64, client Subscriber) {
	h.register <- subscription{appID: appID, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(appID int64, client Subscriber) {
	h.unreg <- subscription{appID: appID, client: client}
}

// Broadcast sends payload to the app's subscribers and to AllApps listeners.
func (h *Hub) Broadcast(appID int64, payload []byte) {
	h.broadcast <- message{appID: appID, payload: payload}
}
