package ws

import (
	"context"
	"sync"
	"sync/atomic"

	"demeet/internal/metrics"
	"demeet/internal/poll"
	"demeet/internal/service"

	"github.com/rs/zerolog/log"
)

// ChatStore 是 Hub 依赖的聊天持久化接口，由 service.ChatService 实现。
type ChatStore interface {
	Save(ctx context.Context, roomID, senderID, senderName, body string) (*service.ChatMessageDTO, error)
	History(ctx context.Context, roomID, cursor string, limit int) (*service.HistoryPage, error)
}

// Hub 管理房间级别的子 Hub，实现延迟创建与并发安全；同时持有投票登记表。
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*RoomHub
	chat  ChatStore
	polls *poll.Registry
}

func NewHub(chat ChatStore, polls *poll.Registry) *Hub {
	if polls == nil {
		polls = poll.NewRegistry()
	}
	return &Hub{rooms: make(map[string]*RoomHub), chat: chat, polls: polls}
}

// GetRoom 若房间未初始化则懒加载一个 RoomHub。
func (h *Hub) GetRoom(roomID string) *RoomHub {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room != nil {
		return room
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room = h.rooms[roomID]
	if room != nil {
		return room
	}
	room = NewRoomHub(roomID)
	// 最后一个成员离开时丢弃该房间的投票
	room.onEmpty = h.polls.Clear
	h.rooms[roomID] = room
	go room.run()
	return room
}

func (h *Hub) Online(roomID string) int {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room == nil {
		return 0
	}
	return room.Online()
}

type outbound struct {
	data   []byte
	except *Client
}

type RoomHub struct {
	roomID     string
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound
	online     int32
	onEmpty    func(roomID string)
}

func NewRoomHub(roomID string) *RoomHub {
	return &RoomHub{
		roomID:     roomID,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, 256),
	}
}

func (rh *RoomHub) remove(c *Client) {
	if _, ok := rh.clients[c]; !ok {
		return
	}
	delete(rh.clients, c)
	atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
	if len(rh.clients) == 0 {
		metrics.WsRooms.Dec()
		if rh.onEmpty != nil {
			rh.onEmpty(rh.roomID)
		}
	}
}

func (rh *RoomHub) run() {
	for {
		select {
		case c := <-rh.register:
			if rh.clients[c] {
				continue
			}
			rh.clients[c] = true
			atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
			if len(rh.clients) == 1 {
				metrics.WsRooms.Inc()
			}
		case c := <-rh.unregister:
			rh.remove(c)
		case msg := <-rh.broadcast:
			for c := range rh.clients {
				if c == msg.except {
					continue
				}
				if !c.enqueue(msg.data) {
					// 慢消费者直接断开
					log.Warn().Str("room_id", rh.roomID).Uint("user_id", c.userID).Msg("ws send buffer full, dropping client")
					rh.remove(c)
					c.kick()
				}
			}
		}
	}
}

// Online 返回房间在线客户端数量，供 REST 接口复用。
func (rh *RoomHub) Online() int { return int(atomic.LoadInt32(&rh.online)) }

// Broadcast 向房间内除 except 外的所有成员投递消息；except 为 nil 时包含全部成员。
func (rh *RoomHub) Broadcast(data []byte, except *Client) {
	rh.broadcast <- outbound{data: data, except: except}
}
