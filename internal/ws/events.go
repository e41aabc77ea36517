package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"demeet/internal/metrics"
	"demeet/internal/poll"
	"demeet/internal/service"

	"github.com/rs/zerolog/log"
)

// 客户端 -> 服务端
const (
	EventJoinRoom    = "join-room"
	EventToggleAudio = "user-toggle-audio"
	EventToggleVideo = "user-toggle-video"
	EventUserLeave   = "user-leave"
	EventCreatePoll  = "create-poll"
	EventSubmitVote  = "submit-vote"
	EventEndPoll     = "end-poll"
	EventSendMessage = "send-message"
)

// 服务端 -> 客户端
const (
	EventUserConnected  = "user-connected"
	EventPollCreated    = "poll-created"
	EventPollUpdated    = "poll-updated"
	EventChatHistory    = "chat-history"
	EventReceiveMessage = "receive-message"
)

const storeTimeout = 5 * time.Second

// Envelope 是所有 websocket 文本帧的外层结构。
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// flexID 同时接受 JSON 字符串与数字形式的 id。
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type roomPayload struct {
	RoomID string `json:"roomId"`
	UserID flexID `json:"userId"`
}

type createPollPayload struct {
	RoomID   string   `json:"roomId"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

type votePayload struct {
	RoomID      string `json:"roomId"`
	OptionIndex *int   `json:"optionIndex"`
}

type sendMessagePayload struct {
	RoomID     string `json:"roomId"`
	SenderName string `json:"senderName"`
	Message    string `json:"message"`
}

type presence struct {
	UserID string `json:"userId"`
}

type pollView struct {
	RoomID string `json:"roomId"`
	poll.Poll
}

func (c *Client) userKey() string {
	if c.wallet != "" {
		return c.wallet
	}
	return strconv.FormatUint(uint64(c.userID), 10)
}

// presenceID 优先使用客户端上报的 userId（音视频 SDK 的 peer id），缺省为登录用户 id。
func (c *Client) presenceID(p roomPayload) string {
	if id := strings.TrimSpace(string(p.UserID)); id != "" {
		return id
	}
	return c.userKey()
}

// inRoom 判断事件的 roomId 是否与连接当前所在房间一致。
func (c *Client) inRoom(roomID string) bool {
	return c.room != nil && roomID != "" && c.room.roomID == roomID
}

func (c *Client) sendEvent(event string, data any) {
	b, err := encode(event, data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("ws encode")
		return
	}
	if !c.enqueue(b) {
		log.Debug().Str("event", event).Uint("user_id", c.userID).Msg("ws send buffer full")
	}
}

func (c *Client) broadcast(event string, data any, except *Client) {
	b, err := encode(event, data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("ws encode")
		return
	}
	c.room.Broadcast(b, except)
}

// dispatch 处理一帧客户端消息；无法解析或不满足条件的事件静默丢弃。
func (c *Client) dispatch(ctx context.Context, frame []byte) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Event == "" {
		log.Debug().Err(err).Uint("user_id", c.userID).Msg("ws drop malformed frame")
		return
	}
	var err error
	switch env.Event {
	case EventJoinRoom:
		var p roomPayload
		if err = json.Unmarshal(env.Data, &p); err == nil {
			c.join(ctx, p)
		}
	case EventToggleAudio, EventToggleVideo:
		var p roomPayload
		if err = json.Unmarshal(env.Data, &p); err == nil && c.inRoom(p.RoomID) {
			c.broadcast(env.Event, presence{UserID: c.presenceID(p)}, c)
		}
	case EventUserLeave:
		var p roomPayload
		if err = json.Unmarshal(env.Data, &p); err == nil && c.inRoom(p.RoomID) {
			c.leave(c.presenceID(p))
		}
	case EventCreatePoll:
		var p createPollPayload
		if err = json.Unmarshal(env.Data, &p); err == nil && c.inRoom(p.RoomID) {
			snap, ok := c.hub.polls.Create(p.RoomID, p.Question, p.Options, c.userKey())
			metrics.PollEvent(env.Event, ok)
			if ok {
				c.broadcast(EventPollCreated, pollView{RoomID: p.RoomID, Poll: snap}, nil)
			}
		}
	case EventSubmitVote:
		var p votePayload
		if err = json.Unmarshal(env.Data, &p); err == nil && c.inRoom(p.RoomID) && p.OptionIndex != nil {
			snap, ok := c.hub.polls.Vote(p.RoomID, *p.OptionIndex)
			metrics.PollEvent(env.Event, ok)
			if ok {
				c.broadcast(EventPollUpdated, pollView{RoomID: p.RoomID, Poll: snap}, nil)
			}
		}
	case EventEndPoll:
		var p roomPayload
		if err = json.Unmarshal(env.Data, &p); err == nil && c.inRoom(p.RoomID) {
			snap, ok := c.hub.polls.End(p.RoomID, c.userKey())
			metrics.PollEvent(env.Event, ok)
			if ok {
				c.broadcast(EventPollUpdated, pollView{RoomID: p.RoomID, Poll: snap}, nil)
			}
		}
	case EventSendMessage:
		var p sendMessagePayload
		if err = json.Unmarshal(env.Data, &p); err == nil && c.inRoom(p.RoomID) {
			c.sendMessage(ctx, p)
		}
	default:
		log.Debug().Str("event", env.Event).Msg("ws unknown event")
	}
	if err != nil {
		log.Debug().Err(err).Str("event", env.Event).Msg("ws drop invalid payload")
	}
}

func (c *Client) join(ctx context.Context, p roomPayload) {
	if p.RoomID == "" || c.inRoom(p.RoomID) {
		return
	}
	if c.scope != "" && c.scope != p.RoomID {
		log.Debug().Str("room_id", p.RoomID).Str("wallet", c.wallet).Msg("ws room token scope mismatch")
		return
	}
	if c.room != nil {
		c.leave(c.presenceID(p))
	}
	rh := c.hub.GetRoom(p.RoomID)
	rh.register <- c
	c.room = rh
	log.Info().Str("room_id", p.RoomID).Uint("user_id", c.userID).Msg("ws join room")
	c.broadcast(EventUserConnected, presence{UserID: c.presenceID(p)}, c)

	if c.hub.chat != nil {
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		page, err := c.hub.chat.History(sctx, p.RoomID, "", service.DefaultHistoryLimit)
		cancel()
		if err != nil {
			log.Error().Err(err).Str("room_id", p.RoomID).Msg("ws load chat history")
		} else {
			c.sendEvent(EventChatHistory, page)
		}
	}
	if snap, ok := c.hub.polls.Get(p.RoomID); ok {
		c.sendEvent(EventPollUpdated, pollView{RoomID: p.RoomID, Poll: snap})
	}
}

// leave 退出当前房间并通知其余成员；未加入房间时无操作。
func (c *Client) leave(presenceID string) {
	if c.room == nil {
		return
	}
	rh := c.room
	c.broadcast(EventUserLeave, presence{UserID: presenceID}, c)
	rh.unregister <- c
	c.room = nil
	log.Info().Str("room_id", rh.roomID).Uint("user_id", c.userID).Msg("ws leave room")
}

func (c *Client) sendMessage(ctx context.Context, p sendMessagePayload) {
	if c.hub.chat == nil {
		return
	}
	name := c.uname
	if name == "" {
		name = p.SenderName
	}
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	msg, err := c.hub.chat.Save(sctx, p.RoomID, c.userKey(), name, p.Message)
	if err != nil {
		log.Debug().Err(err).Str("room_id", p.RoomID).Msg("ws drop chat message")
		return
	}
	metrics.ChatMessagesTotal.Inc()
	c.broadcast(EventReceiveMessage, msg, nil)
}
