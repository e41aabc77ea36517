package poll

import (
	"strings"
	"sync"
)

type Option struct {
	Text  string `json:"text"`
	Votes int    `json:"votes"`
}

// Poll 是房间内的临时投票，只保存在进程内存中。
type Poll struct {
	Question   string   `json:"question"`
	Options    []Option `json:"options"`
	TotalVotes int      `json:"totalVotes"`
	CreatedBy  string   `json:"createdBy"`
	Ended      bool     `json:"ended"`
}

func (p *Poll) clone() Poll {
	out := *p
	out.Options = append([]Option(nil), p.Options...)
	return out
}

// Registry 按房间保存当前投票，每个房间最多一个；并发安全。
type Registry struct {
	mu    sync.Mutex
	polls map[string]*Poll
}

func NewRegistry() *Registry { return &Registry{polls: make(map[string]*Poll)} }

// Create 新建投票并覆盖房间内已有的投票。问题为空或有效选项少于两个时返回 false。
func (r *Registry) Create(roomID, question string, options []string, createdBy string) (Poll, bool) {
	question = strings.TrimSpace(question)
	opts := make([]Option, 0, len(options))
	for _, o := range options {
		if o = strings.TrimSpace(o); o != "" {
			opts = append(opts, Option{Text: o})
		}
	}
	if roomID == "" || question == "" || len(opts) < 2 {
		return Poll{}, false
	}
	p := &Poll{Question: question, Options: opts, CreatedBy: createdBy}
	r.mu.Lock()
	r.polls[roomID] = p
	out := p.clone()
	r.mu.Unlock()
	return out, true
}

// Vote 为指定选项加一票；投票已结束或下标越界时不做任何修改。
func (r *Registry) Vote(roomID string, index int) (Poll, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.polls[roomID]
	if p == nil || p.Ended || index < 0 || index >= len(p.Options) {
		return Poll{}, false
	}
	p.Options[index].Votes++
	p.TotalVotes++
	return p.clone(), true
}

// End 只有创建者可以结束投票。
func (r *Registry) End(roomID, userID string) (Poll, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.polls[roomID]
	if p == nil || p.Ended || p.CreatedBy != userID {
		return Poll{}, false
	}
	p.Ended = true
	return p.clone(), true
}

func (r *Registry) Get(roomID string) (Poll, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.polls[roomID]
	if p == nil {
		return Poll{}, false
	}
	return p.clone(), true
}

func (r *Registry) Clear(roomID string) {
	r.mu.Lock()
	delete(r.polls, roomID)
	r.mu.Unlock()
}
