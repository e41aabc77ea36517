package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// Message 返回单调递增的 ULID；同一毫秒内生成的 id 仍严格递增，可直接用作分页游标。
func Message() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Room 返回新的会议房间 id。
func Room() string { return uuid.NewString() }

// ParseMessage 校验消息 id 并返回规范（大写）形式；存储的 id 均为大写，比较前必须规范化。
func ParseMessage(s string) (string, bool) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return "", false
	}
	return id.String(), true
}
