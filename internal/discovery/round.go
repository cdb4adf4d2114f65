package discovery

import (
	"sort"
	"strings"
	"sync"
	"time"

	"connectorhub/internal/hubapi"
	"github.com/google/uuid"
)

// RoundState 一轮发现所处的阶段
type RoundState int

const (
	Idle RoundState = iota
	Probing
	Collecting
	Complete
)

func (s RoundState) String() string {
	switch s {
	case Probing:
		return "probing"
	case Collecting:
		return "collecting"
	case Complete:
		return "complete"
	}
	return "idle"
}

// Round 针对一个地址的一轮发现：Idle → Probing → Collecting → Complete
type Round struct {
	ID      string
	Address string

	mu          sync.Mutex
	state       RoundState
	startedAt   time.Time
	listReplies int
	restarts    int
	hubs        map[string]string // hubMac -> hubIP
	reading     map[string]bool   // 读取中的设备 mac
	read        map[string]bool   // 已读取成功的设备 mac
	registered  map[string]bool   // 已注册的 Identity.Key
}

// NewRound 创建一轮发现，处于 Idle
func NewRound(address string) *Round {
	return &Round{
		ID:         uuid.NewString(),
		Address:    address,
		hubs:       make(map[string]string),
		reading:    make(map[string]bool),
		read:       make(map[string]bool),
		registered: make(map[string]bool),
	}
}

// Begin Idle → Probing，开始计时
func (r *Round) Begin(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Probing
	r.startedAt = now
}

// State 当前阶段
func (r *Round) State() RoundState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// OnDeviceList 处理一条设备列表回复，返回需要读取的设备：
// 本轮尚未读取成功且没有读取在途的。集线器自身以及 Wi-Fi Bridge 条目会被跳过。
// 返回的每个设备都必须以 ReadFinished 结束。
func (r *Round) OnDeviceList(hubMac, hubIP string, list []hubapi.DeviceInfo) []hubapi.DeviceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Complete {
		return nil
	}
	r.state = Collecting
	r.listReplies++
	r.hubs[strings.ToLower(hubMac)] = hubIP

	var fresh []hubapi.DeviceInfo
	for _, info := range list {
		mac := strings.ToLower(info.Mac)
		if info.DeviceType == hubapi.WiFiBridge || mac == strings.ToLower(hubMac) {
			continue
		}
		if r.reading[mac] || r.read[mac] {
			continue
		}
		r.reading[mac] = true
		fresh = append(fresh, info)
	}
	return fresh
}

// ReadFinished 结束一次设备读取。失败的设备在后续设备列表回复中会被再次读取。
func (r *Round) ReadFinished(mac string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mac = strings.ToLower(mac)
	delete(r.reading, mac)
	if ok {
		r.read[mac] = true
	}
}

// MarkRegistered 记录已注册的设备，同一轮内重复注册时返回 false
func (r *Round) MarkRegistered(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered[key] {
		return false
	}
	r.registered[key] = true
	return true
}

// Expire 到达 duration 时：从未收到设备列表则重新计时继续探测，返回 false；
// 否则进入 Complete 并返回 true。
func (r *Round) Expire(now time.Time, duration time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Complete {
		return true
	}
	if now.Sub(r.startedAt) < duration {
		return false
	}
	if r.listReplies == 0 {
		r.startedAt = now
		r.restarts++
		return false
	}
	r.state = Complete
	return true
}

// Restarts 因无回复而重新计时的次数
func (r *Round) Restarts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restarts
}

// Hubs 本轮回复过的集线器 mac -> ip
func (r *Round) Hubs() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.hubs))
	for k, v := range r.hubs {
		out[k] = v
	}
	return out
}

// Registered 本轮注册过的设备键，已排序
func (r *Round) Registered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.registered))
	for k := range r.registered {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Confirmed 设备是否在本轮中被确认
func (r *Round) Confirmed(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered[key]
}
