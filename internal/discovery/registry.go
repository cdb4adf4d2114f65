package discovery

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"connectorhub/internal/hubapi"
)

// HubSession 某个集线器的会话信息
type HubSession struct {
	HubIP        string    `json:"hubIp"`
	HubMac       string    `json:"hubMac"`
	SessionToken string    `json:"-"`
	AccessToken  string    `json:"-"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Registry 以集线器 MAC 为键的会话表，只由 Scanner 写入
type Registry struct {
	connectorKey string

	mu       sync.RWMutex
	sessions map[string]*HubSession
}

// NewRegistry 创建会话表
func NewRegistry(connectorKey string) *Registry {
	return &Registry{connectorKey: connectorKey, sessions: make(map[string]*HubSession)}
}

// Update 记录集线器的地址与 token，token 变化时重新计算 accessToken
func (r *Registry) Update(hubMac, hubIP, token string) (HubSession, error) {
	hubMac = strings.ToLower(hubMac)
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[hubMac]
	if !ok {
		s = &HubSession{HubMac: hubMac}
		r.sessions[hubMac] = s
	}
	s.HubIP = hubIP
	s.UpdatedAt = time.Now()
	if token == "" || (token == s.SessionToken && s.AccessToken != "") {
		return *s, nil
	}
	s.SessionToken = token
	accessToken, err := hubapi.ComputeAccessToken(r.connectorKey, token)
	if err != nil {
		s.AccessToken = ""
		return *s, fmt.Errorf("集线器 %s 的 accessToken 计算失败: %w", hubMac, err)
	}
	s.AccessToken = accessToken
	return *s, nil
}

// Session 查询集线器会话
func (r *Registry) Session(hubMac string) (HubSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[strings.ToLower(hubMac)]
	if !ok {
		return HubSession{}, false
	}
	return *s, true
}

// HubIP 集线器的最新地址
func (r *Registry) HubIP(hubMac string) (string, bool) {
	s, ok := r.Session(hubMac)
	if !ok || s.HubIP == "" {
		return "", false
	}
	return s.HubIP, true
}

// AccessToken 写命令使用的 accessToken
func (r *Registry) AccessToken(hubMac string) (string, error) {
	s, ok := r.Session(hubMac)
	if !ok {
		return "", fmt.Errorf("未发现集线器 %s", hubMac)
	}
	if s.AccessToken == "" {
		return "", fmt.Errorf("集线器 %s 没有可用的 accessToken", hubMac)
	}
	return s.AccessToken, nil
}

// Sessions 按 MAC 排序的全部会话
func (r *Registry) Sessions() []HubSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HubSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HubMac < out[j].HubMac })
	return out
}
