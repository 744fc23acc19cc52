package connection

import (
	"fmt"
	"maps"
	"time"
)

// State 连接状态
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateHealthy
	StateDegraded
	StateFailed
)

// AllStates 全部连接状态，按声明顺序
var AllStates = []State{
	StateDisconnected,
	StateConnecting,
	StateConnected,
	StateHealthy,
	StateDegraded,
	StateFailed,
}

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText 让 State 以字符串形式出现在 JSON 中
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText 解析 MarshalText 的输出，缓存中的报告依赖它还原
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range AllStates {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", text)
}

// Usable 报告该状态下是否有可用连接（健康监控只在这些状态下探测）
func (s State) Usable() bool {
	return s == StateConnected || s == StateHealthy
}

func stateNames() []string {
	names := make([]string, len(AllStates))
	for i, s := range AllStates {
		names[i] = s.String()
	}
	return names
}

// Health 管理器级别的连接健康记录
//
// 每个 Manager 只有一份，由管理器和健康监控写入；调用方通过 Manager.Health
// 得到的是副本。
type Health struct {
	State                    State          `json:"state"`
	LastSuccessfulConnection *time.Time     `json:"last_successful_connection,omitempty"`
	ConsecutiveFailures      int            `json:"consecutive_failures"`
	LastError                string         `json:"last_error,omitempty"`
	Metrics                  map[string]any `json:"metrics"`
}

func newHealth() Health {
	return Health{
		State:   StateDisconnected,
		Metrics: make(map[string]any),
	}
}

func (h Health) clone() Health {
	c := h
	if h.LastSuccessfulConnection != nil {
		t := *h.LastSuccessfulConnection
		c.LastSuccessfulConnection = &t
	}
	c.Metrics = maps.Clone(h.Metrics)
	if c.Metrics == nil {
		c.Metrics = make(map[string]any)
	}
	return c
}
