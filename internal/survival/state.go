package survival

import (
	"fmt"
	"strings"
)

// State 生存状态，数值越大越健康
type State int

const (
	StateDead State = iota
	StateCritical
	StateWounded
	StateHealthy
	StateThriving
)

var stateNames = map[State]string{
	StateDead:     "DEAD",
	StateCritical: "CRITICAL",
	StateWounded:  "WOUNDED",
	StateHealthy:  "HEALTHY",
	StateThriving: "THRIVING",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// MarshalText 以名称序列化
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText 按名称解析
func (s *State) UnmarshalText(b []byte) error {
	name := strings.ToUpper(strings.TrimSpace(string(b)))
	for st, n := range stateNames {
		if n == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown survival state %q", string(b))
}

// Emoji 日报 / 告警用
func (s State) Emoji() string {
	switch s {
	case StateThriving:
		return "🚀"
	case StateHealthy:
		return "✅"
	case StateWounded:
		return "⚠️"
	case StateCritical:
		return "🚨"
	default:
		return "☠️"
	}
}

// Breakpoints 资金占初始资金的百分比分界
type Breakpoints struct {
	Thriving float64 `yaml:"thriving" json:"thriving"` // > 该值为 THRIVING
	Healthy  float64 `yaml:"healthy" json:"healthy"`   // >= 该值为 HEALTHY
	Wounded  float64 `yaml:"wounded" json:"wounded"`   // >= 该值为 WOUNDED
	Critical float64 `yaml:"critical" json:"critical"` // >= 该值为 CRITICAL，否则 DEAD
}

// DefaultBreakpoints 120 / 80 / 50 / 20
func DefaultBreakpoints() Breakpoints {
	return Breakpoints{Thriving: 120, Healthy: 80, Wounded: 50, Critical: 20}
}

// StateFor 由资金百分比推导状态（纯函数）
func StateFor(capitalPct float64, bp Breakpoints) State {
	switch {
	case capitalPct > bp.Thriving:
		return StateThriving
	case capitalPct >= bp.Healthy:
		return StateHealthy
	case capitalPct >= bp.Wounded:
		return StateWounded
	case capitalPct >= bp.Critical:
		return StateCritical
	default:
		return StateDead
	}
}

// Policy 每个状态对应的仓位系数与基础最小 edge
type Policy struct {
	Modifiers map[State]float64
	MinEdges  map[State]float64
}

// DefaultPolicy 1.2/1.0/0.5/0.25/0 与 1.5/2/5/10/999
func DefaultPolicy() Policy {
	return Policy{
		Modifiers: map[State]float64{
			StateThriving: 1.2,
			StateHealthy:  1.0,
			StateWounded:  0.5,
			StateCritical: 0.25,
			StateDead:     0,
		},
		MinEdges: map[State]float64{
			StateThriving: 1.5,
			StateHealthy:  2.0,
			StateWounded:  5.0,
			StateCritical: 10.0,
			StateDead:     999,
		},
	}
}

// Modifier 状态的仓位系数（未配置时按默认）
func (p Policy) Modifier(s State) float64 {
	if v, ok := p.Modifiers[s]; ok {
		return v
	}
	return DefaultPolicy().Modifiers[s]
}

// BaseMinEdge 状态的基础最小 edge
func (p Policy) BaseMinEdge(s State) float64 {
	if v, ok := p.MinEdges[s]; ok {
		return v
	}
	return DefaultPolicy().MinEdges[s]
}

// HungryMinEdge 落后目标时下调最小 edge（仅 HEALTHY / THRIVING），不低于 floor。
// 只影响 edge 门槛，不影响仓位系数。
func HungryMinEdge(base float64, s State, behindPct, floor float64) float64 {
	if s != StateHealthy && s != StateThriving {
		return base
	}
	var adjusted float64
	switch {
	case behindPct > 50:
		adjusted = base * 0.8
	case behindPct > 20:
		adjusted = base * 0.9
	default:
		return base
	}
	if adjusted < floor {
		adjusted = floor
	}
	if adjusted > base {
		return base
	}
	return adjusted
}
