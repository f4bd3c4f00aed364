package domain

import "strings"

// Side 二元市场的一侧
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// ParseSide 解析方向，兼容 up/down 写法
func ParseSide(s string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "YES", "UP":
		return SideYes, true
	case "NO", "DOWN":
		return SideNo, true
	}
	return "", false
}

// Opposite 另一侧
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Market 二元市场
type Market struct {
	ID          string // 市场 ID（condition id 或 gamma id）
	Slug        string // 市场 slug
	Class       string // 市场类别，如 "btc-5m"，用于模式统计
	YesTokenID  string // YES token ID
	NoTokenID   string // NO token ID
	ConditionID string // 条件 ID
	NegRisk     bool
}

// IsValid 验证市场是否有效
func (m *Market) IsValid() bool {
	return m != nil && m.ID != "" && m.YesTokenID != "" && m.NoTokenID != ""
}

// TokenID 根据方向获取 token ID
func (m *Market) TokenID(side Side) string {
	if side == SideYes {
		return m.YesTokenID
	}
	return m.NoTokenID
}
