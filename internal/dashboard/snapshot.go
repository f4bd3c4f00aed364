// Package dashboard 终端状态面板（bubbletea），只读内存快照。
package dashboard

import (
	"time"

	"github.com/betbot/survivor/internal/balance"
	"github.com/betbot/survivor/internal/domain"
	"github.com/betbot/survivor/internal/execution"
	"github.com/betbot/survivor/internal/resolution"
	"github.com/betbot/survivor/internal/survival"
)

// Snapshot 面板一帧所需的全部数据
type Snapshot struct {
	Title      string
	Mode       string // paper | live
	Survival   survival.Metrics
	Positions  []domain.Position
	Recent     []domain.Position // 最近结算，新在前
	Execution  execution.Stats
	Resolution resolution.Stats
	Balance    balance.Snapshot
	Throttled  bool
	UpdatedAt  time.Time
}

// Provider 生成快照；必须只读内存状态
type Provider func() Snapshot
