package dashboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"

	"github.com/betbot/survivor/internal/survival"
)

var log = logrus.WithField("module", "dashboard")

const refreshInterval = time.Second

var (
	accent       = lipgloss.Color("39")
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(accent)
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(accent).Padding(0, 1)
	goodStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	badStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	panelBorders = lipgloss.RoundedBorder()
)

type tickMsg time.Time

type model struct {
	provider Provider
	snap     Snapshot
	width    int
	now      func() time.Time
}

func newModel(p Provider) model {
	return model{provider: p, snap: p(), now: time.Now}
}

func (m model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		m.snap = m.provider()
		return m, tick()
	}
	return m, nil
}

func (m model) View() string {
	width := m.width - 4
	if width < 80 {
		width = 80
	}
	half := width/2 - 1

	left := panel(half, m.renderSurvival(half), m.renderTargets(half))
	right := panel(half, m.renderExecution(half), m.renderPositions(half))
	body := lipgloss.JoinHorizontal(lipgloss.Top, left, "  ", right)
	footer := mutedStyle.Render(" q 退出 · 每秒刷新 · 更新于 " + m.snap.UpdatedAt.Format("15:04:05"))
	return lipgloss.JoinVertical(lipgloss.Left, m.renderHeader(), body, m.renderRecent(width), footer)
}

func panel(width int, sections ...string) string {
	return lipgloss.NewStyle().
		Width(width).
		Border(panelBorders).
		BorderForeground(accent).
		Padding(0, 1).
		Render(strings.Join(sections, "\n\n"))
}

func section(title string, width int, lines ...string) string {
	rule := width - 4
	if rule < 1 {
		rule = 1
	}
	return strings.Join(append([]string{titleStyle.Render(title), strings.Repeat("─", rule)}, lines...), "\n")
}

func pnl(v float64) string {
	s := fmt.Sprintf("%+.2f", v)
	if v < 0 {
		return badStyle.Render(s)
	}
	return goodStyle.Render(s)
}

func stateStyle(s survival.State) lipgloss.Style {
	switch s {
	case survival.StateThriving, survival.StateHealthy:
		return goodStyle
	case survival.StateWounded:
		return warnStyle
	default:
		return badStyle
	}
}

func (m model) renderHeader() string {
	title := m.snap.Title
	if strings.TrimSpace(title) == "" {
		title = "Survivor"
	}
	st := m.snap.Survival.State
	line := fmt.Sprintf("%s | %s | %s %s | %s",
		title, strings.ToUpper(m.snap.Mode), st.Emoji(), stateStyle(st).Render(st.String()), m.now().Format("15:04:05"))
	if m.snap.Throttled {
		line += " | " + warnStyle.Render("⏳ 429 退避中")
	}
	return headerStyle.Render(line)
}

func (m model) renderSurvival(width int) string {
	s := m.snap.Survival
	runway := "-"
	if s.RunwayDays != nil {
		runway = fmt.Sprintf("%.1f 天", *s.RunwayDays)
	}
	return section("Survival", width,
		fmt.Sprintf("资金    %10.2f  (%5.1f%% of %.2f)", s.CurrentCapital, s.CapitalPct, s.InitialCapital),
		fmt.Sprintf("历史高点 %9.2f  回撤 %.1f%%", s.AllTimeHigh, s.DrawdownPct),
		fmt.Sprintf("仓位系数 %.2f  最小 edge %.2f%%", s.SizeModifier, s.MinEdge),
		fmt.Sprintf("余额    %10.2f  [%s]", m.snap.Balance.Value, m.snap.Balance.Source),
		fmt.Sprintf("消耗    %+.2f/天  跑道 %s  回血 %d 笔", s.DailyBurnRate, runway, s.RecoveryTrades),
	)
}

func (m model) renderTargets(width int) string {
	s := m.snap.Survival
	behind := goodStyle.Render("on track")
	if s.BehindTargetPct > 50 {
		behind = badStyle.Render(fmt.Sprintf("落后 %.0f%%", s.BehindTargetPct))
	} else if s.BehindTargetPct > 20 {
		behind = warnStyle.Render(fmt.Sprintf("落后 %.0f%%", s.BehindTargetPct))
	}
	milestones := "-"
	if len(s.Milestones) > 0 {
		milestones = strings.Join(s.Milestones, ", ")
	}
	return section("Targets", width,
		fmt.Sprintf("今日 %s / %.2f", pnl(s.DailyPnL), s.DailyTarget),
		fmt.Sprintf("本周 %s / %.2f", pnl(s.WeeklyPnL), s.WeeklyTarget),
		"进度 "+behind,
		fmt.Sprintf("模式 %d（过滤 %d）  交易 %d", s.TotalPatterns, s.FilteredPatterns, s.TotalTrades),
		"里程碑 "+truncate(milestones, width-10),
	)
}

func (m model) renderExecution(width int) string {
	e := m.snap.Execution
	r := m.snap.Resolution
	return section("Execution", width,
		fmt.Sprintf("评估 %d  执行 %d  持仓 %d", e.Evaluated, e.Executed, e.OpenPositions),
		fmt.Sprintf("胜 %d  负 %d  胜率 %.1f%%  已实现 %s", e.Wins, e.Losses, e.WinRate, pnl(e.RealizedPnL)),
		fmt.Sprintf("平均延迟 %.0fms  重试 %d  失败 %d", e.AvgLatencyMs, e.Submitter.TotalRetries, e.Submitter.FailedAfterRetries),
		fmt.Sprintf("待结算 %d  已结算 %d  结算错误 %d", r.Tracked, r.TotalResolved, r.ResolutionErrors),
	)
}

func (m model) renderPositions(width int) string {
	if len(m.snap.Positions) == 0 {
		return section("Positions", width, mutedStyle.Render("无持仓"))
	}
	now := m.now()
	lines := make([]string, 0, len(m.snap.Positions))
	for _, p := range m.snap.Positions {
		eta := "due"
		if d := p.ExpectedResolution.Sub(now); d > 0 {
			eta = formatDuration(d)
		}
		lines = append(lines, fmt.Sprintf("%-14s %-3s %7.2f @ %.3f  %s",
			truncate(p.MarketID, 14), p.Side, p.Size, p.EntryPrice, eta))
	}
	return section("Positions", width, lines...)
}

func (m model) renderRecent(width int) string {
	if len(m.snap.Recent) == 0 {
		return ""
	}
	lines := make([]string, 0, len(m.snap.Recent))
	for _, p := range m.snap.Recent {
		mark := goodStyle.Render("W")
		if !p.Won {
			mark = badStyle.Render("L")
		}
		lines = append(lines, fmt.Sprintf("%s %s %-20s %-3s %7.2f @ %.3f  %s",
			p.ClosedAt.Format("15:04:05"), mark, truncate(p.MarketID, 20), p.Side, p.Size, p.EntryPrice, pnl(p.Payoff)))
	}
	return panel(width, section("Recent settlements", width, lines...))
}

func truncate(s string, n int) string {
	if n <= 1 || len([]rune(s)) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d >= time.Minute {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%ds", int(d.Seconds()))
}

// Run 在当前终端运行面板，直到用户退出或 ctx 取消。用户主动退出时返回 nil 并调用 onQuit。
func Run(ctx context.Context, provider Provider, onQuit func()) error {
	if provider == nil {
		return errors.New("dashboard provider is required")
	}
	p := tea.NewProgram(newModel(provider), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		log.Errorf("❌ [Dashboard] 运行错误: %v", err)
		return err
	}
	if onQuit != nil {
		onQuit()
	}
	return nil
}
