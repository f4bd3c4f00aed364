// Package notify 推送人类可读的告警。投递失败只记录日志，不影响交易逻辑。
package notify

import (
	"regexp"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "notify")

// Sink 通知出口
type Sink interface {
	Notify(message, category string, urgent bool)
}

// LogSink 把通知写入日志（无 Telegram 配置时使用）
type LogSink struct{}

var htmlTag = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)

func (LogSink) Notify(message, category string, urgent bool) {
	entry := log.WithField("category", category)
	text := htmlTag.ReplaceAllString(message, "")
	if urgent {
		entry.Warnf("📣 %s", text)
		return
	}
	entry.Infof("📣 %s", text)
}

// Fanout 同时发给多个出口
type Fanout []Sink

func (f Fanout) Notify(message, category string, urgent bool) {
	for _, s := range f {
		if s != nil {
			s.Notify(message, category, urgent)
		}
	}
}

// Nop 丢弃所有通知
type Nop struct{}

func (Nop) Notify(string, string, bool) {}
