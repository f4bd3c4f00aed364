package notify

import (
	"context"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/pkg/errors"
)

// Telegram 通过 Bot API 推送 HTML 消息
type Telegram struct {
	chatID  int64
	timeout time.Duration
	send    func(ctx context.Context, chatID int64, text string) error
}

// NewTelegram 创建 Telegram 出口
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := telego.NewBot(token, telego.WithDiscardLogger())
	if err != nil {
		return nil, errors.Wrap(err, "创建 telegram bot")
	}
	send := func(ctx context.Context, chatID int64, text string) error {
		params := tu.Message(tu.ID(chatID), text).WithParseMode(telego.ModeHTML)
		_, err := bot.SendMessage(ctx, params)
		return err
	}
	log.Infof("✅ [Telegram] 已连接，chat_id=%d", chatID)
	return &Telegram{chatID: chatID, timeout: 10 * time.Second, send: send}, nil
}

func (t *Telegram) Notify(message, category string, urgent bool) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := t.send(ctx, t.chatID, message); err != nil {
		log.Errorf("❌ [Telegram] 发送失败 category=%s urgent=%v: %v", category, urgent, err)
		return
	}
	log.Debugf("[Telegram] 已发送 category=%s", category)
}
