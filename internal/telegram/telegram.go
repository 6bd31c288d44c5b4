package telegram

import (
	"net/http"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"
	tele "gopkg.in/telebot.v3"
	"gopkg.in/telebot.v3/middleware"
)

type Settings struct {
	Token  string
	ChatID string
	Client *http.Client
}

// Telegram 运营通知机器人
type Telegram struct {
	logger   *zap.Logger
	settings Settings
	client   *tele.Bot
	status   func() (string, error)
}

func NewTelegram(logger *zap.Logger, settings Settings) (*Telegram, error) {
	poller := &tele.LongPoller{Timeout: 10 * time.Second}

	// 只响应配置的会话
	chatID := cast.ToInt64(settings.ChatID)
	chatPoller := tele.NewMiddlewarePoller(poller, func(u *tele.Update) bool {
		if u.Message == nil || u.Message.Chat == nil {
			return false
		}
		return u.Message.Chat.ID == chatID
	})

	client, err := tele.NewBot(tele.Settings{
		ParseMode: tele.ModeMarkdownV2,
		Token:     settings.Token,
		Poller:    chatPoller,
		Client:    settings.Client,
	})
	if err != nil {
		return nil, err
	}
	client.Use(middleware.AutoRespond())

	err = client.SetCommands([]tele.Command{
		{Text: "/status", Description: "查看最近24小时的验证概况"},
	})
	if err != nil {
		return nil, err
	}

	bot := &Telegram{
		logger:   logger,
		settings: settings,
		client:   client,
	}
	client.Handle("/status", bot.handleStatus)
	return bot, nil
}

func (r *Telegram) handleStatus(c tele.Context) error {
	if r.status == nil {
		return c.Send(Escape("status is not available"))
	}
	text, err := r.status()
	if err != nil {
		r.logger.Warn("failed to build status", zap.Error(err))
		return c.Send(Escape("failed to build status: " + err.Error()))
	}
	return c.Send(Escape(text))
}

// SetStatus 设置 /status 命令的回复内容，需在 Start 之前调用
func (r *Telegram) SetStatus(fn func() (string, error)) {
	r.status = fn
}

func (r *Telegram) Start() {
	go r.client.Start()
}

func (r *Telegram) Stop() {
	r.client.Stop()
}

// Notify 向配置的会话发送纯文本
func (r *Telegram) Notify(msg string) error {
	chatID := cast.ToInt64(r.settings.ChatID)
	_, err := r.client.Send(tele.ChatID(chatID), Escape(msg), &tele.SendOptions{ParseMode: tele.ModeMarkdownV2})
	if err != nil {
		r.logger.Warn("failed to send telegram message", zap.Error(err))
	}
	return err
}
