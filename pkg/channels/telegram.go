package channels

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/wubox3/microclaw/pkg/bus"
	"github.com/wubox3/microclaw/pkg/config"
)

// TelegramChannel receives updates via long polling and sends plain
// text replies.
type TelegramChannel struct {
	BaseChannel
	Config  *config.TelegramConfig
	bot     *tgbotapi.BotAPI
	running bool
}

func NewTelegramChannel(cfg *config.TelegramConfig, messageBus *bus.MessageBus, log zerolog.Logger) *TelegramChannel {
	return &TelegramChannel{
		BaseChannel: BaseChannel{
			Bus:       messageBus,
			AllowFrom: cfg.AllowFrom,
			Log:       log.With().Str("channel", "telegram").Logger(),
		},
		Config: cfg,
	}
}

func (c *TelegramChannel) Name() string {
	return "telegram"
}

func (c *TelegramChannel) Start() error {
	if !c.Config.Enabled || c.Config.Token == "" {
		return nil
	}

	var err error
	c.bot, err = tgbotapi.NewBotAPI(c.Config.Token)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	c.Log.Info().Str("account", c.bot.Self.UserName).Msg("telegram bot authorized")

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := c.bot.GetUpdatesChan(u)
	c.running = true

	go func() {
		for update := range updates {
			if !c.running {
				break
			}
			if update.Message == nil {
				continue
			}
			c.handleUpdate(update)
		}
	}()
	return nil
}

func (c *TelegramChannel) Stop() error {
	c.running = false
	if c.bot != nil {
		c.bot.StopReceivingUpdates()
	}
	return nil
}

func (c *TelegramChannel) Send(msg bus.OutboundMessage) error {
	if c.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %s", msg.ChatID)
	}

	content := msg.Content
	if msg.Stream != nil {
		var sb strings.Builder
		for chunk := range msg.Stream {
			sb.WriteString(chunk)
		}
		content = sb.String()
	}
	if content == "" {
		return nil
	}

	reply := tgbotapi.NewMessage(chatID, content)
	_, err = c.bot.Send(reply)
	return err
}

func (c *TelegramChannel) handleUpdate(update tgbotapi.Update) {
	msg := update.Message
	senderID := strconv.FormatInt(msg.From.ID, 10)
	if msg.From.UserName != "" {
		senderID = fmt.Sprintf("%s|%s", senderID, msg.From.UserName)
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	if msg.IsCommand() && msg.Command() == "start" {
		reply := tgbotapi.NewMessage(msg.Chat.ID, "Hi! Send me a message and I'll respond.")
		c.bot.Send(reply)
		return
	}

	content := msg.Text
	if msg.Caption != "" {
		content = msg.Caption
	}
	if content == "" {
		content = "[Empty message]"
	}

	metadata := map[string]interface{}{
		"messageId": msg.MessageID,
		"username":  msg.From.UserName,
		"firstName": msg.From.FirstName,
	}
	c.HandleMessage(c.Name(), senderID, chatID, content, metadata)
}
