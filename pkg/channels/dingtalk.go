package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	openapi "github.com/alibabacloud-go/darabonba-openapi/v2/client"
	dingtalkoauth2 "github.com/alibabacloud-go/dingtalk/oauth2_1_0"
	dingtalkrobot "github.com/alibabacloud-go/dingtalk/robot_1_0"
	util "github.com/alibabacloud-go/tea-utils/v2/service"
	"github.com/alibabacloud-go/tea/tea"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/client"
	"github.com/rs/zerolog"

	"github.com/wubox3/microclaw/pkg/bus"
	"github.com/wubox3/microclaw/pkg/config"
)

// DingTalkChannel receives messages over the stream SDK websocket and
// replies through the robot API.
type DingTalkChannel struct {
	BaseChannel
	Config       *config.DingTalkConfig
	streamClient *client.StreamClient
	robotClient  *dingtalkrobot.Client
	oauthClient  *dingtalkoauth2.Client

	tokenMu       sync.RWMutex
	accessToken   string
	tokenExpireAt time.Time
}

func NewDingTalkChannel(cfg *config.DingTalkConfig, messageBus *bus.MessageBus, log zerolog.Logger) *DingTalkChannel {
	return &DingTalkChannel{
		BaseChannel: BaseChannel{
			Bus:       messageBus,
			AllowFrom: cfg.AllowFrom,
			Log:       log.With().Str("channel", "dingtalk").Logger(),
		},
		Config: cfg,
	}
}

func (c *DingTalkChannel) Name() string {
	return "dingtalk"
}

func (c *DingTalkChannel) Start() error {
	if !c.Config.Enabled || c.Config.ClientID == "" || c.Config.ClientSecret == "" {
		return nil
	}

	apiConfig := &openapi.Config{
		Protocol: tea.String("https"),
		RegionId: tea.String("central"),
	}

	robotClient, err := dingtalkrobot.NewClient(apiConfig)
	if err != nil {
		return fmt.Errorf("init dingtalk robot client: %w", err)
	}
	c.robotClient = robotClient

	oauthClient, err := dingtalkoauth2.NewClient(apiConfig)
	if err != nil {
		return fmt.Errorf("init dingtalk oauth client: %w", err)
	}
	c.oauthClient = oauthClient

	c.streamClient = client.NewStreamClient(client.WithAppCredential(
		client.NewAppCredentialConfig(c.Config.ClientID, c.Config.ClientSecret)))
	c.streamClient.RegisterChatBotCallbackRouter(c.onChatReceive)

	go func() {
		// Start blocks until the connection dies.
		if err := c.streamClient.Start(context.Background()); err != nil {
			c.Log.Error().Err(err).Msg("dingtalk stream client stopped")
		}
	}()

	c.Log.Info().Msg("dingtalk bot started")
	return nil
}

func (c *DingTalkChannel) Stop() error {
	if c.streamClient != nil {
		c.streamClient.Close()
	}
	return nil
}

func (c *DingTalkChannel) getAccessToken() (string, error) {
	c.tokenMu.RLock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpireAt) {
		defer c.tokenMu.RUnlock()
		return c.accessToken, nil
	}
	c.tokenMu.RUnlock()

	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpireAt) {
		return c.accessToken, nil
	}

	req := &dingtalkoauth2.GetAccessTokenRequest{
		AppKey:    tea.String(c.Config.ClientID),
		AppSecret: tea.String(c.Config.ClientSecret),
	}
	resp, err := c.oauthClient.GetAccessToken(req)
	if err != nil {
		return "", err
	}
	if resp.Body == nil || resp.Body.AccessToken == nil {
		return "", fmt.Errorf("access token response body is empty")
	}

	c.accessToken = *resp.Body.AccessToken
	// ExpireIn is seconds; renew a minute early.
	expireIn := *resp.Body.ExpireIn
	c.tokenExpireAt = time.Now().Add(time.Duration(expireIn-60) * time.Second)
	return c.accessToken, nil
}

func (c *DingTalkChannel) onChatReceive(ctx context.Context, data *chatbot.BotCallbackDataModel) ([]byte, error) {
	content := strings.TrimSpace(data.Text.Content)
	if content == "" {
		return nil, nil
	}

	senderID := data.SenderStaffId
	if senderID == "" {
		senderID = data.SenderId
	}
	if senderID == "" {
		c.Log.Warn().Msg("dingtalk message missing sender id")
		return nil, nil
	}

	// conversationType "2" means group chat; replies then go to the
	// conversation instead of the sender.
	chatID := senderID
	if data.ConversationType == "2" && data.ConversationId != "" {
		chatID = data.ConversationId
	}

	metadata := map[string]interface{}{
		"senderName": data.SenderNick,
	}
	c.HandleMessage(c.Name(), senderID, chatID, content, metadata)
	return nil, nil
}

type dingTalkTextParam struct {
	Content string `json:"content"`
}

func (c *DingTalkChannel) Send(msg bus.OutboundMessage) error {
	token, err := c.getAccessToken()
	if err != nil {
		return fmt.Errorf("get access token: %w", err)
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

	// "cid"-prefixed IDs are open conversation IDs; anything else is a
	// staff ID for a one-to-one send.
	if strings.HasPrefix(msg.ChatID, "cid") {
		if err := c.sendGroup(token, msg.ChatID, content); err != nil {
			return fmt.Errorf("send dingtalk group message: %w", err)
		}
		return nil
	}
	if err := c.sendOTO(token, msg.ChatID, content); err != nil {
		return fmt.Errorf("send dingtalk message: %w", err)
	}
	return nil
}

func (c *DingTalkChannel) sendOTO(token, userID, content string) error {
	headers := &dingtalkrobot.BatchSendOTOHeaders{
		XAcsDingtalkAccessToken: tea.String(token),
	}
	msgParam, _ := json.Marshal(dingTalkTextParam{Content: content})
	req := &dingtalkrobot.BatchSendOTORequest{
		RobotCode: tea.String(c.Config.RobotCode),
		UserIds:   []*string{tea.String(userID)},
		MsgKey:    tea.String("sampleText"),
		MsgParam:  tea.String(string(msgParam)),
	}
	_, err := c.robotClient.BatchSendOTOWithOptions(req, headers, &util.RuntimeOptions{})
	return err
}

func (c *DingTalkChannel) sendGroup(token, conversationID, content string) error {
	headers := &dingtalkrobot.OrgGroupSendHeaders{
		XAcsDingtalkAccessToken: tea.String(token),
	}
	msgParam, _ := json.Marshal(dingTalkTextParam{Content: content})
	req := &dingtalkrobot.OrgGroupSendRequest{
		RobotCode:          tea.String(c.Config.RobotCode),
		OpenConversationId: tea.String(conversationID),
		MsgKey:             tea.String("sampleText"),
		MsgParam:           tea.String(string(msgParam)),
	}
	_, err := c.robotClient.OrgGroupSendWithOptions(req, headers, &util.RuntimeOptions{})
	return err
}
