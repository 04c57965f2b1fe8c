package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkdispatcher "github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"
	"github.com/rs/zerolog"

	"github.com/wubox3/microclaw/pkg/bus"
	"github.com/wubox3/microclaw/pkg/config"
)

const feishuCardTitle = "microclaw"

// FeishuChannel receives messages over a websocket and replies with
// interactive cards, streaming card updates when the response is a
// stream.
type FeishuChannel struct {
	BaseChannel
	Config   *config.FeishuConfig
	client   *lark.Client
	wsClient *larkws.Client
}

func NewFeishuChannel(cfg *config.FeishuConfig, messageBus *bus.MessageBus, log zerolog.Logger) *FeishuChannel {
	return &FeishuChannel{
		BaseChannel: BaseChannel{
			Bus:       messageBus,
			AllowFrom: cfg.AllowFrom,
			Log:       log.With().Str("channel", "feishu").Logger(),
		},
		Config: cfg,
	}
}

func (c *FeishuChannel) Name() string {
	return "feishu"
}

func (c *FeishuChannel) Start() error {
	if !c.Config.Enabled || c.Config.AppID == "" || c.Config.AppSecret == "" {
		return nil
	}

	c.client = lark.NewClient(c.Config.AppID, c.Config.AppSecret)

	handler := larkdispatcher.NewEventDispatcher("", "").
		OnP2MessageReceiveV1(func(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
			content := extractFeishuText(*event.Event.Message.Content)
			chatID := *event.Event.Message.ChatId
			senderID := *event.Event.Sender.SenderId.OpenId
			c.HandleMessage(c.Name(), senderID, chatID, content, nil)
			return nil
		})

	c.wsClient = larkws.NewClient(
		c.Config.AppID,
		c.Config.AppSecret,
		larkws.WithEventHandler(handler),
		larkws.WithLogLevel(larkcore.LogLevelWarn),
	)

	go func() {
		if err := c.wsClient.Start(context.Background()); err != nil {
			c.Log.Error().Err(err).Msg("feishu websocket stopped")
		}
	}()

	c.Log.Info().Msg("feishu bot started")
	return nil
}

func (c *FeishuChannel) Stop() error {
	// The websocket client exits when the process does.
	return nil
}

// extractFeishuText pulls plain text out of the message content JSON.
func extractFeishuText(content string) string {
	var msgContent struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(content), &msgContent); err == nil && msgContent.Text != "" {
		return msgContent.Text
	}
	var generic map[string]interface{}
	if err := json.Unmarshal([]byte(content), &generic); err == nil {
		if _, ok := generic["content"]; ok {
			return fmt.Sprintf("[Rich Text] %s", content)
		}
	}
	return content
}

func (c *FeishuChannel) Send(msg bus.OutboundMessage) error {
	if c.client == nil {
		return fmt.Errorf("feishu client not initialized")
	}

	receiveIDType := larkim.ReceiveIdTypeOpenId
	if strings.HasPrefix(msg.ChatID, "oc_") {
		receiveIDType = larkim.ReceiveIdTypeChatId
	}

	if msg.Stream != nil {
		return c.sendStream(msg, receiveIDType)
	}

	cardContent := map[string]interface{}{
		"config": map[string]interface{}{
			"wide_screen_mode": true,
		},
		"header": map[string]interface{}{
			"title": map[string]interface{}{
				"tag":     "plain_text",
				"content": feishuCardTitle,
			},
			"template": "blue",
		},
		"elements": []interface{}{
			map[string]interface{}{
				"tag": "div",
				"text": map[string]interface{}{
					"tag":     "lark_md",
					"content": msg.Content,
				},
			},
		},
	}
	contentJSON, _ := json.Marshal(cardContent)

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveIDType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(msg.ChatID).
			MsgType(larkim.MsgTypeInteractive).
			Content(string(contentJSON)).
			Build()).
		Build()

	resp, err := c.client.Im.Message.Create(context.Background(), req)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return fmt.Errorf("feishu send failed: %d %s", resp.Code, resp.Msg)
	}
	return nil
}

// sendStream creates a streaming card, pushes updates as chunks
// arrive, and closes streaming mode at the end.
func (c *FeishuChannel) sendStream(msg bus.OutboundMessage, receiveIDType string) error {
	ctx := context.Background()

	const elementID = "markdown_1"
	cardID, err := c.createStreamingCard(ctx, elementID)
	if err != nil {
		return err
	}

	msgContent, _ := json.Marshal(map[string]interface{}{
		"type": "card",
		"data": map[string]interface{}{"card_id": cardID},
	})
	msgReq := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveIDType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(msg.ChatID).
			MsgType(larkim.MsgTypeInteractive).
			Content(string(msgContent)).
			Build()).
		Build()
	msgResp, err := c.client.Im.Message.Create(ctx, msgReq)
	if err != nil {
		return fmt.Errorf("send card message: %w", err)
	}
	if !msgResp.Success() {
		return fmt.Errorf("feishu send failed: %d %s", msgResp.Code, msgResp.Msg)
	}

	// The card update API is rate limited; batch chunks and flush on a
	// ticker that stays under the limit.
	sequence := 1
	var contentBuilder strings.Builder
	ticker := time.NewTicker(120 * time.Millisecond)
	defer ticker.Stop()

	var hasPending bool
	streaming := true
	for streaming {
		select {
		case chunk, ok := <-msg.Stream:
			if !ok {
				if hasPending {
					c.updateCardElement(ctx, cardID, elementID, contentBuilder.String(), &sequence)
				}
				streaming = false
			} else {
				contentBuilder.WriteString(chunk)
				hasPending = true
			}

		case <-ticker.C:
			if hasPending {
				if err := c.updateCardElement(ctx, cardID, elementID, contentBuilder.String(), &sequence); err != nil {
					c.Log.Warn().Err(err).Msg("feishu card update failed")
				}
				hasPending = false
			}
		}
	}

	if contentBuilder.Len() == 0 {
		c.updateCardElement(ctx, cardID, elementID, "No content generated.", &sequence)
	}
	c.closeStreamingCard(ctx, cardID)
	return nil
}

func (c *FeishuChannel) createStreamingCard(ctx context.Context, elementID string) (string, error) {
	cardData, _ := json.Marshal(map[string]interface{}{
		"schema": "2.0",
		"header": map[string]interface{}{
			"title": map[string]interface{}{
				"tag":     "plain_text",
				"content": feishuCardTitle,
			},
			"template": "blue",
		},
		"config": map[string]interface{}{
			"streaming_mode": true,
			"update_multi":   true,
			"summary": map[string]interface{}{
				"content": "[Generating...]",
			},
		},
		"body": map[string]interface{}{
			"elements": []interface{}{
				map[string]interface{}{
					"tag":        "markdown",
					"element_id": elementID,
					"content":    "...",
				},
			},
		},
	})

	req := &larkcore.ApiReq{
		HttpMethod: "POST",
		ApiPath:    "https://open.feishu.cn/open-apis/cardkit/v1/cards",
		Body: map[string]interface{}{
			"type": "card_json",
			"data": string(cardData),
		},
		SupportedAccessTokenTypes: []larkcore.AccessTokenType{larkcore.AccessTokenTypeTenant},
	}
	resp, err := c.client.Do(ctx, req)
	if err != nil {
		return "", fmt.Errorf("create card entity: %w", err)
	}

	var created struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			CardID string `json:"card_id"`
		} `json:"data"`
	}
	if resp.RawBody == nil {
		return "", fmt.Errorf("create card response is empty")
	}
	if err := json.Unmarshal(resp.RawBody, &created); err != nil {
		return "", fmt.Errorf("parse create card response: %w", err)
	}
	if created.Code != 0 {
		return "", fmt.Errorf("create card failed: %d %s", created.Code, created.Msg)
	}
	return created.Data.CardID, nil
}

func (c *FeishuChannel) updateCardElement(ctx context.Context, cardID, elementID, content string, sequence *int) error {
	req := &larkcore.ApiReq{
		HttpMethod: "PUT",
		ApiPath:    fmt.Sprintf("https://open.feishu.cn/open-apis/cardkit/v1/cards/%s/elements/%s/content", cardID, elementID),
		Body: map[string]interface{}{
			"content":  content,
			"sequence": *sequence,
		},
		SupportedAccessTokenTypes: []larkcore.AccessTokenType{larkcore.AccessTokenTypeTenant},
	}
	*sequence++
	resp, err := c.client.Do(ctx, req)
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("card update status %d", resp.StatusCode)
	}
	return nil
}

func (c *FeishuChannel) closeStreamingCard(ctx context.Context, cardID string) {
	req := &larkcore.ApiReq{
		HttpMethod: "PATCH",
		ApiPath:    fmt.Sprintf("https://open.feishu.cn/open-apis/cardkit/v1/cards/%s/settings", cardID),
		Body: map[string]interface{}{
			"config": map[string]interface{}{
				"streaming_mode": false,
			},
		},
		SupportedAccessTokenTypes: []larkcore.AccessTokenType{larkcore.AccessTokenTypeTenant},
	}
	if _, err := c.client.Do(ctx, req); err != nil {
		c.Log.Warn().Err(err).Msg("could not close streaming card")
	}
}
