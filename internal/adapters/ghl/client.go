package ghl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"sentinel/internal/conversation"
)

// Client talks to the GoHighLevel conversations and contacts API.
type Client struct {
	httpClient *resty.Client
	locationID string
	appBaseURL string
	pageLimit  int
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Token      string
	LocationID string
	APIVersion string
	AppBaseURL string
	Timeout    time.Duration
	RetryCount int
}

// NewClient creates a new GoHighLevel client.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("GHL baseURL cannot be empty")
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("GHL token cannot be empty")
	}
	if opts.LocationID == "" {
		return nil, fmt.Errorf("GHL locationID cannot be empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	switch {
	case opts.RetryCount == 0:
		opts.RetryCount = 2
	case opts.RetryCount < 0:
		opts.RetryCount = 0
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetAuthToken(opts.Token).
		SetHeader("Accept", "application/json").
		SetHeader("Version", opts.APIVersion).
		SetHeader("LocationId", opts.LocationID).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == 429 || r.StatusCode() >= 500
		})

	log.Info().Str("baseURL", opts.BaseURL).Str("locationID", opts.LocationID).Msg("GHL client configured")

	return &Client{
		httpClient: client,
		locationID: opts.LocationID,
		appBaseURL: strings.TrimRight(opts.AppBaseURL, "/"),
		pageLimit:  50,
	}, nil
}

// ConversationLink returns the web app URL of a conversation, or "" when it cannot be built.
func (c *Client) ConversationLink(conversationID string) string {
	if conversationID == "" || c.appBaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/v2/location/%s/conversations/conversations/%s", c.appBaseURL, c.locationID, conversationID)
}

// ListMessages fetches the most recent messages of a conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]conversation.Message, error) {
	url := fmt.Sprintf("/conversations/%s/messages", conversationID)

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParam("limit", fmt.Sprint(c.pageLimit)).
		Get(url)
	if err != nil {
		log.Error().Err(err).Str("url", url).Msg("GHL API: ListMessages request failed")
		return nil, fmt.Errorf("GHL API ListMessages request failed: %w", err)
	}
	if resp.IsError() {
		log.Error().Str("url", url).Int("statusCode", resp.StatusCode()).Str("responseBody", truncate(resp.String(), 300)).Msg("GHL API: ListMessages returned an error")
		return nil, fmt.Errorf("GHL API ListMessages error: status %s", resp.Status())
	}

	return parseMessages(resp.Body()), nil
}

// The messages endpoint has answered with several envelope shapes over time.
var messageListPaths = []string{"messages.messages", "messages", "data.messages", "data"}

func parseMessages(body []byte) []conversation.Message {
	doc := gjson.ParseBytes(body)
	list := doc
	if !doc.IsArray() {
		list = gjson.Result{}
		for _, path := range messageListPaths {
			if r := doc.Get(path); r.IsArray() {
				list = r
				break
			}
		}
	}

	var out []conversation.Message
	list.ForEach(func(_, m gjson.Result) bool {
		ts, err := time.Parse(time.RFC3339Nano, m.Get("dateAdded").String())
		if err != nil {
			// Without a timestamp the message cannot be ordered against the issue.
			return true
		}
		out = append(out, conversation.Message{
			ID:             m.Get("id").String(),
			Direction:      conversation.Direction(strings.ToLower(m.Get("direction").String())),
			SenderIdentity: m.Get("userId").String(),
			Timestamp:      ts.UTC(),
			Body:           m.Get("body").String(),
		})
		return true
	})
	return out
}

// FindConversationID returns the newest conversation for a contact, searching by phone when the contact id is unknown.
func (c *Client) FindConversationID(ctx context.Context, contactID, phone string) (string, error) {
	req := c.httpClient.R().SetContext(ctx).SetQueryParam("locationId", c.locationID)
	switch {
	case contactID != "":
		req.SetQueryParam("contactId", contactID)
	case phone != "":
		req.SetQueryParam("phone", phone)
	default:
		return "", conversation.ErrNoConversation
	}

	resp, err := req.Get("/conversations/search")
	if err != nil {
		log.Error().Err(err).Str("contactID", contactID).Msg("GHL API: conversation search request failed")
		return "", fmt.Errorf("GHL API conversation search request failed: %w", err)
	}
	if resp.IsError() {
		log.Error().Str("contactID", contactID).Int("statusCode", resp.StatusCode()).Str("responseBody", truncate(resp.String(), 300)).Msg("GHL API: conversation search returned an error")
		return "", fmt.Errorf("GHL API conversation search error: status %s", resp.Status())
	}

	doc := gjson.ParseBytes(resp.Body())
	for _, key := range []string{"conversations", "data", "items"} {
		first := doc.Get(key + ".0")
		if !first.Exists() {
			continue
		}
		for _, idKey := range []string{"id", "conversationId"} {
			if id := strings.TrimSpace(first.Get(idKey).String()); id != "" {
				return id, nil
			}
		}
	}
	return "", conversation.ErrNoConversation
}

// ContactName looks up a contact's display name. An unknown contact yields "".
func (c *Client) ContactName(ctx context.Context, contactID string) (string, error) {
	if contactID == "" {
		return "", nil
	}
	url := "/contacts/" + contactID
	resp, err := c.httpClient.R().SetContext(ctx).Get(url)
	if err != nil {
		return "", fmt.Errorf("GHL API GetContact request failed: %w", err)
	}
	if resp.IsError() {
		log.Warn().Str("contactID", contactID).Int("statusCode", resp.StatusCode()).Msg("GHL API: GetContact returned an error")
		return "", fmt.Errorf("GHL API GetContact error: status %s", resp.Status())
	}

	contact := gjson.GetBytes(resp.Body(), "contact")
	if !contact.IsObject() {
		contact = gjson.ParseBytes(resp.Body())
	}
	for _, key := range []string{"name", "fullName", "contactName"} {
		if v := strings.TrimSpace(contact.Get(key).String()); v != "" {
			return v, nil
		}
	}
	full := strings.TrimSpace(strings.TrimSpace(contact.Get("firstName").String()) + " " + strings.TrimSpace(contact.Get("lastName").String()))
	return full, nil
}

// messageTypes maps outbound message kinds to the API's message type.
var messageTypes = map[string]string{
	"":         "SMS",
	"text":     "SMS",
	"sms":      "SMS",
	"email":    "Email",
	"whatsapp": "WhatsApp",
}

// SendMessage posts a message into a conversation. An empty or "text" kind is sent as SMS.
func (c *Client) SendMessage(ctx context.Context, msg conversation.OutboundMessage) error {
	msgType, ok := messageTypes[strings.ToLower(strings.TrimSpace(msg.Kind))]
	if !ok {
		return fmt.Errorf("unsupported message kind %q", msg.Kind)
	}
	if msg.ConversationID == "" {
		id, err := c.FindConversationID(ctx, msg.ContactID, "")
		if err != nil {
			return fmt.Errorf("no conversation for contact %s: %w", msg.ContactID, err)
		}
		msg.ConversationID = id
	}

	payload := sendMessagePayload{
		Type:           msgType,
		Message:        msg.Body,
		ConversationID: msg.ConversationID,
		ContactID:      msg.ContactID,
	}
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post("/conversations/messages")
	if err != nil {
		log.Error().Err(err).Str("contactID", msg.ContactID).Msg("GHL API: SendMessage request failed")
		return fmt.Errorf("GHL API SendMessage request failed: %w", err)
	}
	if resp.IsError() {
		log.Error().Str("contactID", msg.ContactID).Str("conversationID", msg.ConversationID).Int("statusCode", resp.StatusCode()).Str("responseBody", truncate(resp.String(), 300)).Msg("GHL API: SendMessage returned an error")
		return fmt.Errorf("GHL API SendMessage error: status %s", resp.Status())
	}

	log.Info().Str("contactID", msg.ContactID).Str("conversationID", msg.ConversationID).Msg("Sent message via GHL")
	return nil
}

type sendMessagePayload struct {
	Type           string `json:"type"`
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
	ContactID      string `json:"contactId"`
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
