package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"chat-relay/internal/domain"
)

const (
	defaultBaseURL = "https://api.coze.com/v3"
	defaultTimeout = 15 * time.Second

	pathChat         = "/chat"
	pathChatRetrieve = "/chat/retrieve"
	pathMessageList  = "/chat/message/list"
)

// envelope wraps every provider response. code != 0 is a failure even on HTTP 200.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type createChatRequest struct {
	BotID              string              `json:"bot_id"`
	UserID             string              `json:"user_id"`
	Stream             bool                `json:"stream"`
	AutoSaveHistory    bool                `json:"auto_save_history"`
	AdditionalMessages []additionalMessage `json:"additional_messages"`
}

type additionalMessage struct {
	Role        string `json:"role"`
	Type        string `json:"type"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

type chatData struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
}

type messageData struct {
	Role        string `json:"role"`
	Type        string `json:"type"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

// CreatedTurn holds the identifiers minted by the provider for a new turn.
type CreatedTurn struct {
	TurnID         string
	ConversationID string
}

// TokenSource resolves the bearer token, e.g. from SSM.
type TokenSource interface {
	Token(ctx context.Context, name string) (string, error)
}

// Client talks to the provider chat API. It holds no per-turn state.
type Client struct {
	http      *resty.Client
	botID     string
	timeout   time.Duration
	tokens    TokenSource
	tokenName string

	tokenMu sync.Mutex
	token   string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if base := strings.TrimRight(strings.TrimSpace(baseURL), "/"); base != "" {
			c.http.SetBaseURL(base)
		}
	}
}

// WithHTTPClient swaps the underlying transport, keeping base URL and headers.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		base := c.http.BaseURL
		c.http = newResty(resty.NewWithClient(hc), base)
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithStaticToken uses a fixed bearer token.
func WithStaticToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// WithTokenSource loads the bearer token lazily from src on first use.
func WithTokenSource(src TokenSource, name string) Option {
	return func(c *Client) {
		c.tokens = src
		c.tokenName = name
	}
}

// NewClient creates a provider client for the given bot.
func NewClient(botID string, opts ...Option) (*Client, error) {
	botID = strings.TrimSpace(botID)
	if botID == "" {
		return nil, errors.New("provider: bot id must not be empty")
	}
	c := &Client{
		http:    newResty(resty.New(), defaultBaseURL),
		botID:   botID,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.token == "" && c.tokens == nil {
		return nil, errors.New("provider: a static token or token source is required")
	}
	c.http.SetTimeout(c.timeout)
	return c, nil
}

func newResty(r *resty.Client, baseURL string) *resty.Client {
	return r.
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
}

// CreateTurn starts a new turn. An empty conversationID lets the provider
// mint a new conversation.
func (c *Client) CreateTurn(ctx context.Context, userID, content, conversationID string) (CreatedTurn, error) {
	const op = "create turn"
	query := map[string]string{}
	if conversationID != "" {
		query["conversation_id"] = conversationID
	}
	body := createChatRequest{
		BotID:           c.botID,
		UserID:          userID,
		Stream:          false,
		AutoSaveHistory: true,
		AdditionalMessages: []additionalMessage{{
			Role:        "user",
			Type:        "question",
			Content:     content,
			ContentType: "text",
		}},
	}

	data, raw, err := c.call(ctx, op, http.MethodPost, pathChat, query, body)
	if err != nil {
		return CreatedTurn{}, err
	}
	var chat chatData
	if err := json.Unmarshal(data, &chat); err != nil {
		return CreatedTurn{}, &Error{Op: op, Kind: KindMalformed, Message: "decode chat", Raw: truncate(raw), Err: err}
	}
	if chat.ID == "" || chat.ConversationID == "" {
		return CreatedTurn{}, &Error{Op: op, Kind: KindMalformed, Message: "response missing chat or conversation id", Raw: truncate(raw)}
	}
	return CreatedTurn{TurnID: chat.ID, ConversationID: chat.ConversationID}, nil
}

// RetrieveTurnStatus returns the provider's current status for a turn.
func (c *Client) RetrieveTurnStatus(ctx context.Context, turnID, conversationID string) (domain.TurnStatus, error) {
	const op = "retrieve turn status"
	data, raw, err := c.call(ctx, op, http.MethodGet, pathChatRetrieve, turnQuery(turnID, conversationID), nil)
	if err != nil {
		return "", err
	}
	var chat chatData
	if err := json.Unmarshal(data, &chat); err != nil {
		return "", &Error{Op: op, Kind: KindMalformed, Message: "decode chat", Raw: truncate(raw), Err: err}
	}
	status, ok := parseStatus(chat.Status)
	if !ok {
		return "", &Error{Op: op, Kind: KindMalformed, Message: fmt.Sprintf("unknown status %q", chat.Status), Raw: truncate(raw)}
	}
	return status, nil
}

// ListTurnMessages returns the messages produced for a turn. No messages is
// not an error.
func (c *Client) ListTurnMessages(ctx context.Context, turnID, conversationID string) ([]domain.Message, error) {
	const op = "list turn messages"
	data, raw, err := c.call(ctx, op, http.MethodGet, pathMessageList, turnQuery(turnID, conversationID), nil)
	if err != nil {
		return nil, err
	}
	var items []messageData
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, &Error{Op: op, Kind: KindMalformed, Message: "decode messages", Raw: truncate(raw), Err: err}
		}
	}
	msgs := make([]domain.Message, 0, len(items))
	for _, it := range items {
		msgs = append(msgs, domain.Message{
			Role:    roleOf(it.Type),
			Content: domain.Content{Text: it.Content, Type: it.ContentType},
		})
	}
	return msgs, nil
}

// call performs one bounded request and unwraps the envelope. Every failure
// comes back as *Error.
func (c *Client) call(ctx context.Context, op, method, path string, query map[string]string, body any) (json.RawMessage, []byte, error) {
	// The deadline covers the token load as well as the request.
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	token, err := c.resolveToken(ctx)
	if err != nil {
		return nil, nil, &Error{Op: op, Kind: KindAuth, Message: "resolve token", Err: err}
	}

	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParams(query)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, nil, transportError(op, err)
	}

	raw := resp.Body()
	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if !resp.IsSuccess() {
		msg := http.StatusText(resp.StatusCode())
		if decodeErr == nil && env.Msg != "" {
			msg = env.Msg
		}
		return nil, raw, &Error{Op: op, Kind: KindStatus, Code: resp.StatusCode(), Message: msg, Raw: truncate(raw)}
	}
	if decodeErr != nil {
		return nil, raw, &Error{Op: op, Kind: KindMalformed, Message: "decode envelope", Raw: truncate(raw), Err: decodeErr}
	}
	if env.Code != 0 {
		return nil, raw, &Error{Op: op, Kind: KindEnvelope, Code: env.Code, Message: env.Msg, Raw: truncate(raw)}
	}
	return env.Data, raw, nil
}

// resolveToken returns the cached token, loading it from the token source on
// first use. A failed load is retried on the next call.
func (c *Client) resolveToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token != "" {
		return c.token, nil
	}
	token, err := c.tokens.Token(ctx, c.tokenName)
	if err != nil {
		return "", err
	}
	c.token = token
	return token, nil
}

func turnQuery(turnID, conversationID string) map[string]string {
	return map[string]string{
		"chat_id":         turnID,
		"conversation_id": conversationID,
	}
}

func parseStatus(raw string) (domain.TurnStatus, bool) {
	switch raw {
	case "created", "in_progress":
		return domain.TurnStatusInProgress, true
	case "completed":
		return domain.TurnStatusCompleted, true
	case "failed", "canceled":
		return domain.TurnStatusFailed, true
	default:
		return "", false
	}
}

func roleOf(messageType string) domain.MessageRole {
	switch messageType {
	case "question":
		return domain.RoleQuestion
	case "answer":
		return domain.RoleAnswer
	default:
		return domain.RoleSystem
	}
}
