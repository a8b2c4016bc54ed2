package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chat-relay/internal/domain"
	"chat-relay/internal/integrations/provider"
	"chat-relay/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// API Gateway resource templates served by this function.
const (
	routeStartTurn     = "POST /chats"
	routeTurnStatus    = "GET /chats/{turnId}/status"
	routeTurnContent   = "GET /chats/{turnId}/content"
	routeConversations = "GET /conversations"
	routeHistory       = "GET /conversations/{conversationId}/turns"
)

type TurnUseCase interface {
	StartTurn(ctx context.Context, in usecase.StartTurnInput) (usecase.StartTurnOutput, error)
	RefreshStatus(ctx context.Context, ref domain.TurnRef) (domain.Turn, error)
	GetTurnContent(ctx context.Context, ref domain.TurnRef) (domain.Content, error)
	GetHistory(ctx context.Context, userID, conversationID string, order domain.SortOrder) ([]domain.Turn, error)
	ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error)
}

type Handler struct {
	uc  TurnUseCase
	log zerolog.Logger
}

type startTurnRequest struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversationId"`
}

type startTurnResponse struct {
	TurnID         string            `json:"turnId"`
	ConversationID string            `json:"conversationId"`
	Status         domain.TurnStatus `json:"status"`
}

type conversationsResponse struct {
	Conversations []domain.Conversation `json:"conversations"`
}

type historyResponse struct {
	ConversationID string        `json:"conversationId"`
	Order          string        `json:"order"`
	Turns          []domain.Turn `json:"turns"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func NewHandler(uc TurnUseCase, log zerolog.Logger) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	return &Handler{uc: uc, log: log}, nil
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	route := req.HTTPMethod + " " + req.Resource
	log := h.log.With().Str("correlation_id", correlationID).Str("route", route).Logger()
	ctx = log.WithContext(ctx)

	userID := principalID(req)
	if userID == "" {
		return respond(correlationID, http.StatusUnauthorized, errorResponse{Error: "UNAUTHORIZED", Reason: "missing_principal"}), nil
	}

	var (
		status = http.StatusOK
		body   any
		err    error
	)
	switch route {
	case routeStartTurn:
		status = http.StatusAccepted
		body, err = h.startTurn(ctx, userID, req)
	case routeTurnStatus:
		body, err = h.uc.RefreshStatus(ctx, turnRef(userID, req))
	case routeTurnContent:
		body, err = h.uc.GetTurnContent(ctx, turnRef(userID, req))
	case routeConversations:
		body, err = h.listConversations(ctx, userID)
	case routeHistory:
		body, err = h.history(ctx, userID, req)
	default:
		return respond(correlationID, http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound), Reason: "route_not_found"}), nil
	}

	if err != nil {
		code, reason := errorCode(err)
		httpStatus := statusFor(err, code)
		evt := log.Info()
		if httpStatus >= http.StatusInternalServerError {
			evt = log.Error()
		}
		evt.Err(err).Int("status", httpStatus).Str("code", string(code)).Msg("request failed")
		return respond(correlationID, httpStatus, errorResponse{Error: string(code), Reason: reason}), nil
	}
	return respond(correlationID, status, body), nil
}

func (h *Handler) startTurn(ctx context.Context, userID string, req events.APIGatewayProxyRequest) (startTurnResponse, error) {
	raw := req.Body
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return startTurnResponse{}, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: err}
		}
		raw = string(decoded)
	}
	var in startTurnRequest
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return startTurnResponse{}, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: err}
	}

	out, err := h.uc.StartTurn(ctx, usecase.StartTurnInput{
		UserID:         userID,
		Content:        in.Content,
		ConversationID: in.ConversationID,
	})
	if err != nil {
		return startTurnResponse{}, err
	}
	return startTurnResponse{
		TurnID:         out.TurnID,
		ConversationID: out.ConversationID,
		Status:         domain.TurnStatusInProgress,
	}, nil
}

func (h *Handler) listConversations(ctx context.Context, userID string) (conversationsResponse, error) {
	convs, err := h.uc.ListConversations(ctx, userID)
	if err != nil {
		return conversationsResponse{}, err
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	return conversationsResponse{Conversations: convs}, nil
}

func (h *Handler) history(ctx context.Context, userID string, req events.APIGatewayProxyRequest) (historyResponse, error) {
	order, ok := domain.ParseSortOrder(strings.ToLower(req.QueryStringParameters["order"]))
	if !ok {
		return historyResponse{}, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_order"}
	}
	convID := req.PathParameters["conversationId"]
	turns, err := h.uc.GetHistory(ctx, userID, convID, order)
	if err != nil {
		return historyResponse{}, err
	}
	if turns == nil {
		turns = []domain.Turn{}
	}
	return historyResponse{ConversationID: convID, Order: string(order), Turns: turns}, nil
}

func turnRef(userID string, req events.APIGatewayProxyRequest) domain.TurnRef {
	return domain.TurnRef{
		UserID:         userID,
		TurnID:         req.PathParameters["turnId"],
		ConversationID: req.QueryStringParameters["conversationId"],
	}
}

func principalID(req events.APIGatewayProxyRequest) string {
	if v, ok := req.RequestContext.Authorizer["principalId"].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func errorCode(err error) (usecase.ErrorCode, string) {
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		return ucErr.Code, ucErr.Reason
	}
	return usecase.ErrorInternal, "unexpected_error"
}

func statusFor(err error, code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorForbidden:
		return http.StatusForbidden
	case usecase.ErrorNotReady:
		return http.StatusTooEarly
	case usecase.ErrorConflict:
		return http.StatusConflict
	case usecase.ErrorChatCreationFailed, usecase.ErrorUpstream:
		var provErr *provider.Error
		if errors.As(err, &provErr) && provErr.Timeout() {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respond(correlationID string, status int, body any) events.APIGatewayProxyResponse {
	payload, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		payload = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(payload),
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
