package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"persona-agent/internal/usecase"
)

// ChatUseCase is the pipeline surface the handler adapts to HTTP.
type ChatUseCase interface {
	SendMessage(ctx context.Context, in usecase.SendInput) (usecase.SendOutput, error)
	GetHistory(ctx context.Context, identity string) (map[string][]usecase.HistoryTurn, error)
	ListPersonas(ctx context.Context, identity string) ([]string, error)
	DeleteIdentity(ctx context.Context, identity string) (bool, error)
}

type chatRequest struct {
	UserID      string `json:"user_id"`
	Message     string `json:"message"`
	PersonaName string `json:"persona_name"`
}

type chatResponse struct {
	Response    string `json:"response"`
	PersonaName string `json:"persona_name"`
	UserID      string `json:"user_id"`
}

type historyResponse struct {
	UserID   string                           `json:"user_id"`
	Personas []string                         `json:"personas"`
	History  map[string][]usecase.HistoryTurn `json:"history"`
}

type personasResponse struct {
	UserID   string   `json:"user_id"`
	Personas []string `json:"personas"`
}

type deleteResponse struct {
	Message string `json:"message"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Handler adapts API Gateway proxy events to the chat pipeline.
type Handler struct {
	uc ChatUseCase
}

func NewHandler(uc ChatUseCase) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	return &Handler{uc: uc}, nil
}

func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := resolveCorrelationID(event.Headers)
	path := strings.TrimRight(event.Path, "/")

	switch {
	case event.HTTPMethod == http.MethodGet && path == "":
		return respond(http.StatusOK, correlationID, statusResponse{
			Status:  "online",
			Service: "persona-agent",
			Version: "1.0.0",
		}), nil

	case event.HTTPMethod == http.MethodPost && path == "/chat":
		return h.handleChat(ctx, correlationID, event.Body), nil

	case event.HTTPMethod == http.MethodGet && strings.HasPrefix(path, "/chat_history/"):
		return h.handleHistory(ctx, correlationID, strings.TrimPrefix(path, "/chat_history/")), nil

	case event.HTTPMethod == http.MethodGet && strings.HasPrefix(path, "/personas/"):
		return h.handlePersonas(ctx, correlationID, strings.TrimPrefix(path, "/personas/")), nil

	case event.HTTPMethod == http.MethodDelete && strings.HasPrefix(path, "/user/"):
		return h.handleDelete(ctx, correlationID, strings.TrimPrefix(path, "/user/")), nil
	}

	return respond(http.StatusNotFound, correlationID, errorResponse{Error: "NOT_FOUND", Reason: "unknown_route"}), nil
}

func (h *Handler) handleChat(ctx context.Context, correlationID, body string) events.APIGatewayProxyResponse {
	var req chatRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return respond(http.StatusBadRequest, correlationID, errorResponse{
			Error:  string(usecase.ErrorInvalidInput),
			Reason: "malformed_body",
		})
	}

	out, err := h.uc.SendMessage(ctx, usecase.SendInput{
		Identity: req.UserID,
		Message:  req.Message,
		Persona:  req.PersonaName,
	})
	if err != nil {
		return errorFor(err, correlationID)
	}

	return respond(http.StatusOK, correlationID, chatResponse{
		Response:    out.Response,
		PersonaName: out.Persona,
		UserID:      out.Identity,
	})
}

func (h *Handler) handleHistory(ctx context.Context, correlationID, identity string) events.APIGatewayProxyResponse {
	history, err := h.uc.GetHistory(ctx, identity)
	if err != nil {
		return errorFor(err, correlationID)
	}
	personas, err := h.uc.ListPersonas(ctx, identity)
	if err != nil {
		return errorFor(err, correlationID)
	}

	return respond(http.StatusOK, correlationID, historyResponse{
		UserID:   identity,
		Personas: personas,
		History:  history,
	})
}

func (h *Handler) handlePersonas(ctx context.Context, correlationID, identity string) events.APIGatewayProxyResponse {
	personas, err := h.uc.ListPersonas(ctx, identity)
	if err != nil {
		return errorFor(err, correlationID)
	}
	return respond(http.StatusOK, correlationID, personasResponse{UserID: identity, Personas: personas})
}

func (h *Handler) handleDelete(ctx context.Context, correlationID, identity string) events.APIGatewayProxyResponse {
	ok, err := h.uc.DeleteIdentity(ctx, identity)
	if err != nil || !ok {
		return errorFor(err, correlationID)
	}
	return respond(http.StatusOK, correlationID, deleteResponse{Message: "User " + identity + " deleted successfully"})
}

// errorFor maps pipeline error codes onto HTTP statuses. Storage-layer
// failures surface as the generic internal error; oracle failures never
// reach this point.
func errorFor(err error, correlationID string) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return respond(http.StatusInternalServerError, correlationID, errorResponse{Error: string(usecase.ErrorInternal)})
	}

	status := http.StatusInternalServerError
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		status = http.StatusBadRequest
	case usecase.ErrorIdentityNotFound:
		status = http.StatusNotFound
	case usecase.ErrorStorageUnavailable, usecase.ErrorInternal:
		status = http.StatusInternalServerError
	}
	return respond(status, correlationID, errorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason})
}

func respond(status int, correlationID string, payload any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(payload)
	if err != nil {
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusInternalServerError,
			Headers:    responseHeaders(correlationID),
			Body:       `{"error":"INTERNAL_ERROR"}`,
		}
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    responseHeaders(correlationID),
		Body:       string(body),
	}
}

func responseHeaders(correlationID string) map[string]string {
	return map[string]string{
		"Content-Type":     "application/json",
		"X-Correlation-Id": correlationID,
	}
}

func resolveCorrelationID(headers map[string]string) string {
	for key, value := range headers {
		if strings.EqualFold(key, "x-correlation-id") && strings.TrimSpace(value) != "" {
			return value
		}
	}
	return uuid.NewString()
}
