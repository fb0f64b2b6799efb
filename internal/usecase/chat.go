package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"persona-agent/internal/domain"
)

const (
	defaultMaxContextTurns = 10
	defaultOracleTimeout   = 30 * time.Second
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// LLMClient is the oracle surface the pipeline consumes: Chat for response
// generation and instruction synthesis, Classify for persona detection.
type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
	Classify(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

// StateStore is the keyed persistence surface for identities, persona
// threads and instruction profiles.
type StateStore interface {
	IdentityExists(ctx context.Context, identity string) (bool, error)
	CreateIdentity(ctx context.Context, identity string) error
	DeleteIdentity(ctx context.Context, identity string) error
	ThreadHistory(ctx context.Context, identity, persona string, limit int) ([]domain.Turn, error)
	AllHistory(ctx context.Context, identity string) (map[string][]domain.Turn, error)
	ListPersonas(ctx context.Context, identity string) ([]string, error)
	AppendTurn(ctx context.Context, identity, persona, role, text string) (domain.Turn, error)
	GetProfile(ctx context.Context, identity, persona string) (string, bool, error)
	PutProfile(ctx context.Context, identity, persona, instruction string) (string, error)
}

// ChatService routes each inbound message through the four-stage persona
// pipeline: initialize session, resolve identity, route persona, execute
// response. One chatState record flows forward through the stages; there
// is no shared mutable state across requests beyond the store.
type ChatService struct {
	params          ParamGetter
	llm             LLMClient
	state           StateStore
	paramPrefix     string
	maxContextTurns int
	oracleTimeout   time.Duration
	logger          *slog.Logger

	cacheMu     sync.RWMutex
	modelLoaded bool
	model       string
}

type SendInput struct {
	Identity string
	Message  string
	Persona  string
}

type SendOutput struct {
	Response string
	Persona  string
	Identity string
}

// HistoryTurn is one thread entry as exposed by GetHistory.
type HistoryTurn struct {
	Role      string    `json:"role"`
	Text      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// chatState is the working record for one request, owned exclusively by
// the pipeline execution and discarded once the response is produced.
type chatState struct {
	identity    string
	message     string
	persona     string
	history     []domain.Turn
	instruction string
	response    string
}

func NewChatService(p ParamGetter, llm LLMClient, s StateStore, paramPrefix string, maxContextTurns int, oracleTimeout time.Duration, logger *slog.Logger) (*ChatService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: state store must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if maxContextTurns <= 0 {
		maxContextTurns = defaultMaxContextTurns
	}
	if oracleTimeout <= 0 {
		oracleTimeout = defaultOracleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{
		params:          p,
		llm:             llm,
		state:           s,
		paramPrefix:     paramPrefix,
		maxContextTurns: maxContextTurns,
		oracleTimeout:   oracleTimeout,
		logger:          logger,
	}, nil
}

// SendMessage runs the full pipeline for one inbound message. The only
// error it returns is storage unavailability; every oracle failure is
// absorbed into a degraded but complete response.
func (s *ChatService) SendMessage(ctx context.Context, in SendInput) (SendOutput, error) {
	identity := strings.TrimSpace(in.Identity)
	if identity == "" {
		return SendOutput{}, newError(ErrorInvalidInput, "empty_identity", nil)
	}
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return SendOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}

	st := s.initializeSession(identity, message, in.Persona)
	if err := s.resolveIdentity(ctx, st); err != nil {
		return SendOutput{}, err
	}
	if err := s.routePersona(ctx, st); err != nil {
		return SendOutput{}, err
	}
	if err := s.executeResponse(ctx, st); err != nil {
		return SendOutput{}, err
	}

	return SendOutput{
		Response: st.response,
		Persona:  st.persona,
		Identity: st.identity,
	}, nil
}

// initializeSession is stage 1: normalize the request into a working state
// record, defaulting an unset persona label. Pure default-filling, no
// failure modes.
func (s *ChatService) initializeSession(identity, message, persona string) *chatState {
	persona = domain.NormalizeLabel(persona)
	if persona == "" {
		persona = domain.DefaultPersona
	}
	return &chatState{
		identity: identity,
		message:  message,
		persona:  persona,
		history:  []domain.Turn{},
	}
}

// resolveIdentity is stage 2: ensure the identity record exists, creating
// it on first contact. Storage errors abort the pipeline before any oracle
// call.
func (s *ChatService) resolveIdentity(ctx context.Context, st *chatState) error {
	exists, err := s.state.IdentityExists(ctx, st.identity)
	if err != nil {
		return newError(ErrorStorageUnavailable, "identity_check_error", err)
	}
	if exists {
		return nil
	}
	if err := s.state.CreateIdentity(ctx, st.identity); err != nil {
		return newError(ErrorStorageUnavailable, "identity_create_error", err)
	}
	return nil
}

// routePersona is stage 3: ask the classification oracle whether the
// message requests a persona switch, resolve the thread label, and load
// that thread's history. Classifier failure keeps the current label and
// never surfaces.
func (s *ChatService) routePersona(ctx context.Context, st *chatState) error {
	st.persona = domain.NormalizeLabel(s.classifyPersona(ctx, st.message, st.persona))
	if st.persona == "" {
		st.persona = domain.DefaultPersona
	}

	history, err := s.state.ThreadHistory(ctx, st.identity, st.persona, s.maxContextTurns)
	if err != nil {
		return newError(ErrorStorageUnavailable, "history_load_error", err)
	}
	st.history = history
	return nil
}

// classifyPersona returns the label the thread should use for this
// message. A non-empty candidate from the oracle is always adopted, even
// when should_switch is false; an empty candidate, a malformed reply, a
// timeout, or any oracle error keeps the current label.
func (s *ChatService) classifyPersona(ctx context.Context, message, current string) string {
	model, err := s.resolveModel(ctx)
	if err != nil {
		s.logger.Warn("persona classification degraded, keeping current persona", "reason", "model_unavailable", "err", err)
		return current
	}

	cctx, cancel := context.WithTimeout(ctx, s.oracleTimeout)
	defer cancel()

	raw, err := s.llm.Classify(cctx, model, classifierMessages(message, current))
	if err != nil {
		s.logger.Warn("persona classification degraded, keeping current persona", "reason", "oracle_error", "err", err)
		return current
	}
	decision, err := parsePersonaSwitch(raw)
	if err != nil {
		s.logger.Warn("persona classification degraded, keeping current persona", "reason", "malformed_output", "err", err)
		return current
	}

	candidate := strings.TrimSpace(decision.PersonaName)
	if candidate == "" {
		return current
	}
	return candidate
}

// executeResponse is stage 4: resolve the persona's instruction profile,
// assemble the bounded context window, generate the reply, and append both
// turns. Append failures are logged; the computed response is returned
// regardless.
func (s *ChatService) executeResponse(ctx context.Context, st *chatState) error {
	instruction, err := s.resolveInstruction(ctx, st.identity, st.persona)
	if err != nil {
		return err
	}
	st.instruction = instruction

	st.response = s.generate(ctx, buildContextMessages(st.instruction, st.history, st.message, s.maxContextTurns))

	if _, err := s.state.AppendTurn(ctx, st.identity, st.persona, domain.RoleUser, st.message); err != nil {
		s.logger.Warn("failed to append user turn", "identity", st.identity, "persona", st.persona, "err", err)
	}
	if _, err := s.state.AppendTurn(ctx, st.identity, st.persona, domain.RoleAssistant, st.response); err != nil {
		s.logger.Warn("failed to append assistant turn", "identity", st.identity, "persona", st.persona, "err", err)
	}
	return nil
}

// resolveInstruction returns the stored instruction profile for the
// persona, synthesizing and storing one on first use. The store's
// conditional insert arbitrates concurrent generation; whatever text it
// reports as stored is the one used.
func (s *ChatService) resolveInstruction(ctx context.Context, identity, persona string) (string, error) {
	instruction, ok, err := s.state.GetProfile(ctx, identity, persona)
	if err != nil {
		return "", newError(ErrorStorageUnavailable, "profile_load_error", err)
	}
	if ok {
		return instruction, nil
	}

	generated := s.synthesizeInstruction(ctx, persona)
	stored, err := s.state.PutProfile(ctx, identity, persona, generated)
	if err != nil {
		return "", newError(ErrorStorageUnavailable, "profile_store_error", err)
	}
	return stored, nil
}

// synthesizeInstruction asks the synthesis oracle for the persona's
// behavioral prompt, substituting the deterministic template on empty or
// failed output.
func (s *ChatService) synthesizeInstruction(ctx context.Context, persona string) string {
	model, err := s.resolveModel(ctx)
	if err != nil {
		s.logger.Warn("instruction synthesis degraded, using fallback template", "persona", persona, "err", err)
		return fallbackInstruction(persona)
	}

	cctx, cancel := context.WithTimeout(ctx, s.oracleTimeout)
	defer cancel()

	raw, err := s.llm.Chat(cctx, model, synthesisMessages(persona))
	if err != nil {
		s.logger.Warn("instruction synthesis degraded, using fallback template", "persona", persona, "err", err)
		return fallbackInstruction(persona)
	}
	instruction := strings.TrimSpace(raw)
	if instruction == "" {
		return fallbackInstruction(persona)
	}
	return instruction
}

// generate invokes the generation oracle. Any failure produces the
// apologetic substitute response; the pipeline always answers.
func (s *ChatService) generate(ctx context.Context, messages []domain.ChatMessage) string {
	model, err := s.resolveModel(ctx)
	if err != nil {
		s.logger.Warn("response generation failed", "reason", "model_unavailable", "err", err)
		return apologeticResponse(err)
	}

	cctx, cancel := context.WithTimeout(ctx, s.oracleTimeout)
	defer cancel()

	response, err := s.llm.Chat(cctx, model, messages)
	if err != nil {
		s.logger.Warn("response generation failed", "reason", "oracle_error", "err", err)
		return apologeticResponse(err)
	}
	return response
}

// GetHistory returns every persona thread for the identity, each in
// chronological order.
func (s *ChatService) GetHistory(ctx context.Context, identity string) (map[string][]HistoryTurn, error) {
	identity, err := s.requireIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}

	grouped, err := s.state.AllHistory(ctx, identity)
	if err != nil {
		return nil, newError(ErrorStorageUnavailable, "history_load_error", err)
	}

	out := make(map[string][]HistoryTurn, len(grouped))
	for persona, turns := range grouped {
		views := make([]HistoryTurn, 0, len(turns))
		for _, turn := range turns {
			views = append(views, HistoryTurn{
				Role:      turn.Role,
				Text:      turn.Text,
				Timestamp: turn.Timestamp,
			})
		}
		out[persona] = views
	}
	return out, nil
}

// ListPersonas returns the persona labels that have at least one persisted
// turn for the identity.
func (s *ChatService) ListPersonas(ctx context.Context, identity string) ([]string, error) {
	identity, err := s.requireIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}

	personas, err := s.state.ListPersonas(ctx, identity)
	if err != nil {
		return nil, newError(ErrorStorageUnavailable, "persona_list_error", err)
	}
	return personas, nil
}

// DeleteIdentity removes the identity and cascades to all of its threads
// and instruction profiles.
func (s *ChatService) DeleteIdentity(ctx context.Context, identity string) (bool, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return false, newError(ErrorInvalidInput, "empty_identity", nil)
	}
	if err := s.state.DeleteIdentity(ctx, identity); err != nil {
		return false, newError(ErrorStorageUnavailable, "identity_delete_error", err)
	}
	return true, nil
}

// requireIdentity validates and resolves an identity for the query-only
// endpoints, which surface unknown identities instead of creating them.
func (s *ChatService) requireIdentity(ctx context.Context, identity string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", newError(ErrorInvalidInput, "empty_identity", nil)
	}
	exists, err := s.state.IdentityExists(ctx, identity)
	if err != nil {
		return "", newError(ErrorStorageUnavailable, "identity_check_error", err)
	}
	if !exists {
		return "", newError(ErrorIdentityNotFound, "unknown_identity", nil)
	}
	return identity, nil
}

// resolveModel loads the generation model name from the parameter store on
// first use and caches it for the process lifetime. A load failure is an
// oracle-path failure: callers degrade, the pipeline does not abort.
func (s *ChatService) resolveModel(ctx context.Context) (string, error) {
	s.cacheMu.RLock()
	if s.modelLoaded {
		model := s.model
		s.cacheMu.RUnlock()
		return model, nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.modelLoaded {
		return s.model, nil
	}

	model, err := s.params.GetParameter(ctx, s.paramPrefix+"/config/openai_model")
	if err != nil {
		return "", fmt.Errorf("usecase: load model: %w", err)
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("usecase: model parameter is empty")
	}
	s.model = model
	s.modelLoaded = true
	return model, nil
}
