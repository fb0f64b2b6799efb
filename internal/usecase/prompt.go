package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"persona-agent/internal/domain"
)

// personaSwitchResponse is the classification oracle's JSON contract.
type personaSwitchResponse struct {
	ShouldSwitch bool   `json:"should_switch"`
	PersonaName  string `json:"persona_name"`
}

type classifierPayload struct {
	Message        string `json:"message"`
	CurrentPersona string `json:"current_persona"`
}

type synthesisPayload struct {
	PersonaName string `json:"persona_name"`
	Instruction string `json:"instruction"`
}

// classifierMessages builds the classification oracle request: does this
// message ask the assistant to adopt a particular persona/profession?
func classifierMessages(message, currentPersona string) []domain.ChatMessage {
	payload, _ := json.Marshal(classifierPayload{
		Message:        message,
		CurrentPersona: currentPersona,
	})
	return []domain.ChatMessage{
		{Role: "system", Content: strings.Join([]string{
			"You extract the profession or role a user wants an AI assistant to adopt.",
			"You are given a JSON object with two fields: `message` and `current_persona`.",
			"Respond ONLY with JSON in the form:",
			`{"should_switch": true or false, "persona_name": "<persona or empty>"}.`,
			"If the user clearly asks the assistant to act/behave like some profession or role,",
			"set should_switch to true and persona_name to a short noun phrase like",
			`"teacher", "investor", "lawyer", "sales coach", etc.`,
			"If they do NOT ask for any persona or role change, set should_switch to false and",
			"persona_name to the current_persona (which may be empty).",
		}, "\n")},
		{Role: "user", Content: string(payload)},
	}
}

// synthesisMessages builds the instruction-synthesis oracle request: write
// the behavioral system prompt for a persona.
func synthesisMessages(persona string) []domain.ChatMessage {
	payload, _ := json.Marshal(synthesisPayload{
		PersonaName: persona,
		Instruction: "Write a system prompt for an AI that is acting as this persona.",
	})
	return []domain.ChatMessage{
		{Role: "system", Content: strings.Join([]string{
			"You write system prompts for an AI assistant.",
			"Given the name of a profession or role, you must write a single, clear system prompt",
			"that tells the assistant how to behave as an expert in that profession.",
			"Focus on communication style, goals, and how they should respond to user questions.",
		}, "\n")},
		{Role: "user", Content: string(payload)},
	}
}

// fallbackInstruction is the deterministic instruction used when the
// synthesis oracle fails or returns empty output.
func fallbackInstruction(persona string) string {
	return fmt.Sprintf(
		"You are an AI assistant acting as a professional %s. "+
			"Answer as a knowledgeable, helpful %s, using the tone, priorities, "+
			"and expertise that such a professional would use.",
		persona, persona,
	)
}

// apologeticResponse is the user-visible substitute for a failed
// generation call. The pipeline always answers.
func apologeticResponse(err error) string {
	return fmt.Sprintf("I apologize, but I encountered an error: %v", err)
}

// buildContextMessages assembles the bounded generation context: the
// instruction text leads, then at most maxTurns of prior thread history
// (oldest dropped first), then the new inbound message.
func buildContextMessages(instruction string, history []domain.Turn, message string, maxTurns int) []domain.ChatMessage {
	if maxTurns > 0 && len(history) > maxTurns {
		history = history[len(history)-maxTurns:]
	}

	messages := make([]domain.ChatMessage, 0, len(history)+2)
	messages = append(messages, domain.ChatMessage{Role: "system", Content: instruction})
	for _, turn := range history {
		if turn.Role != domain.RoleUser && turn.Role != domain.RoleAssistant {
			continue
		}
		messages = append(messages, domain.ChatMessage{Role: turn.Role, Content: turn.Text})
	}
	messages = append(messages, domain.ChatMessage{Role: "user", Content: message})
	return messages
}

// parsePersonaSwitch decodes the classification oracle output strictly.
// Callers collapse any error to the keep-current-persona fallback; a
// malformed oracle reply is a degraded mode, not a pipeline failure.
func parsePersonaSwitch(raw string) (personaSwitchResponse, error) {
	var out personaSwitchResponse
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return personaSwitchResponse{}, fmt.Errorf("usecase: decode persona switch: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return personaSwitchResponse{}, errors.New("usecase: decode persona switch: multiple JSON values")
		}
		return personaSwitchResponse{}, fmt.Errorf("usecase: decode persona switch trailing data: %w", err)
	}
	return out, nil
}
