package reasoningmemory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// ChatMessage mirrors the teacher's minimal role/content chat shape.
type ChatMessage struct {
	Role    string
	Content string
}

// LLM is the narrow capability extraction needs: message-in, string-out.
type LLM interface {
	Chat(ctx context.Context, messages []ChatMessage, systemPrompt string) (string, error)
}

// rawExtraction mirrors the JSON object the LLM is asked to emit per lesson.
type rawExtraction struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Content     string `json:"content"`
	Category    string `json:"category"`
}

const extractionSystemPrompt = `You distill reusable lessons from a task execution trajectory.
Respond with a JSON array of 0 to N objects, each shaped exactly as:
{"title": "...", "description": "...", "content": "...", "category": "error_pattern|fix_strategy|api_usage|general_strategy|generation_pattern"}
Do not include any keys other than title, description, content, category. Respond with the JSON array only.`

// extract asks the LLM for up to maxN lessons from prompt, parses the JSON
// array, and drops any object carrying unrecognised keys or failing
// Validate -- malformed or unsafe entries are dropped, never surfaced.
func (svc *Service) extract(ctx context.Context, prompt string, source Source, templateID, taskID string, maxN int) ([]*Memory, error) {
	response, err := svc.llm.Chat(ctx, []ChatMessage{{Role: "user", Content: prompt}}, extractionSystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("extraction LLM call: %w", err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(response), &raw); err != nil {
		return nil, fmt.Errorf("parse extraction response: %w", err)
	}

	var out []*Memory
	for _, item := range raw {
		if len(out) >= maxN {
			break
		}
		var r rawExtraction
		dec := json.NewDecoder(bytes.NewReader(item))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&r); err != nil {
			continue
		}
		mem := &Memory{
			ID:          svc.idgen(),
			Title:       r.Title,
			Description: r.Description,
			Content:     r.Content,
			Category:    Category(r.Category),
			Source:      source,
			TemplateID:  templateID,
			TaskID:      taskID,
		}
		if err := Validate(mem); err != nil {
			continue
		}
		out = append(out, mem)
	}
	return out, nil
}

func trajectoryExtractionPrompt(label string, t Trajectory) string {
	errText := ""
	if t.Error != nil {
		errText = fmt.Sprintf("ERROR: %s: %s (step %s)\n", t.Error.Type, t.Error.Message, t.Error.Step)
	}
	return fmt.Sprintf("OUTCOME: %s\nTEMPLATE: %s\nPARAMETERS: %v\nSTEPS: %v\n%sRESOURCE_USAGE: %v",
		label, t.TemplateID, t.Parameters, t.Steps, errText, t.ResourceUsage)
}
