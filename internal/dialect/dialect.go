// Package dialect translates between the OpenAI chat-completions wire
// format and Google's generateContent format, at the payload boundary only
// (C7). Everything upstream of the Relay Channel always speaks Google.
package dialect

import (
	"encoding/json"
	"fmt"
	"strings"
)

var harmCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

type openAIMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

// ChatRequest is the subset of the OpenAI chat-completions request body
// this translator understands.
type ChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	TopK        *int            `json:"top_k,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Stop        json.RawMessage `json:"stop,omitempty"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
	Thought    bool        `json:"thought,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type thinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
}

type generationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	MaxOutputTokens *int            `json:"maxOutputTokens,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *thinkingConfig `json:"thinkingConfig,omitempty"`
}

type safetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// GoogleRequest is the generateContent/streamGenerateContent request body.
type GoogleRequest struct {
	SystemInstruction *content        `json:"systemInstruction,omitempty"`
	Contents          []content       `json:"contents"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	SafetySettings    []safetySetting `json:"safetySettings"`
}

// RequestToGoogle translates an OpenAI chat-completions request body into a
// Google generateContent body, returning the model name for endpoint
// construction. includeThoughts forces thinkingConfig.includeThoughts=true
// in addition to whatever the request already specified.
func RequestToGoogle(body []byte, includeThoughts bool) (out []byte, model string, err error) {
	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, "", fmt.Errorf("parse openai request: %w", err)
	}

	var systemParts []string
	var contents []content
	for _, m := range req.Messages {
		if m.Role == "system" {
			if text, ok := asPlainText(m.Content); ok {
				systemParts = append(systemParts, text)
			}
			continue
		}
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		parts, err := contentToParts(m.Content)
		if err != nil {
			return nil, "", err
		}
		contents = append(contents, content{Role: role, Parts: parts})
	}

	gr := GoogleRequest{Contents: contents}
	if len(systemParts) > 0 {
		gr.SystemInstruction = &content{Parts: []part{{Text: strings.Join(systemParts, "\n")}}}
	}

	gc := &generationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		TopK:            req.TopK,
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   parseStop(req.Stop),
	}
	if includeThoughts {
		gc.ThinkingConfig = &thinkingConfig{IncludeThoughts: true}
	}
	gr.GenerationConfig = gc

	for _, cat := range harmCategories {
		gr.SafetySettings = append(gr.SafetySettings, safetySetting{Category: cat, Threshold: "BLOCK_NONE"})
	}

	out, err = json.Marshal(gr)
	if err != nil {
		return nil, "", err
	}
	return out, req.Model, nil
}

// Endpoint builds the generateContent/streamGenerateContent path for model.
func Endpoint(model string, stream bool) string {
	if stream {
		return fmt.Sprintf("/v1beta/models/%s:streamGenerateContent?alt=sse", model)
	}
	return fmt.Sprintf("/v1beta/models/%s:generateContent", model)
}

func asPlainText(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var parts []openAIContentPart
	if err := json.Unmarshal(raw, &parts); err == nil {
		var sb strings.Builder
		for _, p := range parts {
			if p.Type == "text" || (p.Type == "" && p.Text != "") {
				sb.WriteString(p.Text)
			}
		}
		return sb.String(), true
	}
	return "", false
}

func contentToParts(raw json.RawMessage) ([]part, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []part{{Text: s}}, nil
	}

	var openAIParts []openAIContentPart
	if err := json.Unmarshal(raw, &openAIParts); err != nil {
		return nil, fmt.Errorf("parse message content: %w", err)
	}
	var out []part
	for _, p := range openAIParts {
		switch p.Type {
		case "text":
			out = append(out, part{Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			mime, data, ok := parseDataURL(p.ImageURL.URL)
			if !ok {
				continue // non-data URLs are dropped per spec
			}
			out = append(out, part{InlineData: &inlineData{MimeType: mime, Data: data}})
		}
	}
	return out, nil
}

func parseDataURL(url string) (mime, data string, ok bool) {
	const prefix = "data:"
	if !strings.HasPrefix(url, prefix) {
		return "", "", false
	}
	rest := url[len(prefix):]
	semi := strings.IndexByte(rest, ';')
	comma := strings.IndexByte(rest, ',')
	if semi < 0 || comma < 0 || comma < semi {
		return "", "", false
	}
	return rest[:semi], rest[comma+1:], true
}

func parseStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	return nil
}

type googleCandidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type googleChunk struct {
	Candidates []googleCandidate `json:"candidates"`
}

// StreamChunkToOpenAI translates one Google SSE data frame (optionally
// prefixed with "data: ") into an OpenAI chat.completion.chunk SSE line.
// suppressed is true when the frame carries nothing worth forwarding.
func StreamChunkToOpenAI(raw, requestID, model string) (line string, suppressed bool) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "data:")
	trimmed = strings.TrimSpace(trimmed)
	if trimmed == "" || trimmed == "[DONE]" {
		return "", true
	}

	var chunk googleChunk
	if err := json.Unmarshal([]byte(trimmed), &chunk); err != nil || len(chunk.Candidates) == 0 {
		return "", true
	}
	cand := chunk.Candidates[0]

	var contentBuf, reasoningBuf strings.Builder
	for _, p := range cand.Content.Parts {
		switch {
		case p.Thought:
			reasoningBuf.WriteString(p.Text)
		case p.InlineData != nil:
			contentBuf.WriteString("![Image]")
		default:
			contentBuf.WriteString(p.Text)
		}
	}

	if contentBuf.Len() == 0 && reasoningBuf.Len() == 0 && cand.FinishReason == "" {
		return "", true
	}

	delta := map[string]any{}
	if contentBuf.Len() > 0 {
		delta["content"] = contentBuf.String()
	}
	if reasoningBuf.Len() > 0 {
		delta["reasoning_content"] = reasoningBuf.String()
	}

	var finishReason any
	if cand.FinishReason != "" {
		finishReason = cand.FinishReason
	}

	out := map[string]any{
		"id":      "chatcmpl-" + requestID,
		"object":  "chat.completion.chunk",
		"model":   model,
		"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": finishReason}},
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", true
	}
	return "data: " + string(b) + "\n\n", false
}

// NonStreamToOpenAI translates a fully-buffered Google generateContent JSON
// response into an OpenAI chat.completion object.
func NonStreamToOpenAI(buffered []byte, requestID, model string) ([]byte, error) {
	var resp struct {
		Candidates []googleCandidate `json:"candidates"`
	}
	if err := json.Unmarshal(buffered, &resp); err != nil {
		return nil, fmt.Errorf("parse google response: %w", err)
	}

	finishReason := "UNKNOWN"
	var contentBuf, reasoningBuf strings.Builder
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		if cand.FinishReason != "" {
			finishReason = cand.FinishReason
		}
		for _, p := range cand.Content.Parts {
			switch {
			case p.Thought:
				reasoningBuf.WriteString(p.Text)
			case p.InlineData != nil:
				contentBuf.WriteString(fmt.Sprintf("![Image](data:%s;base64,%s)", p.InlineData.MimeType, p.InlineData.Data))
			default:
				contentBuf.WriteString(p.Text)
			}
		}
	}

	var reasoning any
	if reasoningBuf.Len() > 0 {
		reasoning = reasoningBuf.String()
	}

	out := map[string]any{
		"id":      "chatcmpl-" + requestID,
		"object":  "chat.completion",
		"model":   model,
		"choices": []map[string]any{{
			"index": 0,
			"message": map[string]any{
				"role":              "assistant",
				"content":           contentBuf.String(),
				"reasoning_content": reasoning,
			},
			"finish_reason": finishReason,
		}},
	}
	return json.Marshal(out)
}

// RewriteInlineImages walks a native (non-translated) Google generateContent
// JSON response and rewrites any inlineData part in place to a Markdown
// image Data URI, for the plain non-streaming passthrough path.
func RewriteInlineImages(raw []byte) []byte {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return raw
	}
	candidates, _ := doc["candidates"].([]any)
	for _, c := range candidates {
		cand, _ := c.(map[string]any)
		if cand == nil {
			continue
		}
		contentMap, _ := cand["content"].(map[string]any)
		if contentMap == nil {
			continue
		}
		parts, _ := contentMap["parts"].([]any)
		for _, p := range parts {
			partMap, _ := p.(map[string]any)
			if partMap == nil {
				continue
			}
			inline, _ := partMap["inlineData"].(map[string]any)
			if inline == nil {
				continue
			}
			mime, _ := inline["mimeType"].(string)
			data, _ := inline["data"].(string)
			delete(partMap, "inlineData")
			partMap["text"] = fmt.Sprintf("![Image](data:%s;base64,%s)", mime, data)
		}
	}
	rewritten, err := json.Marshal(doc)
	if err != nil {
		return raw
	}
	return rewritten
}
