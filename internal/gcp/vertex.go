package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/vertexai/genai"

	"github.com/ymatsuda/drive-triage/internal/models"
)

// --- Classifier Model Prompts ---
const ClassifierSystemPrompt = "You are a document filing assistant. Your task is to look at a single business document, decide which category it belongs to, and propose a short descriptive file name. You must output your response as a single valid JSON object."

const classifierUserPromptTemplate = `Examine the attached document and produce a JSON object with exactly two keys:

- "category": one of the following values, copied verbatim:
%s
- "fileName": a short descriptive name for the document in its own language, without any file extension. Example: "電気代_請求書".

Pick the category that best matches the document's purpose. If none of the specific categories fit, use the last (catch-all) category. Output ONLY the JSON object, with no surrounding text or code fences.`

// classifyTimeout bounds the Vertex AI call. Document payloads are large, so
// this is looser than the control-plane timeouts elsewhere.
const classifyTimeout = 30 * time.Second

// ClassifierClient holds the pre-configured generative model used to triage
// inbox documents.
type ClassifierClient struct {
	model      *genai.GenerativeModel
	baseClient *genai.Client
}

// NewClassifierClient creates a classifier backed by Vertex AI.
func NewClassifierClient(ctx context.Context, projectID, region, modelName string) (*ClassifierClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewClassifierClient: projectID and region cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	model := baseClient.GenerativeModel(modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(ClassifierSystemPrompt)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		// Force JSON output; the scanner parses this response structurally.
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	return &ClassifierClient{model: model, baseClient: baseClient}, nil
}

// Classify sends the document bytes to the model and parses its JSON answer.
// Every failure shape (transport, empty response, malformed JSON) comes back
// as a models.ClassificationFailure; the caller decides what that means for
// the document.
func (c *ClassifierClient) Classify(ctx context.Context, data []byte, mimeType string) (models.Classification, error) {
	ctx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	prompt := genai.Text(fmt.Sprintf(classifierUserPromptTemplate, categoryBullets()))
	filePart := genai.Blob{MIMEType: mimeType, Data: data}

	resp, err := c.model.GenerateContent(ctx, filePart, prompt)
	if err != nil {
		return models.Classification{}, &models.ClassificationFailure{Reason: "API error", Cause: err}
	}

	raw := extractText(resp)
	if raw == "" {
		return models.Classification{}, &models.ClassificationFailure{Reason: "empty model response"}
	}

	var result models.Classification
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return models.Classification{}, &models.ClassificationFailure{Reason: "malformed model output", Cause: err}
	}
	return result, nil
}

func (c *ClassifierClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}

func categoryBullets() string {
	var b strings.Builder
	for _, cat := range models.Categories {
		fmt.Fprintf(&b, "  - %s\n", cat)
	}
	return b.String()
}

// extractText concatenates the text parts of the first candidate and strips
// any stray code fences.
func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	out := strings.TrimSpace(sb.String())
	out = strings.TrimPrefix(out, "```json")
	out = strings.TrimPrefix(out, "```")
	out = strings.TrimSuffix(out, "```")
	return strings.TrimSpace(out)
}
