// Package pdftool provides the pdf_extract reference tool used by the
// create-PO-from-PDF human-in-the-loop scenario: it pulls plain text out of
// an attached PDF so a planner agent can prefill a form from it.
package pdftool

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"

	"github.com/n0iac/agentcore/core"
)

// ExtractTool reads a PDF attachment out of the ArtifactStore and returns
// its plain text. It is idempotent: re-extracting the same attachment
// yields the same text, so it is safe to retry without gating.
type ExtractTool struct{}

// NewExtractTool constructs a pdf_extract tool.
func NewExtractTool() *ExtractTool { return &ExtractTool{} }

func (t *ExtractTool) Name() string { return "pdf_extract" }

func (t *ExtractTool) Description() string {
	return "Extracts plain text from a PDF attachment previously saved to the artifact store."
}

func (t *ExtractTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"artifact_id": map[string]interface{}{
				"type":        "string",
				"description": "Artifact id of the PDF attachment to extract text from.",
			},
		},
		"required": []string{"artifact_id"},
	}
}

func (t *ExtractTool) Call(toolCtx *core.ToolContext, args map[string]interface{}) (interface{}, error) {
	artifactID, ok := args["artifact_id"].(string)
	if !ok || artifactID == "" {
		return nil, &toolValidationError{field: "artifact_id"}
	}

	data, err := toolCtx.LoadArtifact(artifactID)
	if err != nil {
		return nil, fmt.Errorf("load artifact %q: %w", artifactID, err)
	}

	text, err := extractText(data)
	if err != nil {
		return nil, fmt.Errorf("extract text from %q: %w", artifactID, err)
	}

	return map[string]interface{}{
		"artifact_id": artifactID,
		"text":        text,
		"success":     true,
	}, nil
}

func extractText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	totalPages := reader.NumPage()
	for pageIndex := 1; pageIndex <= totalPages; pageIndex++ {
		page := reader.Page(pageIndex)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		buf.WriteString(text)
		buf.WriteString("\n")
	}
	return buf.String(), nil
}

type toolValidationError struct{ field string }

func (e *toolValidationError) Error() string {
	return fmt.Sprintf("%s parameter is required", e.field)
}
