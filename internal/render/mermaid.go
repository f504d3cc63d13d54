package render

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const mermaidViewerBase = "https://mermaid.live/edit#pako:"

// mermaidPayload is the document shape the live viewer expects in its URL
// fragment.
type mermaidPayload struct {
	Code    string `json:"code"`
	Mermaid string `json:"mermaid"`
}

// DiagramURL deep-links a mermaid source block to the external diagram
// renderer: the code is wrapped in the viewer's JSON envelope, deflated and
// base64url-encoded into the URL fragment.
func DiagramURL(code string) (string, error) {
	payload, err := json.Marshal(mermaidPayload{
		Code:    code,
		Mermaid: `{"theme":"default"}`,
	})
	if err != nil {
		return "", fmt.Errorf("marshal diagram payload: %w", err)
	}

	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return "", fmt.Errorf("init diagram compressor: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return "", fmt.Errorf("compress diagram payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("flush diagram payload: %w", err)
	}

	return mermaidViewerBase + base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}
