package reply

import (
	"encoding/json"
	"strings"

	"chatrelay/pkg/config"
)

const mediaLinePrefix = "MEDIA:"

// responderOutput is the interpreted stdout of a responder command.
type responderOutput struct {
	Text      string
	Media     []string
	SessionID string
}

// jsonEnvelope is the shape emitted by responders run with a JSON output format.
type jsonEnvelope struct {
	Result    *string `json:"result"`
	Text      *string `json:"text"`
	SessionID string  `json:"session_id"`
	IsError   bool    `json:"is_error"`
}

// parseOutput interprets stdout per format. JSON that does not decode falls back
// to plain text. MEDIA: lines are lifted out of the text in both formats.
func parseOutput(stdout string, format string) responderOutput {
	var out responderOutput
	text := stdout

	if format == config.OutputFormatJSON {
		if envelope, ok := decodeEnvelope(stdout); ok {
			out.SessionID = strings.TrimSpace(envelope.SessionID)
			switch {
			case envelope.Result != nil:
				text = *envelope.Result
			case envelope.Text != nil:
				text = *envelope.Text
			default:
				text = ""
			}
		}
	}

	out.Text, out.Media = extractMediaLines(text)
	return out
}

// decodeEnvelope accepts a single JSON object, or a stream whose last object
// carries the result.
func decodeEnvelope(stdout string) (jsonEnvelope, bool) {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return jsonEnvelope{}, false
	}

	var envelope jsonEnvelope
	if err := json.Unmarshal([]byte(trimmed), &envelope); err == nil {
		return envelope, true
	}

	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var candidate jsonEnvelope
		if err := json.Unmarshal([]byte(line), &candidate); err == nil && (candidate.Result != nil || candidate.Text != nil) {
			return candidate, true
		}
	}

	return jsonEnvelope{}, false
}

// extractMediaLines removes lines of the form "MEDIA: <ref>" and returns the refs.
func extractMediaLines(text string) (string, []string) {
	if !strings.Contains(text, mediaLinePrefix) {
		return strings.TrimSpace(text), nil
	}

	var media []string
	kept := make([]string, 0)
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if ref, ok := strings.CutPrefix(trimmed, mediaLinePrefix); ok {
			if ref = strings.Trim(strings.TrimSpace(ref), "`\"'"); ref != "" {
				media = append(media, ref)
			}
			continue
		}
		kept = append(kept, line)
	}

	return strings.TrimSpace(strings.Join(kept, "\n")), media
}
