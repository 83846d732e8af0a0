package media

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const genericMime = "application/octet-stream"

// DetectMime picks a content type from sniffed bytes, then the transport header,
// then the file extension. Parameters such as charset are dropped.
func DetectMime(prefix []byte, headerMime string, filePath string) string {
	if len(prefix) > 0 {
		if detected := baseMime(mimetype.Detect(prefix).String()); detected != "" && detected != genericMime {
			return detected
		}
	}

	if header := baseMime(headerMime); header != "" && header != genericMime {
		return header
	}

	if ext := filepath.Ext(filePath); ext != "" {
		if byExt := baseMime(mime.TypeByExtension(strings.ToLower(ext))); byExt != "" {
			return byExt
		}
	}

	return genericMime
}

// ExtensionForMime returns the canonical extension for mimeType, or fallback
// when the type is generic or unknown.
func ExtensionForMime(mimeType string, fallback string) string {
	if mimeType != "" && mimeType != genericMime {
		if known := mimetype.Lookup(mimeType); known != nil && known.Extension() != "" {
			return known.Extension()
		}
		if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}

	return strings.ToLower(fallback)
}

// Kind groups a content type for delivery: image, audio, video or document.
func Kind(mimeType string) string {
	major, _, _ := strings.Cut(baseMime(mimeType), "/")
	switch major {
	case "image", "audio", "video":
		return major
	default:
		return "document"
	}
}

func baseMime(value string) string {
	base, _, _ := strings.Cut(value, ";")
	return strings.ToLower(strings.TrimSpace(base))
}
