package rag

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
)

// ExtractText pulls plain text from an uploaded file based on its media type
// or extension. Unsupported or unparseable files degrade to empty text with
// a warning rather than failing the upload.
func ExtractText(path, mediaType string) string {
	switch {
	case strings.HasPrefix(mediaType, "text/"), hasExt(path, ".txt", ".md", ".markdown"):
		return extractPlain(path, mediaType)
	case mediaType == "application/pdf" || hasExt(path, ".pdf"):
		return extractPDF(path)
	case strings.HasSuffix(mediaType, "wordprocessingml.document") || hasExt(path, ".docx"):
		return extractDocx(path)
	default:
		slog.Warn("No text extractor for file", "path", filepath.Base(path), "media_type", mediaType)
		return ""
	}
}

func hasExt(path string, exts ...string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

var markdownNoise = regexp.MustCompile("(?m)^(#{1,6} |[*_]{1,3}|> |```.*$)")

func extractPlain(path, mediaType string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("Failed to read text file", "path", filepath.Base(path), "error", err)
		return ""
	}
	text := string(data)
	if mediaType == "text/markdown" || hasExt(path, ".md", ".markdown") {
		// Strip heading/emphasis markers; markdown body text carries the content.
		text = markdownNoise.ReplaceAllString(text, "")
	}
	return text
}

func extractPDF(path string) string {
	file, err := os.Open(path)
	if err != nil {
		slog.Warn("Failed to open PDF", "path", filepath.Base(path), "error", err)
		return ""
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return ""
	}
	reader, err := pdf.NewReader(file, info.Size())
	if err != nil {
		slog.Warn("Failed to parse PDF", "path", filepath.Base(path), "error", err)
		return ""
	}

	var parts []string
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, fmt.Sprintf("--- Page %d ---\n%s", pageNum, text))
		}
	}
	return strings.Join(parts, "\n\n")
}

func extractDocx(path string) string {
	doc, err := docx.ReadDocxFile(path)
	if err != nil {
		slog.Warn("Failed to parse docx", "path", filepath.Base(path), "error", err)
		return ""
	}
	defer doc.Close()
	return doc.Editable().GetContent()
}
