// Package ingest turns uploaded book files into a book's passage index:
// extract text, chunk it with overlap, embed the chunks, and replace the
// stored index.
package ingest

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// section is a contiguous stretch of extracted text with provenance the
// chunker folds into passage metadata.
type section struct {
	Text string
	Meta map[string]string
}

// extractSections pulls text out of a book file. The format is picked from
// the key's extension; anything unrecognized is treated as plain text.
func extractSections(key string, data []byte) ([]section, error) {
	switch strings.ToLower(path.Ext(key)) {
	case ".pdf":
		return extractPDF(data)
	case ".epub":
		return extractEPUB(data)
	default:
		text := normalizeText(string(data))
		if text == "" {
			return nil, fmt.Errorf("no text in file")
		}
		return []section{{Text: text}}, nil
	}
}

func extractPDF(data []byte) ([]section, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	var sections []section
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip unreadable pages rather than failing the whole book.
			continue
		}
		text = normalizeText(text)
		if text == "" {
			continue
		}
		sections = append(sections, section{
			Text: text,
			Meta: map[string]string{"page": strconv.Itoa(i)},
		})
	}
	if len(sections) == 0 {
		return nil, fmt.Errorf("no text extracted from pdf")
	}
	return sections, nil
}

func extractEPUB(data []byte) ([]section, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open epub: %w", err)
	}
	var sections []section
	for _, file := range reader.File {
		name := strings.ToLower(file.Name)
		if !strings.HasSuffix(name, ".xhtml") && !strings.HasSuffix(name, ".html") && !strings.HasSuffix(name, ".htm") {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("open epub entry %s: %w", file.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read epub entry %s: %w", file.Name, err)
		}
		doc, err := html.Parse(bytes.NewReader(content))
		if err != nil {
			return nil, fmt.Errorf("parse epub entry %s: %w", file.Name, err)
		}
		text := normalizeText(htmlText(doc))
		if text == "" {
			continue
		}
		sections = append(sections, section{
			Text: text,
			Meta: map[string]string{"section": path.Base(file.Name)},
		})
	}
	if len(sections) == 0 {
		return nil, fmt.Errorf("no text extracted from epub")
	}
	return sections, nil
}

// normalizeText collapses all whitespace runs to single spaces and strips
// invalid UTF-8 and NUL bytes.
func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	return strings.Join(strings.Fields(text), " ")
}

func htmlText(root *html.Node) string {
	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		switch node.Type {
		case html.TextNode:
			buf.WriteString(node.Data)
			buf.WriteString(" ")
		case html.ElementNode:
			if node.Data == "script" || node.Data == "style" {
				return
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
		if node.Type == html.ElementNode {
			switch node.Data {
			case "p", "br", "div", "li":
				buf.WriteString(" ")
			}
		}
	}
	walk(root)
	return buf.String()
}
