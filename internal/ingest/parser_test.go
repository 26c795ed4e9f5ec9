package ingest

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"
)

func TestExtractSectionsPlainText(t *testing.T) {
	sections, err := extractSections("books/b1.txt", []byte("  line one\n\nline\ttwo  "))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(sections) != 1 {
		t.Fatalf("got %d sections, want 1", len(sections))
	}
	if sections[0].Text != "line one line two" {
		t.Fatalf("text = %q", sections[0].Text)
	}
}

func TestExtractSectionsEmptyText(t *testing.T) {
	if _, err := extractSections("books/b1.txt", []byte("   \n\t ")); err == nil {
		t.Fatal("expected error for empty file")
	}
}

func TestExtractSectionsUnknownExtensionFallsBackToText(t *testing.T) {
	sections, err := extractSections("books/b1.md", []byte("# Title\n\nBody text."))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !strings.Contains(sections[0].Text, "Body text.") {
		t.Fatalf("text = %q", sections[0].Text)
	}
}

func buildEPUB(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create zip entry: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("write zip entry: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func TestExtractSectionsEPUB(t *testing.T) {
	data := buildEPUB(t, map[string]string{
		"OEBPS/chapter1.xhtml": "<html><body><p>First chapter text.</p><script>ignored()</script></body></html>",
		"OEBPS/chapter2.html":  "<html><body><div>Second chapter text.</div></body></html>",
		"OEBPS/styles.css":     "p { margin: 0 }",
		"mimetype":             "application/epub+zip",
	})

	sections, err := extractSections("books/b1.epub", data)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(sections) != 2 {
		t.Fatalf("got %d sections, want 2", len(sections))
	}
	joined := sections[0].Text + " " + sections[1].Text
	if !strings.Contains(joined, "First chapter text.") || !strings.Contains(joined, "Second chapter text.") {
		t.Fatalf("sections = %q", joined)
	}
	if strings.Contains(joined, "ignored") {
		t.Fatal("script content leaked into extracted text")
	}
	for _, sec := range sections {
		if sec.Meta["section"] == "" {
			t.Fatalf("missing section metadata: %+v", sec.Meta)
		}
	}
}

func TestExtractSectionsEPUBNoMarkup(t *testing.T) {
	data := buildEPUB(t, map[string]string{"mimetype": "application/epub+zip"})
	if _, err := extractSections("books/b1.epub", data); err == nil {
		t.Fatal("expected error for epub without html entries")
	}
}

func TestExtractSectionsCorruptEPUB(t *testing.T) {
	if _, err := extractSections("books/b1.epub", []byte("not a zip")); err == nil {
		t.Fatal("expected error for corrupt epub")
	}
}

func TestNormalizeTextStripsNulAndInvalidUTF8(t *testing.T) {
	got := normalizeText("a\x00b \xffc")
	if strings.ContainsRune(got, 0) {
		t.Fatal("NUL byte survived")
	}
	if !strings.HasPrefix(got, "a b") {
		t.Fatalf("got %q", got)
	}
}
