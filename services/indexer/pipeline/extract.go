// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianEdge/pkg/logging"
)

// Sanity floor below which PDF text extraction is considered to have
// failed (scanned document) and OCR is attempted.
const (
	minTextChars  = 50
	minAlphaChars = 25
	previewChars  = 500
)

// Extraction is the format-independent result of parsing one file.
type Extraction struct {
	Text      string
	Title     string
	Author    string
	PageCount int
	WordCount int
	CharCount int
	Keywords  []string
	Preview   string
}

// CommandOutput runs a host command and returns its combined output.
// Injected so tests never need an OCR engine on the machine.
type CommandOutput func(ctx context.Context, name string, args ...string) ([]byte, error)

func execOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ocrEngines in preference order. ocrmypdf produces a clean text
// sidecar; tesseract is the broadly-available fallback.
var ocrEngines = []string{"ocrmypdf", "tesseract"}

// Extractor parses raw file bytes by extension.
type Extractor struct {
	run    CommandOutput
	logger *logging.Logger
}

// NewExtractor builds an Extractor. run may be nil.
func NewExtractor(run CommandOutput, logger *logging.Logger) *Extractor {
	if run == nil {
		run = execOutput
	}
	return &Extractor{run: run, logger: logger}
}

// allowedExtensions is the parser allowlist of the scan loop.
var allowedExtensions = map[string]bool{
	".pdf":  true,
	".docx": true,
	".md":   true,
	".txt":  true,
}

// Supported reports whether the scan loop should pick up a file.
func Supported(name string) bool {
	return allowedExtensions[strings.ToLower(filepath.Ext(name))]
}

// Extract dispatches on extension. The extension must be allowlisted.
func (e *Extractor) Extract(ctx context.Context, name string, data []byte) (Extraction, error) {
	var (
		out Extraction
		err error
	)
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		out, err = e.extractPDF(ctx, data)
	case ".docx":
		out, err = e.extractDOCX(data)
	case ".md":
		out, err = e.extractMarkdown(data)
	case ".txt":
		out, err = e.extractPlain(data)
	default:
		return Extraction{}, fmt.Errorf("unsupported extension on %q", name)
	}
	if err != nil {
		return Extraction{}, err
	}

	out.WordCount = len(strings.Fields(out.Text))
	out.CharCount = len([]rune(out.Text))
	out.Preview = preview(out.Text)
	return out, nil
}

// ============================================================================
// PDF
// ============================================================================

func (e *Extractor) extractPDF(ctx context.Context, data []byte) (Extraction, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Extraction{}, fmt.Errorf("open pdf: %w", err)
	}

	var text string
	if plain, err := reader.GetPlainText(); err == nil {
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, plain); err == nil {
			text = buf.String()
		}
	}

	out := Extraction{Text: text, PageCount: reader.NumPage()}
	if trailer := reader.Trailer(); !trailer.IsNull() {
		info := trailer.Key("Info")
		if !info.IsNull() {
			out.Title = info.Key("Title").Text()
			out.Author = info.Key("Author").Text()
		}
	}

	if sparse(text) {
		if ocr, err := e.ocrPDF(ctx, data); err != nil {
			e.logger.Warn("ocr fallback failed, accepting sparse text", "error", err)
		} else {
			out.Text = ocr
		}
	}
	return out, nil
}

// sparse applies the text sanity floor.
func sparse(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < minTextChars {
		return true
	}
	alpha := 0
	for _, r := range trimmed {
		if unicode.IsLetter(r) {
			alpha++
		}
	}
	return alpha < minAlphaChars
}

// ocrPDF routes the document through the first available OCR engine.
func (e *Extractor) ocrPDF(ctx context.Context, data []byte) (string, error) {
	dir, err := os.MkdirTemp("", "edge-ocr-*")
	if err != nil {
		return "", fmt.Errorf("ocr tempdir: %w", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(input, data, 0600); err != nil {
		return "", fmt.Errorf("stage ocr input: %w", err)
	}

	var lastErr error
	for _, engine := range ocrEngines {
		text, err := e.runEngine(ctx, engine, dir, input)
		if err == nil {
			e.logger.Info("ocr extraction succeeded", "engine", engine, "chars", len(text))
			return text, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("no ocr engine available: %w", lastErr)
}

func (e *Extractor) runEngine(ctx context.Context, engine, dir, input string) (string, error) {
	switch engine {
	case "ocrmypdf":
		sidecar := filepath.Join(dir, "sidecar.txt")
		output := filepath.Join(dir, "output.pdf")
		if out, err := e.run(ctx, "ocrmypdf", "--sidecar", sidecar, "--force-ocr", input, output); err != nil {
			return "", fmt.Errorf("ocrmypdf: %w: %s", err, firstLine(out))
		}
		raw, err := os.ReadFile(sidecar)
		if err != nil {
			return "", fmt.Errorf("read ocrmypdf sidecar: %w", err)
		}
		return string(raw), nil
	case "tesseract":
		base := filepath.Join(dir, "tess")
		if out, err := e.run(ctx, "tesseract", input, base, "-l", "deu+eng"); err != nil {
			return "", fmt.Errorf("tesseract: %w: %s", err, firstLine(out))
		}
		raw, err := os.ReadFile(base + ".txt")
		if err != nil {
			return "", fmt.Errorf("read tesseract output: %w", err)
		}
		return string(raw), nil
	default:
		return "", fmt.Errorf("unknown ocr engine %q", engine)
	}
}

func firstLine(out []byte) string {
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return line
}

// ============================================================================
// DOCX
// ============================================================================

// Minimal WordprocessingML shapes; only what extraction needs.
type docxBody struct {
	Paragraphs []docxParagraph `xml:"body>p"`
	Tables     []docxTable     `xml:"body>tbl"`
}

type docxParagraph struct {
	Runs []string `xml:"r>t"`
}

type docxTable struct {
	Rows []docxRow `xml:"tr"`
}

type docxRow struct {
	Cells []docxCell `xml:"tc"`
}

type docxCell struct {
	Paragraphs []docxParagraph `xml:"p"`
}

type docxCoreProps struct {
	Title   string `xml:"title"`
	Creator string `xml:"creator"`
}

func (e *Extractor) extractDOCX(data []byte) (Extraction, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Extraction{}, fmt.Errorf("open docx: %w", err)
	}

	var out Extraction
	for _, file := range archive.File {
		switch file.Name {
		case "word/document.xml":
			raw, err := readZipFile(file)
			if err != nil {
				return Extraction{}, fmt.Errorf("read document.xml: %w", err)
			}
			var body docxBody
			if err := xml.Unmarshal(raw, &body); err != nil {
				return Extraction{}, fmt.Errorf("parse document.xml: %w", err)
			}
			out.Text = renderDOCX(body)
		case "docProps/core.xml":
			raw, err := readZipFile(file)
			if err != nil {
				continue
			}
			var props docxCoreProps
			if xml.Unmarshal(raw, &props) == nil {
				out.Title = props.Title
				out.Author = props.Creator
			}
		}
	}
	if out.Text == "" {
		return Extraction{}, fmt.Errorf("docx has no word/document.xml body")
	}
	return out, nil
}

func renderDOCX(body docxBody) string {
	var b strings.Builder
	for _, p := range body.Paragraphs {
		line := strings.Join(p.Runs, "")
		if strings.TrimSpace(line) == "" {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n\n")
	}
	for _, table := range body.Tables {
		for _, row := range table.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				var cellText []string
				for _, p := range cell.Paragraphs {
					cellText = append(cellText, strings.Join(p.Runs, ""))
				}
				cells = append(cells, strings.TrimSpace(strings.Join(cellText, " ")))
			}
			b.WriteString(strings.Join(cells, " | "))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func readZipFile(file *zip.File) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// ============================================================================
// Markdown
// ============================================================================

// frontMatter is the recognized YAML header subset.
type frontMatter struct {
	Title    string   `yaml:"title"`
	Author   string   `yaml:"author"`
	Keywords []string `yaml:"keywords"`
	Tags     []string `yaml:"tags"`
}

func (e *Extractor) extractMarkdown(data []byte) (Extraction, error) {
	text, err := decodeText(data)
	if err != nil {
		return Extraction{}, err
	}

	var out Extraction
	if body, header, ok := splitFrontMatter(text); ok {
		var fm frontMatter
		if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
			e.logger.Warn("unparseable markdown front matter ignored", "error", err)
		} else {
			out.Title = fm.Title
			out.Author = fm.Author
			out.Keywords = fm.Keywords
			if len(out.Keywords) == 0 {
				out.Keywords = fm.Tags
			}
		}
		text = body
	}
	out.Text = text

	if out.Title == "" {
		for _, line := range strings.Split(text, "\n") {
			trimmed := strings.TrimSpace(line)
			if after, ok := strings.CutPrefix(trimmed, "# "); ok {
				out.Title = strings.TrimSpace(after)
				break
			}
		}
	}
	return out, nil
}

// splitFrontMatter returns (body, header, true) when text opens with a
// `---` fenced YAML block.
func splitFrontMatter(text string) (string, string, bool) {
	if !strings.HasPrefix(text, "---\n") && !strings.HasPrefix(text, "---\r\n") {
		return text, "", false
	}
	rest := text[strings.Index(text, "\n")+1:]
	for _, fence := range []string{"\n---\n", "\n---\r\n"} {
		if idx := strings.Index(rest, fence); idx >= 0 {
			return rest[idx+len(fence):], rest[:idx], true
		}
	}
	return text, "", false
}

// ============================================================================
// Plain text
// ============================================================================

func (e *Extractor) extractPlain(data []byte) (Extraction, error) {
	text, err := decodeText(data)
	if err != nil {
		return Extraction{}, err
	}
	return Extraction{Text: text}, nil
}

// decodeText tries UTF-8, then Latin-1, then CP1252. Latin-1 is rejected
// when the C1 control range appears, which in practice means the file is
// CP1252.
func decodeText(data []byte) (string, error) {
	if utf8.Valid(data) {
		return string(data), nil
	}
	hasC1 := false
	for _, b := range data {
		if b >= 0x80 && b <= 0x9f {
			hasC1 = true
			break
		}
	}
	if !hasC1 {
		return decodeLatin1(data), nil
	}
	return decodeCP1252(data), nil
}

func decodeLatin1(data []byte) string {
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}

// cp1252Extras maps the C1 range to Windows-1252 glyphs; unmapped slots
// fall back to U+FFFD.
var cp1252Extras = map[byte]rune{
	0x80: '€', 0x82: '‚', 0x83: 'ƒ', 0x84: '„', 0x85: '…', 0x86: '†',
	0x87: '‡', 0x88: 'ˆ', 0x89: '‰', 0x8a: 'Š', 0x8b: '‹', 0x8c: 'Œ',
	0x8e: 'Ž', 0x91: '‘', 0x92: '’', 0x93: '“', 0x94: '”', 0x95: '•',
	0x96: '–', 0x97: '—', 0x98: '˜', 0x99: '™', 0x9a: 'š', 0x9b: '›',
	0x9c: 'œ', 0x9e: 'ž', 0x9f: 'Ÿ',
}

func decodeCP1252(data []byte) string {
	runes := make([]rune, len(data))
	for i, b := range data {
		if b >= 0x80 && b <= 0x9f {
			if r, ok := cp1252Extras[b]; ok {
				runes[i] = r
			} else {
				runes[i] = utf8.RuneError
			}
			continue
		}
		runes[i] = rune(b)
	}
	return string(runes)
}

func preview(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) > previewChars {
		runes = runes[:previewChars]
	}
	return string(runes)
}
