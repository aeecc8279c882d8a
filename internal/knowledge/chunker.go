package knowledge

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// DefaultChunkSize is the section length above which a section is split on paragraphs.
const DefaultChunkSize = 500

// introductionTitle names the text that precedes the first heading.
const introductionTitle = "Introduction"

// Chunk is one indexed piece of an SOP document.
type Chunk struct {
	ID      string
	Source  string
	Title   string
	Content string
}

// Chunker splits Markdown documents into sections at level-1 and level-2 headings.
type Chunker struct {
	markdown goldmark.Markdown
	size     int
}

// NewChunker creates a Chunker. A size <= 0 uses DefaultChunkSize.
func NewChunker(size int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &Chunker{
		markdown: goldmark.New(),
		size:     size,
	}
}

// Size returns the paragraph-split threshold.
func (c *Chunker) Size() int {
	return c.size
}

type section struct {
	start int
	title string
}

// Split parses content and returns its chunks in document order.
// Headings inside code fences or deeper than level 2 do not start a section.
func (c *Chunker) Split(source string, content []byte) []Chunk {
	doc := c.markdown.Parser().Parse(text.NewReader(content))

	var sections []section
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		heading, ok := n.(*ast.Heading)
		if !ok || heading.Level > 2 || heading.Lines().Len() == 0 {
			continue
		}
		sections = append(sections, section{
			start: lineStart(content, heading.Lines().At(0).Start),
			title: extractText(heading, content),
		})
	}

	if len(sections) == 0 || sections[0].start > 0 {
		sections = append([]section{{start: 0, title: introductionTitle}}, sections...)
	}

	var chunks []Chunk
	for i, s := range sections {
		end := len(content)
		if i+1 < len(sections) {
			end = sections[i+1].start
		}
		body := string(content[s.start:end])
		if strings.TrimSpace(body) == "" {
			continue
		}
		title := s.title
		if title == "" {
			title = introductionTitle
		}

		if len(body) > c.size {
			chunks = append(chunks, c.splitLarge(source, title, body)...)
			continue
		}
		chunks = append(chunks, newChunk(source, title, strings.TrimSpace(body)))
	}
	return chunks
}

// splitLarge packs paragraphs into chunks shorter than the chunk size.
// A single paragraph longer than the limit still becomes one chunk.
func (c *Chunker) splitLarge(source, title, body string) []Chunk {
	var (
		chunks  []Chunk
		current strings.Builder
		part    int
	)
	flush := func() {
		if strings.TrimSpace(current.String()) == "" {
			return
		}
		part++
		chunks = append(chunks, newChunk(source, fmt.Sprintf("%s (Part %d)", title, part), strings.TrimSpace(current.String())))
	}

	for _, para := range strings.Split(body, "\n\n") {
		if current.Len()+len(para) < c.size {
			current.WriteString(para)
			current.WriteString("\n\n")
			continue
		}
		flush()
		current.Reset()
		current.WriteString(para)
		current.WriteString("\n\n")
	}
	flush()
	return chunks
}

func newChunk(source, title, content string) Chunk {
	return Chunk{
		ID:      chunkID(source, title, content),
		Source:  source,
		Title:   title,
		Content: content,
	}
}

// chunkID is a short content hash, so re-indexing an unchanged file yields the same ids.
func chunkID(source, title, content string) string {
	sum := sha256.Sum256([]byte(source + "\x00" + title + "\x00" + content))
	return hex.EncodeToString(sum[:8])
}

// lineStart moves offset back to the beginning of its line, so a section
// includes its heading marker.
func lineStart(content []byte, offset int) int {
	if offset > len(content) {
		offset = len(content)
	}
	if i := bytes.LastIndexByte(content[:offset], '\n'); i >= 0 {
		return i + 1
	}
	return 0
}

// extractText gathers the text of all descendants of n.
func extractText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := child.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(source))
			if t.SoftLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.String:
			buf.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(buf.String())
}
