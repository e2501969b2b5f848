// Package richtext converts legacy plain-text bodies into the editor's
// native block representation and back.
//
// A document body is a list of blocks. Each block is stored in the
// replica's root container as one JSON payload.
package richtext

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Block types produced by FromPlainText.
const (
	TypeParagraph    = "paragraph"
	TypeHeading      = "heading"
	TypeBulletItem   = "bulletListItem"
	TypeNumberedItem = "numberedListItem"
	TypeCode         = "codeBlock"
)

// Block is one node of the rich representation.
type Block struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Props    map[string]any `json:"props,omitempty"`
	Content  []Inline       `json:"content"`
	Children []Block        `json:"children"`
}

// Inline is a styled text run.
type Inline struct {
	Type   string          `json:"type"`
	Text   string          `json:"text"`
	Styles map[string]bool `json:"styles"`
}

// FromPlainText splits text into blocks. Lines starting with "#", "-"/"*"
// or "N." become headings, bullet and numbered items; fenced ``` regions
// become code blocks; blank lines are dropped. Block ids are positional so
// identical input yields identical output.
func FromPlainText(text string) []Block {
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var (
		blocks []Block
		code   []string
		inCode bool
		lang   string
	)
	add := func(typ, body string, props map[string]any) {
		blocks = append(blocks, Block{
			ID:       fmt.Sprintf("b%d", len(blocks)+1),
			Type:     typ,
			Props:    props,
			Content:  inlines(body),
			Children: []Block{},
		})
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inCode {
				add(TypeCode, strings.Join(code, "\n"), codeProps(lang))
				code, inCode, lang = nil, false, ""
			} else {
				inCode, lang = true, strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
			}
			continue
		}
		if inCode {
			code = append(code, line)
			continue
		}
		if trimmed == "" {
			continue
		}
		switch {
		case strings.HasPrefix(trimmed, "#"):
			level := len(trimmed) - len(strings.TrimLeft(trimmed, "#"))
			body := strings.TrimSpace(trimmed[level:])
			if level > 3 || body == "" || !strings.HasPrefix(trimmed[level:], " ") {
				add(TypeParagraph, trimmed, nil)
				continue
			}
			add(TypeHeading, body, map[string]any{"level": level})
		case strings.HasPrefix(trimmed, "- "), strings.HasPrefix(trimmed, "* "):
			add(TypeBulletItem, strings.TrimSpace(trimmed[2:]), nil)
		case isNumbered(trimmed):
			_, body, _ := strings.Cut(trimmed, ". ")
			add(TypeNumberedItem, strings.TrimSpace(body), nil)
		default:
			add(TypeParagraph, trimmed, nil)
		}
	}
	if inCode {
		// Unterminated fence: keep the text rather than lose it.
		add(TypeCode, strings.Join(code, "\n"), codeProps(lang))
	}
	return blocks
}

func inlines(body string) []Inline {
	if body == "" {
		return []Inline{}
	}
	return []Inline{{Type: "text", Text: body, Styles: map[string]bool{}}}
}

func codeProps(lang string) map[string]any {
	if lang == "" {
		return nil
	}
	return map[string]any{"language": lang}
}

func isNumbered(s string) bool {
	num, _, ok := strings.Cut(s, ". ")
	if !ok || num == "" || len(num) > 9 {
		return false
	}
	for _, r := range num {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ToPlainText renders blocks back to text, one block per line.
func ToPlainText(blocks []Block) string {
	var b strings.Builder
	n := 0
	var write func([]Block, int)
	write = func(blocks []Block, depth int) {
		for _, blk := range blocks {
			if n > 0 {
				b.WriteByte('\n')
			}
			n++
			b.WriteString(strings.Repeat("  ", depth))
			text := blockText(blk)
			switch blk.Type {
			case TypeHeading:
				level := 1
				if v, ok := blk.Props["level"]; ok {
					level = toInt(v, 1)
				}
				b.WriteString(strings.Repeat("#", level) + " " + text)
			case TypeBulletItem:
				b.WriteString("- " + text)
			case TypeNumberedItem:
				b.WriteString("1. " + text)
			case TypeCode:
				lang, _ := blk.Props["language"].(string)
				b.WriteString("```" + lang + "\n" + text + "\n```")
			default:
				b.WriteString(text)
			}
			write(blk.Children, depth+1)
		}
	}
	write(blocks, 0)
	return b.String()
}

func blockText(blk Block) string {
	var b strings.Builder
	for _, in := range blk.Content {
		b.WriteString(in.Text)
	}
	return b.String()
}

// JSON numbers decode as float64.
func toInt(v any, def int) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return def
	}
}

// Encode serializes blocks as a JSON array.
func Encode(blocks []Block) ([]byte, error) {
	if blocks == nil {
		blocks = []Block{}
	}
	return json.Marshal(blocks)
}

// Decode parses a JSON array of blocks.
func Decode(data []byte) ([]Block, error) {
	var blocks []Block
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil, fmt.Errorf("decode blocks: %w", err)
	}
	return blocks, nil
}

// Payloads encodes each block separately, the form the replica's root
// container stores.
func Payloads(blocks []Block) ([][]byte, error) {
	out := make([][]byte, 0, len(blocks))
	for _, blk := range blocks {
		data, err := json.Marshal(blk)
		if err != nil {
			return nil, fmt.Errorf("encode block %s: %w", blk.ID, err)
		}
		out = append(out, data)
	}
	return out, nil
}

// FromPayloads decodes root-container payloads. Payloads that are not
// block JSON are kept as paragraphs of their raw text.
func FromPayloads(payloads [][]byte) []Block {
	out := make([]Block, 0, len(payloads))
	for i, p := range payloads {
		var blk Block
		if err := json.Unmarshal(p, &blk); err != nil || blk.Type == "" {
			blk = Block{
				ID:       fmt.Sprintf("raw%d", i+1),
				Type:     TypeParagraph,
				Content:  inlines(string(p)),
				Children: []Block{},
			}
		}
		out = append(out, blk)
	}
	return out
}
