package files

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/lexers"

	"github.com/paseo-sh/paseo/internal/checkout"
	"github.com/paseo-sh/paseo/internal/common/apperr"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

// HighlightedDiff computes one file's diff and annotates each line with
// syntax token spans.
func HighlightedDiff(ctx context.Context, cwd, path string, mode protocol.DiffMode) ([]protocol.HighlightedLine, error) {
	files, err := checkout.ComputeDiff(ctx, cwd, mode)
	if err != nil {
		return nil, err
	}
	for _, fd := range files {
		if fd.Path == path {
			return highlightHunks(path, fd.Hunks), nil
		}
	}
	return nil, apperr.NotFoundf("no diff for %s", path)
}

// highlightHunks flattens hunks into origin-tagged lines. The "no
// newline" marker lines are dropped.
func highlightHunks(path string, hunks []protocol.Hunk) []protocol.HighlightedLine {
	lexer := lexerFor(path)

	var out []protocol.HighlightedLine
	for _, h := range hunks {
		for _, line := range h.Lines {
			if line == "" || strings.HasPrefix(line, "\\") {
				continue
			}
			text := line[1:]
			out = append(out, protocol.HighlightedLine{
				Origin: string(line[0]),
				Text:   text,
				Spans:  tokenSpans(lexer, text),
			})
		}
	}
	return out
}

func lexerFor(path string) chroma.Lexer {
	lexer := lexers.Match(filepath.Base(path))
	if lexer == nil {
		lexer = lexers.Fallback
	}
	return chroma.Coalesce(lexer)
}

// tokenSpans tokenizes one line. Plain text and whitespace carry no
// span; everything else reports its chroma token type as the style.
func tokenSpans(lexer chroma.Lexer, text string) []protocol.TokenSpan {
	if text == "" {
		return nil
	}
	it, err := lexer.Tokenise(nil, text)
	if err != nil {
		return nil
	}

	var spans []protocol.TokenSpan
	offset := 0
	for _, tok := range it.Tokens() {
		length := len(tok.Value)
		if tok.Type != chroma.Text && tok.Type != chroma.TextWhitespace &&
			strings.TrimSpace(tok.Value) != "" {
			spans = append(spans, protocol.TokenSpan{
				Start: offset,
				End:   offset + length,
				Style: tok.Type.String(),
			})
		}
		offset += length
	}
	return spans
}
