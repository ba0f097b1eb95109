// Package directive implements the directive filter and parser: reducing a
// source file's bytes down to the lines a C preprocessor would ever look
// at, then turning those lines into a structured DirectiveList consumable
// by internal/includeprocessor.
package directive

import "bytes"

// Kind enumerates the directive keywords this filter recognizes.
type Kind int

const (
	KindInclude Kind = iota
	KindIncludeNext
	KindDefine
	KindUndef
	KindIf
	KindIfdef
	KindIfndef
	KindElif
	KindElse
	KindEndif
	KindPragmaOnce
	KindPragmaOther
	KindError
	KindLine
	KindOther
)

// Directive is one preprocessor line surviving the filter.
type Directive struct {
	Kind    Kind
	Arg     string // raw text after the keyword, not yet macro-expanded
	Line    int    // 1-based source line number, for diagnostics
	Angle   bool   // KindInclude/KindIncludeNext only: <arg> vs "arg"
	Literal bool   // KindInclude/KindIncludeNext only: Arg was already "quoted"/<bracketed>, vs a macro token needing expansion
}

// DirectiveList is the filtered, ordered sequence of directives in a file.
type DirectiveList []Directive

// Filter scans src and strips everything a preprocessor does not look at:
// comments (first, in their own pass, so a block comment spanning lines can
// never hide or reveal a directive), non-directive text, and
// line-continuation backslashes, leaving only directive lines. It never
// evaluates conditionals — that's internal/includeprocessor's job — it only
// recognizes directive syntax so later stages don't need to re-scan raw
// bytes.
func Filter(src []byte) DirectiveList {
	src = stripComments(src)

	var out DirectiveList
	n := len(src)
	line := 1

	isSpace := func(b byte) bool { return b == ' ' || b == '\t' }

	for i := 0; i < n; {
		switch {
		case src[i] == '\n':
			line++
			i++
			continue
		case isSpace(src[i]) || src[i] == '\r':
			i++
			continue
		case src[i] == '#':
			lineStart := i
			j := i + 1
			for j < n && isSpace(src[j]) {
				j++
			}
			kwStart := j
			for j < n && isIdentByte(src[j]) {
				j++
			}
			kw := string(src[kwStart:j])

			lineEnd := findLogicalLineEnd(src, j)
			rest := string(bytes.TrimSpace(joinContinuations(src[j:lineEnd])))

			d, ok := classify(kw, rest)
			if ok {
				d.Line = line
				out = append(out, d)
			}

			line += bytes.Count(src[lineStart:lineEnd], []byte("\n"))
			i = lineEnd
			continue
		default:
			// skip to end of this physical line; non-directive text is
			// irrelevant to the filter's output
			j := bytes.IndexByte(src[i:], '\n')
			if j == -1 {
				i = n
			} else {
				i += j
			}
		}
	}
	return out
}

// stripComments is the filter's first pass: replace every // comment with its
// terminating newline and every /* */ comment with a single space, while
// leaving string and character literals untouched. Newlines inside a block
// comment are preserved so line numbers stay accurate. An unterminated block
// comment or string literal keeps its remaining bytes verbatim rather than
// failing.
func stripComments(src []byte) []byte {
	n := len(src)
	out := make([]byte, 0, n)
	for i := 0; i < n; {
		c := src[i]
		switch {
		case c == '"' || c == '\'':
			quote := c
			out = append(out, c)
			i++
			for i < n {
				out = append(out, src[i])
				if src[i] == '\\' && i+1 < n {
					i++
					out = append(out, src[i])
					i++
					continue
				}
				if src[i] == quote {
					i++
					break
				}
				if src[i] == '\n' {
					// unterminated literal on this line: keep going verbatim
					i++
					break
				}
				i++
			}
		case c == '/' && i+1 < n && src[i+1] == '/':
			i += 2
			for i < n && src[i] != '\n' {
				if src[i] == '\\' && i+1 < n && src[i+1] == '\n' {
					// an escaped newline continues the line comment
					out = append(out, '\n')
					i += 2
					continue
				}
				i++
			}
		case c == '/' && i+1 < n && src[i+1] == '*':
			end := bytes.Index(src[i+2:], []byte("*/"))
			if end == -1 {
				// unterminated block comment: preserve the remainder as-is
				out = append(out, src[i:]...)
				return out
			}
			out = append(out, ' ')
			for _, b := range src[i : i+2+end+2] {
				if b == '\n' {
					out = append(out, '\n')
				}
			}
			i += 2 + end + 2
		default:
			out = append(out, c)
			i++
		}
	}
	return out
}

func isIdentByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// findLogicalLineEnd returns the offset just past the last physical line of a
// (possibly backslash-continued) logical directive line.
func findLogicalLineEnd(src []byte, from int) int {
	n := len(src)
	i := from
	for i < n {
		nl := bytes.IndexByte(src[i:], '\n')
		if nl == -1 {
			return n
		}
		abs := i + nl
		if abs > 0 && src[abs-1] == '\\' {
			i = abs + 1
			continue
		}
		if abs > 1 && src[abs-1] == '\r' && src[abs-2] == '\\' {
			i = abs + 1
			continue
		}
		return abs
	}
	return n
}

func joinContinuations(b []byte) []byte {
	b = bytes.ReplaceAll(b, []byte("\\\r\n"), []byte(" "))
	return bytes.ReplaceAll(b, []byte("\\\n"), []byte(" "))
}
