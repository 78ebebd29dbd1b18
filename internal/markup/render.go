package markup

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// inlineTags are the HTML tags a model may write inline that we honor.
const inlineTags = `b|strong|i|em|u|ins|s|strike|del|tg-spoiler|code|a`

var (
	headingRe = regexp.MustCompile(`^#{1,6}\s+(.*?)(?:\s+#+)?\s*$`)
	bulletRe  = regexp.MustCompile(`^(\s*)[-*+]\s+(.*)$`)
	langRe    = regexp.MustCompile(`^[A-Za-z0-9_+#.-]*$`)
	htmlTagRe = regexp.MustCompile(`(?i)^<(/?)(` + inlineTags + `)((?:\s+href\s*=\s*"[^"<>]*")?)\s*>`)
	hrefRe    = regexp.MustCompile(`(?i)href\s*=\s*"([^"<>]*)"`)
	brRe      = regexp.MustCompile(`(?i)^<br\s*/?>`)
)

// htmlAliases maps the tags models commonly write onto the allowed set.
var htmlAliases = map[string]string{
	"strong": "b",
	"em":     "i",
	"ins":    "u",
	"strike": "s",
	"del":    "s",
}

var linkSchemes = []string{"http://", "https://", "tg://", "mailto:"}

// Render converts Markdown-flavoured text into Telegram HTML.
//
// Fenced code blocks are recognised first and emitted as <pre>. Every
// other line goes through the inline tokenizer, which handles code spans,
// links, model-written HTML tags and emphasis delimiters. Constructs that
// are not yet complete (an opening "**" whose partner has not streamed in,
// an unterminated fence) are left as literal, escaped text, so the output
// of every call is balanced.
func Render(src string) string {
	lines := strings.Split(src, "\n")
	out := make([]string, 0, len(lines))

	for i := 0; i < len(lines); i++ {
		lang, ok := fenceOpen(lines[i])
		if !ok {
			out = append(out, renderLine(lines[i]))
			continue
		}
		end := -1
		for j := i + 1; j < len(lines); j++ {
			if isFenceClose(lines[j]) {
				end = j
				break
			}
		}
		if end < 0 {
			// Unterminated fence: keep it literal and skip inline
			// processing so code does not flicker into emphasis.
			for _, l := range lines[i:] {
				out = append(out, Escape(l))
			}
			break
		}
		out = append(out, codeBlock(lang, lines[i+1:end]))
		i = end
	}
	return strings.Join(out, "\n")
}

func fenceOpen(line string) (string, bool) {
	t := strings.TrimSpace(line)
	if !strings.HasPrefix(t, "```") {
		return "", false
	}
	lang := strings.TrimSpace(t[3:])
	if !langRe.MatchString(lang) {
		return "", false
	}
	return lang, true
}

func isFenceClose(line string) bool {
	return strings.TrimSpace(line) == "```"
}

func codeBlock(lang string, body []string) string {
	content := Escape(strings.Join(body, "\n"))
	if lang == "" {
		return "<pre>" + content + "</pre>"
	}
	return `<pre><code class="language-` + lang + `">` + content + "</code></pre>"
}

func renderLine(line string) string {
	if m := headingRe.FindStringSubmatch(line); m != nil {
		return "<b>" + renderInline(m[1], true) + "</b>"
	}
	if m := bulletRe.FindStringSubmatch(line); m != nil {
		return m[1] + "• " + renderInline(m[2], true)
	}
	return renderInline(line, true)
}

// delimiter kinds. Markdown markers and HTML tags never close each other.
type kind struct {
	marker string // "**", "*", "h:b", ...
	tag    string // emitted tag name
}

type opener struct {
	kind    kind
	openTag string
	piece   int // index of the placeholder in pieces
}

// inline is a stack-based delimiter matcher. Openers are written as their
// literal (escaped) marker text and only rewritten into a tag when the
// matching closer arrives, so anything left unmatched stays literal.
type inline struct {
	src   string
	links bool

	pieces []string
	text   strings.Builder
	stack  []opener
}

func renderInline(src string, links bool) string {
	p := &inline{src: src, links: links}
	p.run()
	return strings.Join(p.pieces, "")
}

func (p *inline) flush() {
	if p.text.Len() > 0 {
		p.pieces = append(p.pieces, Escape(p.text.String()))
		p.text.Reset()
	}
}

func (p *inline) emit(html string) {
	p.flush()
	p.pieces = append(p.pieces, html)
}

// delim handles one delimiter occurrence. literal is the raw source text
// of the marker.
func (p *inline) delim(k kind, openTag, literal string, canOpen, canClose bool) {
	if canClose {
		for j := len(p.stack) - 1; j >= 0; j-- {
			if p.stack[j].kind != k {
				continue
			}
			o := p.stack[j]
			p.stack = p.stack[:j]
			p.flush()
			p.pieces[o.piece] = o.openTag
			p.pieces = append(p.pieces, "</"+k.tag+">")
			return
		}
	}
	if canOpen {
		p.emit(Escape(literal))
		p.stack = append(p.stack, opener{kind: k, openTag: openTag, piece: len(p.pieces) - 1})
		return
	}
	p.text.WriteString(literal)
}

func (p *inline) run() {
	s := p.src
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s) && strings.IndexByte("\\`*_~|[]()#+-.!<>", s[i+1]) >= 0:
			p.text.WriteByte(s[i+1])
			i += 2
		case c == '`':
			i = p.codeSpan(i)
		case c == '[' && p.links:
			i = p.link(i)
		case c == '<':
			i = p.htmlTag(i)
		case c == '*' || c == '_':
			i = p.emphasis(i)
		case c == '~' || c == '|':
			i = p.doubleOnly(i)
		default:
			_, size := utf8.DecodeRuneInString(s[i:])
			p.text.WriteString(s[i : i+size])
			i += size
		}
	}
	p.flush()
}

func runLen(s string, i int, c byte) int {
	n := 0
	for i+n < len(s) && s[i+n] == c {
		n++
	}
	return n
}

// codeSpan handles a run of backticks starting at i.
func (p *inline) codeSpan(i int) int {
	s := p.src
	n := runLen(s, i, '`')
	fence := strings.Repeat("`", n)
	for j := i + n; j < len(s); {
		k := strings.Index(s[j:], fence)
		if k < 0 {
			break
		}
		k += j
		if runLen(s, k, '`') != n {
			j = k + runLen(s, k, '`')
			continue
		}
		content := s[i+n : k]
		if len(content) > 2 && content[0] == ' ' && content[len(content)-1] == ' ' {
			content = content[1 : len(content)-1]
		}
		p.emit("<code>" + Escape(content) + "</code>")
		return k + n
	}
	p.text.WriteString(fence)
	return i + n
}

// link handles "[text](url)" starting at i.
func (p *inline) link(i int) int {
	s := p.src
	end := strings.IndexByte(s[i+1:], ']')
	if end < 0 {
		p.text.WriteByte('[')
		return i + 1
	}
	end += i + 1
	if end+1 >= len(s) || s[end+1] != '(' {
		p.text.WriteByte('[')
		return i + 1
	}
	close := strings.IndexByte(s[end+2:], ')')
	if close < 0 {
		p.text.WriteByte('[')
		return i + 1
	}
	close += end + 2
	label, url := s[i+1:end], strings.TrimSpace(s[end+2:close])
	if label == "" || !allowedURL(url) {
		p.text.WriteByte('[')
		return i + 1
	}
	p.emit(`<a href="` + escapeAttr(url) + `">` + renderInline(label, false) + "</a>")
	return close + 1
}

func allowedURL(url string) bool {
	if strings.ContainsAny(url, " \t\"<>") {
		return false
	}
	lower := strings.ToLower(url)
	for _, scheme := range linkSchemes {
		if strings.HasPrefix(lower, scheme) && len(url) > len(scheme) {
			return true
		}
	}
	return false
}

// htmlTag handles a model-written tag from the allowed set. Anything else
// starting with '<' is plain text and will be escaped.
func (p *inline) htmlTag(i int) int {
	s := p.src
	if m := brRe.FindString(s[i:]); m != "" {
		p.text.WriteByte('\n')
		return i + len(m)
	}
	m := htmlTagRe.FindStringSubmatch(s[i:])
	if m == nil {
		p.text.WriteByte('<')
		return i + 1
	}
	full, closing, name := m[0], m[1] == "/", strings.ToLower(m[2])
	if alias, ok := htmlAliases[name]; ok {
		name = alias
	}

	if name == "code" {
		if closing {
			p.text.WriteString(s[i : i+len(full)])
			return i + len(full)
		}
		rest := s[i+len(full):]
		end := strings.Index(strings.ToLower(rest), "</code>")
		if end < 0 {
			p.text.WriteString(s[i : i+len(full)])
			return i + len(full)
		}
		p.emit("<code>" + Escape(rest[:end]) + "</code>")
		return i + len(full) + end + len("</code>")
	}

	literal := s[i : i+len(full)]
	k := kind{marker: "h:" + name, tag: name}
	if closing {
		p.delim(k, "", literal, false, true)
		return i + len(full)
	}
	openTag := "<" + name + ">"
	if name == "a" {
		hm := hrefRe.FindStringSubmatch(literal)
		if hm == nil || !allowedURL(hm[1]) || !p.links {
			p.text.WriteString(literal)
			return i + len(full)
		}
		openTag = `<a href="` + escapeAttr(hm[1]) + `">`
	}
	p.delim(k, openTag, literal, true, false)
	return i + len(full)
}

// flanking reports whether a delimiter run spanning s[i:j] may open and
// may close emphasis. Underscores additionally refuse to act inside words
// so snake_case identifiers survive.
func flanking(s string, i, j int, c byte) (canOpen, canClose bool) {
	var prev, next rune = ' ', ' '
	if i > 0 {
		prev, _ = utf8.DecodeLastRuneInString(s[:i])
	}
	if j < len(s) {
		next, _ = utf8.DecodeRuneInString(s[j:])
	}
	canOpen = !unicode.IsSpace(next)
	canClose = !unicode.IsSpace(prev)
	if c == '_' {
		canOpen = canOpen && !isWord(prev)
		canClose = canClose && !isWord(next)
	}
	return canOpen, canClose
}

func isWord(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

var (
	kindBold      = kind{marker: "**", tag: "b"}
	kindUnderline = kind{marker: "__", tag: "u"}
	kindItalicA   = kind{marker: "*", tag: "i"}
	kindItalicU   = kind{marker: "_", tag: "i"}
	kindStrike    = kind{marker: "~~", tag: "s"}
	kindSpoiler   = kind{marker: "||", tag: "tg-spoiler"}
)

// emphasis handles runs of '*' or '_'.
func (p *inline) emphasis(i int) int {
	s := p.src
	c := s[i]
	n := runLen(s, i, c)
	canOpen, canClose := flanking(s, i, i+n, c)

	single, double := kindItalicA, kindBold
	if c == '_' {
		single, double = kindItalicU, kindUnderline
	}
	one, two := string(c), string([]byte{c, c})

	switch n {
	case 1:
		p.delim(single, "<i>", one, canOpen, canClose)
	case 2:
		p.delim(double, "<"+double.tag+">", two, canOpen, canClose)
	case 3:
		// Closers unwind inner-first, openers nest outer-first.
		if canClose && (p.hasOpen(single) || p.hasOpen(double)) {
			p.delim(single, "<i>", one, canOpen, canClose)
			p.delim(double, "<"+double.tag+">", two, canOpen, canClose)
		} else {
			p.delim(double, "<"+double.tag+">", two, canOpen, canClose)
			p.delim(single, "<i>", one, canOpen, canClose)
		}
	default:
		p.text.WriteString(s[i : i+n])
	}
	return i + n
}

// doubleOnly handles "~~" strikethrough and "||" spoiler markers.
func (p *inline) doubleOnly(i int) int {
	s := p.src
	c := s[i]
	n := runLen(s, i, c)
	if n != 2 {
		p.text.WriteString(s[i : i+n])
		return i + n
	}
	canOpen, canClose := flanking(s, i, i+n, c)
	k := kindStrike
	if c == '|' {
		k = kindSpoiler
	}
	p.delim(k, "<"+k.tag+">", s[i:i+n], canOpen, canClose)
	return i + n
}

func (p *inline) hasOpen(k kind) bool {
	for _, o := range p.stack {
		if o.kind == k {
			return true
		}
	}
	return false
}
