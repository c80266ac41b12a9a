package transform

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"signalrelay/internal/message"
)

const (
	DefaultMention = "@everyone"
	DefaultTitle   = "***SULTAN TRADING SIGNAL:***"
)

var (
	fieldPattern  = regexp.MustCompile(`(?i)^>?\s*(Ticker|Strike|Expiry|Entry)\s*[:：]\s*(.+)$`)
	invitePattern = regexp.MustCompile(`(?i)^(https?://)?(www\.)?(discord\.gg|discord(app)?\.com/invite)/\S*`)
	numberPattern = regexp.MustCompile(`[-+]?\d+(?:\.\d+)?`)
)

// Options configure the destination template.
type Options struct {
	Mention       string
	Title         string
	HeaderPhrases []string
}

// Transformer rewrites processed records into canonical signals.
type Transformer struct {
	mention string
	title   string
	headers []*regexp.Regexp
}

// New constructs a Transformer.
func New(opts Options) *Transformer {
	mention := opts.Mention
	if mention == "" {
		mention = DefaultMention
	}
	title := opts.Title
	if title == "" {
		title = DefaultTitle
	}
	phrases := opts.HeaderPhrases
	if len(phrases) == 0 {
		phrases = []string{"oculus trading signal"}
	}
	headers := make([]*regexp.Regexp, 0, len(phrases))
	for _, p := range phrases {
		words := strings.Fields(p)
		if len(words) == 0 {
			continue
		}
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		headers = append(headers, regexp.MustCompile(`(?i)`+strings.Join(words, `\s+`)))
	}
	return &Transformer{mention: mention, title: title, headers: headers}
}

// Transform extracts fields from the record content and renders the template.
func (t *Transformer) Transform(rec message.ProcessedRecord) message.CanonicalSignal {
	fields := ExtractFields(t.CleanLines(rec.Content))
	return message.CanonicalSignal{
		ID:              rec.ID,
		Fields:          fields,
		EntryPrice:      ParseEntryPrice(fields[message.FieldEntry]),
		RenderedContent: t.Render(fields),
		Status:          message.StatusPending,
		Record:          rec,
	}
}

// CleanLines drops dividers, invite links and header restatements. Blank lines
// survive as empty strings.
func (t *Transformer) CleanLines(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	raw := strings.Split(strings.TrimSpace(content), "\n")
	lines := make([]string, 0, len(raw))
	for _, r := range raw {
		line := strings.TrimSpace(r)
		switch {
		case line == "":
			lines = append(lines, "")
		case isDivider(line):
		case invitePattern.MatchString(line):
		case t.isHeader(line):
		default:
			lines = append(lines, line)
		}
	}
	return lines
}

func (t *Transformer) isHeader(line string) bool {
	for _, h := range t.headers {
		if h.MatchString(line) {
			return true
		}
	}
	return false
}

// isDivider reports lines made of a single punctuation or symbol rune,
// repeated any number of times.
func isDivider(line string) bool {
	first, _ := utf8.DecodeRuneInString(line)
	if !unicode.IsPunct(first) && !unicode.IsSymbol(first) {
		return false
	}
	for _, r := range line {
		if r != first {
			return false
		}
	}
	return true
}

// ExtractFields returns all recognised keys, defaulting to "". The last match
// for a key wins.
func ExtractFields(lines []string) map[string]string {
	fields := make(map[string]string, len(message.FieldKeys))
	for _, k := range message.FieldKeys {
		fields[k] = ""
	}
	for _, line := range lines {
		m := fieldPattern.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		fields[strings.ToLower(m[1])] = strings.TrimSpace(m[2])
	}
	return fields
}

// Render builds the destination text. The shape never varies.
func (t *Transformer) Render(fields map[string]string) string {
	lines := []string{
		t.mention,
		t.title,
		"",
		"> Ticker : " + fields[message.FieldTicker],
		"> Entry : " + fields[message.FieldEntry],
		"> Expiry : " + fields[message.FieldExpiry],
		"> Strike : " + fields[message.FieldStrike],
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// ParseEntryPrice reads the first number in an entry value.
func ParseEntryPrice(entry string) decimal.NullDecimal {
	m := numberPattern.FindString(strings.ReplaceAll(entry, ",", ""))
	if m == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(m)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}
