package agent

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/droidpilot/droidpilot/internal/common/errors"
)

// ParseAction turns the model's action text into a structured Action.
// Two call shapes are accepted: do(action="<verb>", <kwargs>) and
// finish(message="<text>"). The scan is lexical, not a language
// interpreter: kwarg values may be quoted strings (with backslash
// escapes), numbers, or integer lists like [500, 300]. Nested lists
// such as [[500, 300]] are flattened, since grounding models emit both
// forms. Harmless prose before the call and anything after the closing
// parenthesis are ignored.
func ParseAction(text string) (Action, error) {
	input := strings.TrimSpace(text)
	start := callStart(input)
	if start < 0 {
		return nil, errors.MalformedResponse("no action call found")
	}
	p := &actionParser{input: input, pos: start}

	name, ok := p.readIdent()
	if !ok {
		return nil, errors.MalformedResponse("no action call found")
	}
	args, err := p.readArgs()
	if err != nil {
		return nil, err
	}

	switch name {
	case "do":
		return buildAction(args)
	case "finish":
		message, _ := args.str("message")
		return Finish{Message: message}, nil
	default:
		return nil, errors.MalformedResponse(fmt.Sprintf("unsupported call %q", name))
	}
}

// callStart locates the first do( or finish( occurrence at a word
// boundary, so replies like "I will now do(...)" still parse.
func callStart(input string) int {
	for i := 0; i < len(input); i++ {
		if i > 0 && isIdentChar(input[i-1]) {
			continue
		}
		rest := input[i:]
		if strings.HasPrefix(rest, "do") && parenFollows(rest[2:]) {
			return i
		}
		if strings.HasPrefix(rest, "finish") && parenFollows(rest[6:]) {
			return i
		}
	}
	return -1
}

func parenFollows(s string) bool {
	j := 0
	for j < len(s) && (s[j] == ' ' || s[j] == '\t') {
		j++
	}
	return j < len(s) && s[j] == '('
}

func isIdentChar(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9') || ch == '_'
}

// buildAction maps a do() call's kwargs onto an action variant.
func buildAction(args kwargs) (Action, error) {
	verb, ok := args.str("action")
	if !ok {
		return nil, errors.MalformedResponse("do() call has no action kwarg")
	}

	switch canonicalVerb(verb) {
	case "launch":
		app, ok := args.str("app")
		if !ok {
			return nil, missingKwarg(verb, "app")
		}
		return Launch{App: app}, nil

	case "tap":
		element, ok := args.point("element")
		if !ok {
			return nil, missingKwarg(verb, "element")
		}
		message, _ := args.str("message")
		return Tap{Element: element, SensitiveMessage: message}, nil

	case "doubletap":
		element, ok := args.point("element")
		if !ok {
			return nil, missingKwarg(verb, "element")
		}
		return DoubleTap{Element: element}, nil

	case "longpress":
		element, ok := args.point("element")
		if !ok {
			return nil, missingKwarg(verb, "element")
		}
		return LongPress{Element: element}, nil

	case "swipe":
		start, ok := args.point("start")
		if !ok {
			return nil, missingKwarg(verb, "start")
		}
		end, ok := args.point("end")
		if !ok {
			return nil, missingKwarg(verb, "end")
		}
		duration, err := args.duration("duration")
		if err != nil {
			return nil, err
		}
		return Swipe{Start: start, End: end, Duration: duration}, nil

	case "type":
		text, ok := args.str("text")
		if !ok {
			return nil, missingKwarg(verb, "text")
		}
		return Type{Text: text}, nil

	case "back":
		return Back{}, nil

	case "home":
		return Home{}, nil

	case "wait":
		value, present := args["duration"]
		if !present {
			return nil, missingKwarg(verb, "duration")
		}
		duration, err := parseKwargDuration(value)
		if err != nil {
			return nil, err
		}
		return Wait{Duration: duration}, nil

	case "takeover":
		message, _ := args.str("message")
		return TakeOver{Message: message}, nil

	default:
		return nil, errors.MalformedResponse(fmt.Sprintf("unsupported action %q", verb))
	}
}

func missingKwarg(verb, name string) error {
	return errors.MalformedResponse(fmt.Sprintf("%s call is missing kwarg %q", verb, name))
}

// canonicalVerb lowercases the verb and strips separators, so
// "Long Press", "long_press", and "LongPress" all match.
func canonicalVerb(verb string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(verb)) {
		if r == ' ' || r == '_' || r == '-' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type kwKind int

const (
	kwString kwKind = iota
	kwNumber
	kwList
)

type kwValue struct {
	kind kwKind
	str  string
	num  float64
	list []int
}

type kwargs map[string]kwValue

func (k kwargs) str(name string) (string, bool) {
	v, ok := k[name]
	if !ok || v.kind != kwString {
		return "", false
	}
	return v.str, true
}

func (k kwargs) point(name string) (RelPoint, bool) {
	v, ok := k[name]
	if !ok || v.kind != kwList || len(v.list) < 2 {
		return RelPoint{}, false
	}
	return RelPoint{X: v.list[0], Y: v.list[1]}, true
}

// duration returns the named duration kwarg, or zero when absent.
func (k kwargs) duration(name string) (time.Duration, error) {
	v, ok := k[name]
	if !ok {
		return 0, nil
	}
	return parseKwargDuration(v)
}

// parseKwargDuration reads durations in the forms the model emits:
// a quoted "<number> <unit>" such as "3 seconds" or "500 ms", or a
// bare number of seconds.
func parseKwargDuration(v kwValue) (time.Duration, error) {
	switch v.kind {
	case kwNumber:
		return time.Duration(v.num * float64(time.Second)), nil
	case kwString:
		fields := strings.Fields(v.str)
		if len(fields) == 0 {
			return 0, errors.MalformedResponse("empty duration")
		}
		n, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return 0, errors.MalformedResponse(fmt.Sprintf("unparseable duration %q", v.str))
		}
		unit := "seconds"
		if len(fields) > 1 {
			unit = strings.ToLower(fields[1])
		}
		switch {
		case strings.HasPrefix(unit, "ms"), strings.HasPrefix(unit, "milli"):
			return time.Duration(n * float64(time.Millisecond)), nil
		case strings.HasPrefix(unit, "min"):
			return time.Duration(n * float64(time.Minute)), nil
		default:
			return time.Duration(n * float64(time.Second)), nil
		}
	default:
		return 0, errors.MalformedResponse("duration must be a string or number")
	}
}

type actionParser struct {
	input string
	pos   int
}

func (p *actionParser) skipSpaces() {
	for p.pos < len(p.input) {
		switch p.input[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *actionParser) peek() (byte, bool) {
	if p.pos >= len(p.input) {
		return 0, false
	}
	return p.input[p.pos], true
}

// readIdent consumes an identifier: letters, digits, and underscores,
// starting with a letter or underscore.
func (p *actionParser) readIdent() (string, bool) {
	p.skipSpaces()
	start := p.pos
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		isLetter := (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_'
		isDigit := ch >= '0' && ch <= '9'
		if !isLetter && !(isDigit && p.pos > start) {
			break
		}
		p.pos++
	}
	if p.pos == start {
		return "", false
	}
	return p.input[start:p.pos], true
}

// readArgs consumes a parenthesized kwarg list: (name=value, ...).
func (p *actionParser) readArgs() (kwargs, error) {
	p.skipSpaces()
	if ch, ok := p.peek(); !ok || ch != '(' {
		return nil, errors.MalformedResponse("call has no argument list")
	}
	p.pos++

	args := make(kwargs)
	for {
		p.skipSpaces()
		ch, ok := p.peek()
		if !ok {
			return nil, errors.MalformedResponse("unterminated call")
		}
		if ch == ')' {
			p.pos++
			return args, nil
		}

		name, ok := p.readIdent()
		if !ok {
			return nil, errors.MalformedResponse("expected kwarg name")
		}
		p.skipSpaces()
		if ch, ok := p.peek(); !ok || ch != '=' {
			return nil, errors.MalformedResponse(fmt.Sprintf("kwarg %q has no value", name))
		}
		p.pos++

		value, err := p.readValue()
		if err != nil {
			return nil, err
		}
		args[name] = value

		p.skipSpaces()
		if ch, ok := p.peek(); ok && ch == ',' {
			p.pos++
		}
	}
}

func (p *actionParser) readValue() (kwValue, error) {
	p.skipSpaces()
	ch, ok := p.peek()
	if !ok {
		return kwValue{}, errors.MalformedResponse("kwarg value is missing")
	}
	switch {
	case ch == '"' || ch == '\'':
		return p.readString(ch)
	case ch == '[':
		return p.readList()
	case ch == '-' || ch == '+' || (ch >= '0' && ch <= '9'):
		return p.readNumber()
	default:
		return kwValue{}, errors.MalformedResponse(fmt.Sprintf("unexpected character %q in kwarg value", ch))
	}
}

// readString consumes a quoted string. Backslash escapes the next
// character, so embedded quotes survive.
func (p *actionParser) readString(quote byte) (kwValue, error) {
	p.pos++ // opening quote
	var b strings.Builder
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		switch ch {
		case '\\':
			if p.pos+1 >= len(p.input) {
				return kwValue{}, errors.MalformedResponse("unterminated string")
			}
			b.WriteByte(p.input[p.pos+1])
			p.pos += 2
		case quote:
			p.pos++
			return kwValue{kind: kwString, str: b.String()}, nil
		default:
			b.WriteByte(ch)
			p.pos++
		}
	}
	return kwValue{}, errors.MalformedResponse("unterminated string")
}

// readList consumes a bracketed integer list, flattening any nesting.
// Fractional coordinates are truncated.
func (p *actionParser) readList() (kwValue, error) {
	depth := 0
	var nums []int
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		switch {
		case ch == '[':
			depth++
			p.pos++
		case ch == ']':
			depth--
			p.pos++
			if depth == 0 {
				return kwValue{kind: kwList, list: nums}, nil
			}
		case ch == ',' || ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			p.pos++
		case ch == '-' || ch == '+' || (ch >= '0' && ch <= '9'):
			value, err := p.readNumber()
			if err != nil {
				return kwValue{}, err
			}
			nums = append(nums, int(value.num))
		default:
			return kwValue{}, errors.MalformedResponse(fmt.Sprintf("unexpected character %q in list", ch))
		}
	}
	return kwValue{}, errors.MalformedResponse("unterminated list")
}

func (p *actionParser) readNumber() (kwValue, error) {
	start := p.pos
	if ch, ok := p.peek(); ok && (ch == '-' || ch == '+') {
		p.pos++
	}
	seenDot := false
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		if ch >= '0' && ch <= '9' {
			p.pos++
			continue
		}
		if ch == '.' && !seenDot {
			seenDot = true
			p.pos++
			continue
		}
		break
	}
	text := p.input[start:p.pos]
	n, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return kwValue{}, errors.MalformedResponse(fmt.Sprintf("unparseable number %q", text))
	}
	return kwValue{kind: kwNumber, num: n}, nil
}
