package transform

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/worksync/worksync/internal/types"
)

func fnIdentity(value any, _ map[string]any) (any, error) {
	return value, nil
}

func fnUppercase(value any, _ map[string]any) (any, error) {
	s, err := requireText("uppercase", value)
	if err != nil {
		return nil, err
	}
	return strings.ToUpper(s), nil
}

func fnLowercase(value any, _ map[string]any) (any, error) {
	s, err := requireText("lowercase", value)
	if err != nil {
		return nil, err
	}
	return strings.ToLower(s), nil
}

func fnTrim(value any, _ map[string]any) (any, error) {
	s, err := requireText("trim", value)
	if err != nil {
		return nil, err
	}
	return strings.TrimSpace(s), nil
}

func fnToString(value any, _ map[string]any) (any, error) {
	switch t := value.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339), nil
	case *time.Time:
		if t != nil {
			return t.UTC().Format(time.RFC3339), nil
		}
	}
	if s, ok := asText(value); ok {
		return s, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("toString: %w", err)
	}
	return string(raw), nil
}

func fnToNumber(value any, _ map[string]any) (any, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("toNumber: %w", err)
		}
		return f, nil
	case bool:
		if v {
			return float64(1), nil
		}
		return float64(0), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("toNumber: %q is not numeric", v)
		}
		return f, nil
	}
	return nil, fmt.Errorf("toNumber: cannot convert %T", value)
}

func fnToBool(value any, _ map[string]any) (any, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case float64:
		return v != 0, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "":
			return nil, nil
		case "true", "yes", "y", "1", "on":
			return true, nil
		case "false", "no", "n", "0", "off":
			return false, nil
		}
		return nil, fmt.Errorf("toBool: %q is not a boolean", v)
	}
	return nil, fmt.Errorf("toBool: cannot convert %T", value)
}

func fnFormatDate(value any, args map[string]any) (any, error) {
	t, ok := asTime(value)
	if !ok {
		return nil, fmt.Errorf("formatDate: %v is not a date", value)
	}
	layout := time.RFC3339
	switch f, _ := argString(args, "format"); f {
	case "", "iso", "rfc3339":
	case "short", "date":
		layout = "2006-01-02"
	default:
		layout = f
	}
	return t.UTC().Format(layout), nil
}

func fnFormatDateShort(value any, _ map[string]any) (any, error) {
	t, ok := asTime(value)
	if !ok {
		return nil, fmt.Errorf("formatDateShort: %v is not a date", value)
	}
	return t.UTC().Format("2006-01-02"), nil
}

func fnEmailToUsername(value any, _ map[string]any) (any, error) {
	s, err := requireText("emailToUsername", value)
	if err != nil {
		return nil, err
	}
	user, _, found := strings.Cut(s, "@")
	if !found {
		return s, nil
	}
	return user, nil
}

func fnReplace(value any, args map[string]any) (any, error) {
	s, err := requireText("replace", value)
	if err != nil {
		return nil, err
	}
	search, ok := argString(args, "search")
	if !ok || search == "" {
		return nil, fmt.Errorf("replace: missing search argument")
	}
	repl, _ := argString(args, "replace")
	return strings.ReplaceAll(s, search, repl), nil
}

func fnConcat(value any, args map[string]any) (any, error) {
	s, err := requireText("concat", value)
	if err != nil {
		return nil, err
	}
	prefix, _ := argString(args, "prefix")
	suffix, _ := argString(args, "suffix")
	return prefix + s + suffix, nil
}

// fnSplit splits on a separator. With an index argument it yields that
// element (negative counts from the end, out of range yields nil); without
// one it yields the full slice.
func fnSplit(value any, args map[string]any) (any, error) {
	s, err := requireText("split", value)
	if err != nil {
		return nil, err
	}
	sep, ok := argString(args, "separator")
	if !ok {
		sep = ","
	}
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	idx, ok := argInt(args, "index")
	if !ok {
		return parts, nil
	}
	if idx < 0 {
		idx += len(parts)
	}
	if idx < 0 || idx >= len(parts) {
		return nil, nil
	}
	return parts[idx], nil
}

func fnTruncate(value any, args map[string]any) (any, error) {
	s, err := requireText("truncate", value)
	if err != nil {
		return nil, err
	}
	length, ok := argInt(args, "length")
	if !ok || length <= 0 {
		return nil, fmt.Errorf("truncate: missing or invalid length argument")
	}
	runes := []rune(s)
	if len(runes) <= length {
		return s, nil
	}
	suffix, _ := argString(args, "suffix")
	if keep := length - len([]rune(suffix)); suffix != "" && keep > 0 {
		return string(runes[:keep]) + suffix, nil
	}
	return string(runes[:length]), nil
}

var (
	htmlBreakRe  = regexp.MustCompile(`(?i)<br\s*/?>|</(?:p|div|li|tr|h[1-6])>`)
	htmlListRe   = regexp.MustCompile(`(?i)<li[^>]*>`)
	htmlHiddenRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(?:script|style)>`)
	htmlTagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	blankRunRe   = regexp.MustCompile(`\n{3,}`)
)

func fnHTMLToText(value any, _ map[string]any) (any, error) {
	s, err := requireText("htmlToText", value)
	if err != nil {
		return nil, err
	}
	s = htmlHiddenRe.ReplaceAllString(s, "")
	s = htmlBreakRe.ReplaceAllString(s, "\n")
	s = htmlListRe.ReplaceAllString(s, "- ")
	s = htmlTagRe.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s), nil
}

func fnTextToHTML(value any, _ map[string]any) (any, error) {
	s, err := requireText("textToHtml", value)
	if err != nil {
		return nil, err
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	paras := strings.Split(s, "\n\n")
	out := make([]string, 0, len(paras))
	for _, p := range paras {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		escaped := html.EscapeString(p)
		out = append(out, "<p>"+strings.ReplaceAll(escaped, "\n", "<br>")+"</p>")
	}
	return strings.Join(out, ""), nil
}

var (
	mdFenceRe   = regexp.MustCompile("(?m)^```[^\n]*$")
	mdHeadingRe = regexp.MustCompile(`(?m)^#{1,6}\s*`)
	mdQuoteRe   = regexp.MustCompile(`(?m)^>\s?`)
	mdBulletRe  = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+\.)\s+`)
	mdImageRe   = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	mdLinkRe    = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	mdEmphRe    = regexp.MustCompile(`(\*\*|__|[*_~]|` + "`" + `)`)
)

func fnMarkdownToText(value any, _ map[string]any) (any, error) {
	s, err := requireText("markdownToText", value)
	if err != nil {
		return nil, err
	}
	s = mdFenceRe.ReplaceAllString(s, "")
	s = mdHeadingRe.ReplaceAllString(s, "")
	s = mdQuoteRe.ReplaceAllString(s, "")
	s = mdBulletRe.ReplaceAllString(s, "")
	s = mdImageRe.ReplaceAllString(s, "$1")
	s = mdLinkRe.ReplaceAllString(s, "$1")
	s = mdEmphRe.ReplaceAllString(s, "")
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s), nil
}

func fnExtractPathHead(value any, args map[string]any) (any, error) {
	s, err := requireText("extractPathHead", value)
	if err != nil {
		return nil, err
	}
	head, _, _ := strings.Cut(s, pathSeparator(s, args))
	return head, nil
}

// fnReplacePathHead swaps the first segment of a tree path, which is how a
// project-scoped path from one system is re-rooted under another project.
func fnReplacePathHead(value any, args map[string]any) (any, error) {
	s, err := requireText("replacePathHead", value)
	if err != nil {
		return nil, err
	}
	head, ok := argString(args, "head")
	if !ok || head == "" {
		return nil, fmt.Errorf("replacePathHead: missing head argument")
	}
	sep := pathSeparator(s, args)
	_, rest, found := strings.Cut(s, sep)
	if !found {
		return head, nil
	}
	return head + sep + rest, nil
}

// Area and iteration paths use backslashes; most other tree paths use
// forward slashes. Detect from the value unless the mapping pins one.
func pathSeparator(s string, args map[string]any) string {
	if sep, ok := argString(args, "separator"); ok && sep != "" {
		return sep
	}
	if strings.Contains(s, `\`) {
		return `\`
	}
	return "/"
}

// Priority scales of the systems we sync. Each remote value normalizes to a
// canonical level (critical/high/medium/low) and each level renders back out
// in the target system's vocabulary.
var priorityIn = map[string]map[string]string{
	"azure-devops": {"1": "critical", "2": "high", "3": "medium", "4": "low"},
	"servicedesk":  {"urgent": "critical", "high": "high", "medium": "medium", "normal": "medium", "low": "low"},
	"canonical":    {"critical": "critical", "high": "high", "medium": "medium", "low": "low"},
}

var priorityOut = map[string]map[string]any{
	"azure-devops": {"critical": 1, "high": 2, "medium": 3, "low": 4},
	"servicedesk":  {"critical": "Urgent", "high": "High", "medium": "Medium", "low": "Low"},
	"canonical":    {"critical": "critical", "high": "high", "medium": "medium", "low": "low"},
}

func fnPriorityMap(value any, args map[string]any) (any, error) {
	s, ok := asText(value)
	if !ok {
		return nil, fmt.Errorf("priorityMap: cannot convert %T", value)
	}
	key := strings.ToLower(strings.TrimSpace(s))

	// An explicit map argument wins over the built-in scales.
	if m, ok := argTable(args, "map"); ok {
		if out, hit := m[key]; hit {
			return out, nil
		}
		if def, hit := args["default"]; hit {
			return def, nil
		}
		return value, nil
	}

	to, ok := argString(args, "to")
	if !ok {
		return nil, fmt.Errorf("priorityMap: missing to argument")
	}
	outScale, ok := priorityOut[to]
	if !ok {
		return nil, fmt.Errorf("priorityMap: unknown scale %q", to)
	}

	level := ""
	if from, ok := argString(args, "from"); ok {
		inScale, ok := priorityIn[from]
		if !ok {
			return nil, fmt.Errorf("priorityMap: unknown scale %q", from)
		}
		level = inScale[key]
	} else {
		for _, scale := range priorityIn {
			if l, hit := scale[key]; hit {
				level = l
				break
			}
		}
	}
	if level == "" {
		if def, hit := args["default"]; hit {
			return def, nil
		}
		return value, nil
	}
	return outScale[level], nil
}

// asText renders scalar-ish values as strings. Identity values collapse to
// the unique name so user fields survive a trip through text transforms.
func asText(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case int:
		return strconv.Itoa(v), true
	case int32:
		return strconv.FormatInt(int64(v), 10), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case json.Number:
		return v.String(), true
	case bool:
		return strconv.FormatBool(v), true
	case types.Identity:
		return identityText(v), true
	case *types.Identity:
		if v == nil {
			return "", false
		}
		return identityText(*v), true
	case map[string]any:
		if s, ok := identityMapText(v); ok {
			return s, true
		}
	}
	return "", false
}

func identityText(id types.Identity) string {
	if id.UniqueName != "" {
		return id.UniqueName
	}
	return id.DisplayName
}

func identityMapText(m map[string]any) (string, bool) {
	for _, key := range []string{"uniqueName", "email_id", "displayName", "name"} {
		if s, ok := m[key].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

func requireText(name string, value any) (string, error) {
	s, ok := asText(value)
	if !ok {
		return "", fmt.Errorf("%s: cannot convert %T to text", name, value)
	}
	return s, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// asTime parses the date shapes that show up in work item fields: time
// values, RFC 3339 strings, bare dates, and epoch milliseconds (which is
// what ServiceDesk Plus puts on the wire).
func asTime(value any) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return *v, true
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return epochTime(ms), true
		}
	case float64:
		return epochTime(int64(v)), true
	case int64:
		return epochTime(v), true
	case int:
		return epochTime(int64(v)), true
	}
	return time.Time{}, false
}

// Values past ~2001-09 in milliseconds; anything smaller reads as seconds.
func epochTime(n int64) time.Time {
	if n >= 1_000_000_000_000 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func argString(args map[string]any, key string) (string, bool) {
	if args == nil {
		return "", false
	}
	s, ok := args[key].(string)
	return s, ok
}

func argInt(args map[string]any, key string) (int, bool) {
	if args == nil {
		return 0, false
	}
	switch v := args[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// argTable reads a map argument with its keys lowercased for case-blind
// lookups.
func argTable(args map[string]any, key string) (map[string]any, bool) {
	if args == nil {
		return nil, false
	}
	m, ok := args[key].(map[string]any)
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out, true
}
