package sequence

import (
	"strconv"
	"strings"
	"time"
)

const defaultDateFormat = "YYYY"

// Format renders value for display. It is a pure function of its inputs; the date
// tokens use now (format time), never the allocation time.
//
// With a pattern, the tokens {PREFIX} {SUFFIX} {VALUE} {VALUE:n} {YEAR} {MONTH} {DAY}
// {SEGMENT} are substituted and unknown tokens are kept verbatim. Without a pattern the
// format rules are applied by position; with neither, the result is prefix+value+suffix.
func Format(def *Definition, value int64, segmentKey string, now time.Time) string {
	switch {
	case def.Pattern != "":
		return renderPattern(def, def.Pattern, value, segmentKey, now)
	case len(def.FormatRules) > 0:
		return renderRules(def, value, segmentKey, now)
	default:
		return def.Prefix + pad(value, def.PadLength, def.PadChar) + def.Suffix
	}
}

func renderPattern(def *Definition, pattern string, value int64, segmentKey string, now time.Time) string {
	var b strings.Builder
	b.Grow(len(pattern) + 16)

	rest := pattern
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			break
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			b.WriteString(rest)
			break
		}
		closing += open

		b.WriteString(rest[:open])
		token := rest[open+1 : closing]
		if out, ok := renderToken(def, token, value, segmentKey, now); ok {
			b.WriteString(out)
		} else {
			b.WriteString(rest[open : closing+1])
		}
		rest = rest[closing+1:]
	}
	return b.String()
}

func renderToken(def *Definition, token string, value int64, segmentKey string, now time.Time) (string, bool) {
	switch token {
	case "PREFIX":
		return def.Prefix, true
	case "SUFFIX":
		return def.Suffix, true
	case "VALUE":
		return pad(value, def.PadLength, def.PadChar), true
	case "YEAR":
		return now.Format("2006"), true
	case "MONTH":
		return now.Format("01"), true
	case "DAY":
		return now.Format("02"), true
	case "SEGMENT":
		return segmentKey, true
	}

	if width, ok := strings.CutPrefix(token, "VALUE:"); ok {
		n, err := strconv.Atoi(width)
		if err != nil || n < 0 {
			return "", false
		}
		return pad(value, n, "0"), true
	}
	return "", false
}

// renderRules concatenates rule output by position. Prefix rules collect at the
// head and suffix rules at the tail. A rule list without a padding rule still
// shows the value, padded per the definition, after the other body rules.
func renderRules(def *Definition, value int64, segmentKey string, now time.Time) string {
	var head, body, tail strings.Builder
	hasValue := false

	for _, rule := range def.SortedRules() {
		switch rule.Type {
		case RulePrefix:
			head.WriteString(rule.Value)
		case RuleSuffix:
			tail.WriteString(rule.Value)
		case RulePadding:
			width := def.PadLength
			if n, err := strconv.Atoi(rule.Value); err == nil && n >= 0 {
				width = n
			}
			body.WriteString(pad(value, width, def.PadChar))
			hasValue = true
		case RuleDate:
			body.WriteString(formatDate(rule.DateFormat, now))
		case RuleSeparator, RuleLiteral:
			body.WriteString(rule.Value)
		case RuleCustom:
			// custom rules reuse the pattern language
			body.WriteString(renderPattern(def, rule.Value, value, segmentKey, now))
			if strings.Contains(rule.Value, "{VALUE") {
				hasValue = true
			}
		}
	}

	if !hasValue {
		body.WriteString(pad(value, def.PadLength, def.PadChar))
	}
	return head.String() + body.String() + tail.String()
}

var dateLayouts = strings.NewReplacer(
	"YYYY", "2006",
	"YY", "06",
	"MM", "01",
	"DD", "02",
)

// formatDate renders a YYYY/YY/MM/DD sub-format, e.g. "YYYYMM" or "DD.MM.YY".
func formatDate(layout string, now time.Time) string {
	if layout == "" {
		layout = defaultDateFormat
	}
	return now.Format(dateLayouts.Replace(layout))
}

// pad left-pads the decimal value to width with padChar. Longer values are never truncated.
func pad(value int64, width int, padChar string) string {
	if padChar == "" {
		padChar = "0"
	}
	digits := strconv.FormatInt(value, 10)
	sign := ""
	if value < 0 {
		sign, digits = "-", digits[1:]
	}
	if missing := width - len(digits); missing > 0 {
		digits = strings.Repeat(padChar, missing) + digits
	}
	return sign + digits
}
