// Package normalize rewrites generated text into a form that speech
// providers read aloud cleanly.
package normalize

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	codeFence = regexp.MustCompile("(?s)```.*?```")

	brackets = []*regexp.Regexp{
		regexp.MustCompile(`\[[^\]]*\]`),
		regexp.MustCompile(`\([^)]*\)`),
		regexp.MustCompile(`\*[^*]*\*`),
	}

	clockTime = regexp.MustCompile(`(?i)\b(\d{1,2}):(\d{2})(?:\s?([ap])\.?m\.?)?\b`)

	// Each pass uses the same pattern; once the dollar pass has consumed a
	// match the later passes never see it.
	currency      = regexp.MustCompile(`\$([\d.]+)\s?(\w+)`)
	currencyWords = []string{"dollars", "pounds", "euro"}

	pictographs = regexp.MustCompile(`[` +
		`\x{1F1E0}-\x{1F1FF}` +
		`\x{1F300}-\x{1F5FF}` +
		`\x{1F600}-\x{1F64F}` +
		`\x{1F680}-\x{1F6FF}` +
		`\x{1F700}-\x{1F77F}` +
		`\x{1F780}-\x{1F7FF}` +
		`\x{1F800}-\x{1F8FF}` +
		`\x{1F900}-\x{1F9FF}` +
		`\x{1FA00}-\x{1FA6F}` +
		`\x{1FA70}-\x{1FAFF}` +
		`\x{2702}-\x{27B0}` +
		`\x{24C2}-\x{1F251}` +
		`]+`)

	spaceRun = regexp.MustCompile(`[ \t]{2,}`)
)

// Text returns the speakable form of s. It has no side effects.
func Text(s string) string {
	s = norm.NFKC.String(s)
	s = codeFence.ReplaceAllString(s, "")
	s = StripBrackets(s)
	s = SpokenTimes(s)
	s = Currency(s)
	s = pictographs.ReplaceAllString(s, " ")
	s = spaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// StripBrackets removes [..], (..) and *..* spans.
func StripBrackets(s string) string {
	for _, re := range brackets {
		s = re.ReplaceAllString(s, "")
	}
	return s
}

// Currency rewrites "$<amount> <unit>" patterns.
func Currency(s string) string {
	for _, word := range currencyWords {
		s = currency.ReplaceAllString(s, "${1} ${2} "+word)
	}
	return s
}

// SpokenTimes converts clock times such as "7:05pm" or "14:30" into words.
// Matches that are not valid times are left untouched.
func SpokenTimes(s string) string {
	return clockTime.ReplaceAllStringFunc(s, func(match string) string {
		parts := clockTime.FindStringSubmatch(match)
		hour, err := strconv.Atoi(parts[1])
		if err != nil {
			return match
		}
		minute, err := strconv.Atoi(parts[2])
		if err != nil || minute > 59 {
			return match
		}
		meridiem := strings.ToLower(parts[3])
		if meridiem != "" {
			if hour < 1 || hour > 12 {
				return match
			}
		} else if hour > 23 {
			return match
		}

		var words []string
		words = append(words, numberWords(hour))
		switch {
		case minute == 0 && meridiem == "":
			words = append(words, "o'clock")
		case minute == 0:
		case minute < 10:
			words = append(words, "oh", numberWords(minute))
		default:
			words = append(words, numberWords(minute))
		}
		if meridiem != "" {
			words = append(words, strings.ToUpper(meridiem), "M")
		}
		return strings.Join(words, " ")
	})
}

var ones = []string{
	"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
	"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen",
	"seventeen", "eighteen", "nineteen",
}

var tens = []string{"", "", "twenty", "thirty", "forty", "fifty"}

func numberWords(n int) string {
	if n < 20 {
		return ones[n]
	}
	word := tens[n/10]
	if n%10 != 0 {
		word += "-" + ones[n%10]
	}
	return word
}
