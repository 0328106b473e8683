package classifier

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"chat-dispatch/pkg/models"
)

// Reasons recorded on a Decision, used in logs and metrics
const (
	ReasonSticky            = "session_in_handoff"
	ReasonOrderNumber       = "order_number"
	ReasonOrderKeyword      = "order_keyword"
	ReasonHumanKeyword      = "human_keyword"
	ReasonFallbackThreshold = "fallback_threshold"
	ReasonDefault           = "default"
)

var (
	// keyword followed by an identifier, e.g. "order 12345", "订单号：ORD2024080501"
	keywordOrderPattern = regexp.MustCompile(`(?i)(?:\border|订单号|订单)\s*(?:number|no\.?|id)?\s*[#:：]?\s*([a-z0-9][a-z0-9-]{2,31})`)
	// standalone order number, e.g. "ORD2024080501"
	bareOrderPattern = regexp.MustCompile(`\b([A-Z]{0,4}\d{8,20})\b`)

	orderKeywords  = newKeywordSet([]string{"订单", "快递", "物流", "发货", "配送", "order", "shipping", "delivery", "tracking"})
	cancelKeywords = []string{"取消", "cancel"}
)

// keywordSet matches Latin-script keywords as whole words (an optional plural
// "s" allowed) and CJK keywords as substrings, since CJK text has no spaces.
type keywordSet struct {
	words      *regexp.Regexp
	substrings []string
}

func newKeywordSet(keywords []string) keywordSet {
	var ks keywordSet
	var words []string
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		switch {
		case k == "":
		case isASCII(k):
			words = append(words, regexp.QuoteMeta(k))
		default:
			ks.substrings = append(ks.substrings, k)
		}
	}
	if len(words) > 0 {
		ks.words = regexp.MustCompile(`\b(?:` + strings.Join(words, "|") + `)s?\b`)
	}
	return ks
}

// match expects lowercased text
func (ks keywordSet) match(lower string) bool {
	for _, k := range ks.substrings {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return ks.words != nil && ks.words.MatchString(lower)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

type Config struct {
	HumanKeywords []string
	// FallbackThreshold is the number of consecutive fallbacks that escalates
	FallbackThreshold int
}

// Decision is a routing outcome. OrderID is set for order queries that carry
// a number; Cancel is set when a sender in handoff asks to leave the queue.
type Decision struct {
	Intent  models.Intent
	OrderID string
	Cancel  bool
	Reason  string
}

type Classifier struct {
	humanKeywords     keywordSet
	fallbackThreshold int
}

func New(cfg Config) *Classifier {
	return &Classifier{humanKeywords: newKeywordSet(cfg.HumanKeywords), fallbackThreshold: cfg.FallbackThreshold}
}

// Classify routes a message. It performs no I/O.
func (c *Classifier) Classify(text string, sess models.Session) Decision {
	lower := strings.ToLower(text)

	if sess.InHandoff() {
		return Decision{
			Intent: models.IntentHumanHandoff,
			Cancel: isCancel(lower),
			Reason: ReasonSticky,
		}
	}

	if id := ExtractOrderID(text); id != "" {
		return Decision{Intent: models.IntentOrderQuery, OrderID: id, Reason: ReasonOrderNumber}
	}
	if orderKeywords.match(lower) {
		return Decision{Intent: models.IntentOrderQuery, Reason: ReasonOrderKeyword}
	}

	if c.humanKeywords.match(lower) {
		return Decision{Intent: models.IntentHumanHandoff, Reason: ReasonHumanKeyword}
	}
	if c.fallbackThreshold > 0 && sess.ConsecutiveFallbacks >= c.fallbackThreshold {
		return Decision{Intent: models.IntentHumanHandoff, Reason: ReasonFallbackThreshold}
	}

	return Decision{Intent: models.IntentFAQ, Reason: ReasonDefault}
}

// ExtractOrderID returns the first order identifier found in text, uppercased
func ExtractOrderID(text string) string {
	for _, m := range keywordOrderPattern.FindAllStringSubmatch(text, -1) {
		if strings.IndexFunc(m[1], unicode.IsDigit) >= 0 {
			return strings.ToUpper(m[1])
		}
	}
	if m := bareOrderPattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

// isCancel matches a short cancel request, not any message mentioning the word
func isCancel(lower string) bool {
	trimmed := strings.TrimFunc(lower, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	for _, k := range cancelKeywords {
		if trimmed == k || strings.HasPrefix(trimmed, k+" ") || (strings.HasPrefix(trimmed, k) && len([]rune(trimmed)) <= 6) {
			return true
		}
	}
	return false
}
