// Package blacklist suppresses autoresponses to addresses that must never
// receive one, such as no-reply mailboxes.
package blacklist

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/tracyhatemice/imaprelay/internal/mailerr"
)

// DefaultRules blocks no-reply@ and noreply@ at any domain.
const DefaultRules = "no-reply@*;noreply@*"

type rule struct {
	source string
	re     *regexp.Regexp
}

// Matcher holds an ordered set of case-insensitive patterns. A pattern
// matches when it matches at the start of the address; it does not have to
// consume the whole address.
type Matcher struct {
	rules  []rule
	logger *slog.Logger
}

// New compiles the ;-separated patterns in rules. An empty string selects
// DefaultRules.
func New(rules string, logger *slog.Logger) (*Matcher, error) {
	if strings.TrimSpace(rules) == "" {
		rules = DefaultRules
	}

	m := &Matcher{logger: logger}
	for _, src := range strings.Split(rules, ";") {
		src = strings.TrimSpace(src)
		if src == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)^(?:` + src + `)`)
		if err != nil {
			return nil, &mailerr.ConfigError{
				Field: "relay.reply_blacklist",
				Err:   fmt.Errorf("rule %q: %w", src, err),
			}
		}
		m.rules = append(m.rules, rule{source: src, re: re})
	}
	return m, nil
}

// IsBlocked reports whether address matches any rule. The first matching
// rule wins.
func (m *Matcher) IsBlocked(address string) bool {
	for _, r := range m.rules {
		if r.re.MatchString(address) {
			m.logger.Debug("reply blocked, recipient matched blacklist rule",
				"recipient", address,
				"rule", r.source,
			)
			return true
		}
	}
	return false
}

// Rules returns the patterns in match order.
func (m *Matcher) Rules() []string {
	out := make([]string, len(m.rules))
	for i, r := range m.rules {
		out[i] = r.source
	}
	return out
}
