// Package assistant is the reference backend's canned reply generator.
// It stands in for the real legal-assistant model so the protocol can be
// exercised end to end without an upstream dependency.
package assistant

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/casemark-dev/casechat/internal/protocol"
)

var openers = map[string]string{
	"":   "Based on the information you provided",
	"en": "Based on the information you provided",
	"de": "Auf Grundlage Ihrer Angaben",
	"es": "Con base en la información proporcionada",
	"fr": "Sur la base des informations fournies",
}

var sources = []protocol.Citation{
	{Title: "General Terms of Civil Procedure", Source: "civil-procedure/12"},
	{Title: "Consumer Protection Act, §4", Source: "consumer-protection/4"},
	{Title: "Contract Law Digest, ch. 7", Source: "contract-law/7"},
}

// Reply produces a deterministic stand-in answer with a citation. The
// variant parameter distinguishes regenerated answers from the original
// so version switching is observable.
func Reply(prompt, language string, variant int) (string, []protocol.Citation) {
	opener, ok := openers[normalize(language)]
	if !ok {
		opener = openers["en"]
	}

	h := fnv.New32a()
	h.Write([]byte(prompt))
	citation := sources[int(h.Sum32())%len(sources)]

	body := fmt.Sprintf("%s, regarding %q: this falls under %s. Please consult a licensed attorney before acting on this information.",
		opener, truncate(prompt, 60), citation.Title)
	if variant > 0 {
		body = fmt.Sprintf("%s (revised answer %d)", body, variant)
	}
	return body, []protocol.Citation{citation}
}

func normalize(language string) string {
	language = strings.ToLower(strings.TrimSpace(language))
	if i := strings.IndexAny(language, "-_"); i > 0 {
		language = language[:i]
	}
	return language
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
