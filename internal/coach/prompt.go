package coach

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/hydroac/aicoach/internal/provider"
	"github.com/hydroac/aicoach/internal/store"
)

const fallbackLocale = "en"

// BuildSystemPrompt returns the instruction message placed ahead of the
// transcript.
func BuildSystemPrompt(description, code, codeLang string) string {
	return fmt.Sprintf(`You are an expert assistant that helps with code analysis and debugging. Be precise and concise. Here's the problem description:
%s
User's code or input:
%s
User's current selected code language is: %s, so please use the selected code language to provide assistance. 你的回答语言和用户使用的语言相同`,
		description, code, codeLang)
}

// BuildPrompt prepends the system prompt to a copy of the transcript with
// message text trimmed.
func BuildPrompt(system string, transcript []store.Message) []provider.ChatMessage {
	out := make([]provider.ChatMessage, 0, len(transcript)+1)
	out = append(out, provider.ChatMessage{Role: string(store.RoleSystem), Content: system})
	for _, m := range transcript {
		out = append(out, provider.ChatMessage{Role: string(m.Role), Content: strings.TrimSpace(m.Content)})
	}
	return out
}

// ProblemDescription picks the description text for locale out of a problem's
// multi-locale content blob. It falls back to English, then to the first
// non-empty locale. Content that is not a JSON object is returned as is.
func ProblemDescription(content, locale string) string {
	if !gjson.Valid(content) {
		return content
	}
	root := gjson.Parse(content)
	if !root.IsObject() {
		return root.String()
	}

	for _, l := range []string{locale, fallbackLocale} {
		if l == "" {
			continue
		}
		if v := root.Get(l); v.Exists() && v.String() != "" {
			return v.String()
		}
	}

	var first string
	root.ForEach(func(_, v gjson.Result) bool {
		if s := v.String(); s != "" {
			first = s
			return false
		}
		return true
	})
	return first
}
