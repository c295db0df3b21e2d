package eval

import "strings"

// AgentAction is one parsed agent response.
type AgentAction struct {
	Navigate string // target URL, when the agent chose to navigate
	Answer   string // final answer text, when the agent answered
}

// IsAnswer reports whether the action carries a final answer.
func (a AgentAction) IsAnswer() bool { return a.Answer != "" }

// ParseAction extracts the agent's action from a model response. Models
// wrap their action in prose often enough that the last recognizable
// directive wins.
func ParseAction(response string) (AgentAction, bool) {
	var action AgentAction
	var found bool
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		line = strings.Trim(line, "`*")

		if rest, ok := cutPrefixFold(line, "ANSWER:"); ok {
			if ans := strings.TrimSpace(rest); ans != "" {
				action = AgentAction{Answer: ans}
				found = true
			}
			continue
		}
		if rest, ok := cutPrefixFold(line, "NAVIGATE"); ok {
			target := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), ":"))
			target = strings.Trim(target, "<>")
			if target != "" {
				action = AgentAction{Navigate: target}
				found = true
			}
		}
	}
	return action, found
}

// cutPrefixFold is strings.CutPrefix with ASCII case folding.
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) {
		return "", false
	}
	if !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return s[len(prefix):], true
}
