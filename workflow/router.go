package workflow

import "strings"

// Selection is the branch a decision node committed to.
type Selection struct {
	// Handle is "choice-<i>" or "else".
	Handle string `json:"handle"`
	// Index is the matched choice index, -1 for else.
	Index int `json:"index"`
	// Choice is the declared choice text, "Else" for the else branch.
	Choice string `json:"choice"`
}

// IsElse reports whether the else branch was selected.
func (s Selection) IsElse() bool {
	return s.Handle == HandleElse
}

var elseSelection = Selection{Handle: HandleElse, Index: -1, Choice: "Else"}

// Route maps a decision node's raw model output to exactly one branch:
//
//  1. exact match against a choice, ignoring case and surrounding space
//  2. the literal word "else"
//  3. the first declared choice contained in the output, ignoring case
//  4. else
func Route(choices []string, raw string) Selection {
	out := strings.TrimSpace(raw)
	lower := strings.ToLower(out)

	for i, c := range choices {
		c = strings.TrimSpace(c)
		if c != "" && strings.EqualFold(c, out) {
			return Selection{Handle: ChoiceHandle(i), Index: i, Choice: choices[i]}
		}
	}
	if lower == "else" {
		return elseSelection
	}
	for i, c := range choices {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" && strings.Contains(lower, c) {
			return Selection{Handle: ChoiceHandle(i), Index: i, Choice: choices[i]}
		}
	}
	return elseSelection
}
