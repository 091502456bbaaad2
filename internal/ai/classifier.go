package ai

import "strings"

// tierRule binds a set of trigger keywords to a billable chat action.
type tierRule struct {
	action   string
	keywords []string
}

// tierRules is evaluated in order and the first keyword hit wins. Rules are
// sorted from most to least expensive so that a message matching several
// tiers ("analyse ma strategie") bills the broader service it actually asks
// for. Keywords cover French and English because the client apps ship both.
var tierRules = []tierRule{
	{action: "chat_strategy", keywords: []string{
		"strategie", "stratégie", "strategy", "plan de carriere", "plan de carrière",
		"career plan", "roadmap", "long terme", "long term", "reconversion",
	}},
	{action: "chat_analyze", keywords: []string{
		"analyse", "analyze", "analyse complete", "evaluer", "évaluer", "evaluate",
		"bilan", "audit", "score",
	}},
	{action: "chat_optimize", keywords: []string{
		"optimise", "optimize", "optimiser", "ameliore", "améliore", "improve",
		"reformule", "rewrite", "corrige",
	}},
	{action: "conseil_rapide", keywords: []string{
		"conseil", "advice", "astuce", "tip", "comment faire", "how do i",
		"how to", "que faire", "should i", "dois-je",
	}},
}

const actionConversation = "chat_conversation"

// Classify maps a chat message to an energy action. Plain conversation with
// no trigger keyword costs nothing.
func Classify(message string) string {
	normalized := strings.ToLower(message)
	for _, rule := range tierRules {
		for _, kw := range rule.keywords {
			if strings.Contains(normalized, kw) {
				return rule.action
			}
		}
	}
	return actionConversation
}
