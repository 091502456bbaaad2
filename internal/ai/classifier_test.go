package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/careerpulse/hub/internal/energy"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		message string
		action  string
	}{
		{"Bonjour, ça va ?", "chat_conversation"},
		{"merci beaucoup", "chat_conversation"},
		{"Un conseil pour mon entretien demain ?", "conseil_rapide"},
		{"How do I answer salary questions?", "conseil_rapide"},
		{"Peux-tu optimiser mon CV ?", "chat_optimize"},
		{"please improve this paragraph", "chat_optimize"},
		{"Analyse mon profil LinkedIn", "chat_analyze"},
		{"what's my ats score?", "chat_analyze"},
		{"Aide-moi à bâtir une stratégie de carrière", "chat_strategy"},
		{"I need a long term career plan", "chat_strategy"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.action, Classify(tc.message), tc.message)
	}
}

func TestClassifyMostExpensiveTierWins(t *testing.T) {
	// Matches both analyze and strategy keywords; the pricier tier is the
	// service actually requested.
	assert.Equal(t, "chat_strategy", Classify("analyse ma stratégie de reconversion"))

	// Matches optimize and advice; optimize is the broader ask.
	assert.Equal(t, "chat_optimize", Classify("un conseil pour optimiser ma lettre"))
}

func TestClassifyCaseInsensitive(t *testing.T) {
	assert.Equal(t, "chat_strategy", Classify("STRATEGY session please"))
}

func TestClassifierActionsHaveCosts(t *testing.T) {
	// Every action the classifier can return must be priced, otherwise a
	// chat message would be rejected as an unknown action.
	actions := map[string]struct{}{actionConversation: {}}
	for _, rule := range tierRules {
		actions[rule.action] = struct{}{}
	}
	for action := range actions {
		_, err := energy.Cost(action)
		assert.NoError(t, err, action)
	}
}
