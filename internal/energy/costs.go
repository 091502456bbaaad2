package energy

import "github.com/careerpulse/hub/internal/hub"

// Action costs. Compile-time table; unknown actions are rejected, never
// defaulted, so a client typo cannot become a free action.
var actionCosts = map[string]float64{
	// Resume optimizer
	"optimisation_cv":     12,
	"analyse_cv_complete": 25,
	"mirror_match":        30,

	// Cover-letter generator
	"lettre_motivation": 8,

	// Career-discovery assessor
	"analyse_profil": 15,

	// Conversational assistant tiers (resolved by the chat classifier)
	"chat_conversation": 0,
	"conseil_rapide":    5,
	"chat_optimize":     12,
	"chat_analyze":      15,
	"chat_strategy":     25,
}

// Cost returns the energy cost for an action.
func Cost(action string) (float64, error) {
	cost, ok := actionCosts[action]
	if !ok {
		return 0, hub.E(hub.KindUnknownAction, "unknown action: "+action)
	}
	return cost, nil
}

// KnownActions lists configured action names (for monitoring and the CLI).
func KnownActions() map[string]float64 {
	out := make(map[string]float64, len(actionCosts))
	for k, v := range actionCosts {
		out[k] = v
	}
	return out
}

// Pack is a purchasable energy bundle.
type Pack struct {
	Name       string
	Energy     float64
	Cumulative bool // may exceed max_energy when true
}

// Packs available for purchase.
var packs = map[string]Pack{
	"recharge_25":  {Name: "recharge_25", Energy: 25},
	"recharge_50":  {Name: "recharge_50", Energy: 50},
	"recharge_100": {Name: "recharge_100", Energy: 100},
	"booster_150":  {Name: "booster_150", Energy: 150, Cumulative: true},
}

// PackByName resolves a pack.
func PackByName(name string) (Pack, error) {
	p, ok := packs[name]
	if !ok {
		return Pack{}, hub.E(hub.KindValidation, "unknown energy pack: "+name)
	}
	return p, nil
}

// FirstPurchaseBonus is credited once per user on their first purchase.
const FirstPurchaseBonus = 10
