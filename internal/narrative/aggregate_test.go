package narrative

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careerpulse/hub/internal/events"
)

func ev(eventType string, at time.Time, payload map[string]interface{}) events.Event {
	return events.Event{Type: eventType, Payload: payload, CreatedAt: at}
}

func TestFoldUsage(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	evs := []events.Event{
		ev("session_started", now.Add(-10*24*time.Hour), nil), // outside the 7d window
		ev("session_started", now.Add(-2*24*time.Hour), map[string]interface{}{"app_source": "resume-app"}),
		ev("session_started", now.Add(-1*24*time.Hour), map[string]interface{}{"app_source": "letter-app"}),
		ev(events.TypeEnergyConsumed, now.Add(-time.Hour), map[string]interface{}{"app_source": "resume-app"}),
	}

	stats := foldUsage(evs, now)

	assert.Equal(t, 2, stats.SessionsLast7Days)
	assert.Equal(t, []string{"letter-app", "resume-app"}, stats.AppMix)
	assert.Equal(t, 3, stats.ActionCounts["session_started"])
	assert.Equal(t, 1, stats.ActionCounts[events.TypeEnergyConsumed])
	assert.Equal(t, now.Add(-time.Hour), stats.LastActiveAt)
}

func TestFoldProgressATSScore(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	evs := []events.Event{
		ev("ats_scored", now.Add(-20*24*time.Hour), map[string]interface{}{"ats_score": 40.0}),
		ev("ats_scored", now.Add(-8*24*time.Hour), map[string]interface{}{"ats_score": 50.0}),
		ev("ats_scored", now.Add(-time.Hour), map[string]interface{}{"ats_score": 72.0}),
	}

	progress := foldProgress(evs, now)
	require.Len(t, progress, 1)

	p := progress[0]
	assert.Equal(t, MetricATSScore, p.Metric)
	assert.Equal(t, 72.0, p.Latest)
	assert.Equal(t, 50.0, p.Previous)
	assert.Equal(t, 22.0, p.Delta7D) // 72 against the 50 observed before the window
	assert.Equal(t, 72.0, p.Delta30D)
	assert.Equal(t, TrendBreakthrough, p.Trend)
}

func TestFoldProgressCumulativeCounts(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	evs := []events.Event{
		ev(events.TypeEnergyConsumed, now.Add(-3*24*time.Hour), map[string]interface{}{"feature_used": "lettre_motivation"}),
		ev(events.TypeEnergyConsumed, now.Add(-2*24*time.Hour), map[string]interface{}{"feature_used": "lettre_motivation"}),
		ev(events.TypeEnergyConsumed, now.Add(-24*time.Hour), map[string]interface{}{"feature_used": "optimisation_cv"}),
	}

	progress := foldProgress(evs, now)
	require.Len(t, progress, 2)

	assert.Equal(t, MetricLetters, progress[0].Metric)
	assert.Equal(t, 2.0, progress[0].Latest)
	assert.Equal(t, MetricCVOptims, progress[1].Metric)
	assert.Equal(t, 1.0, progress[1].Latest)
}

func TestTrendOf(t *testing.T) {
	assert.Equal(t, TrendBreakthrough, trendOf(25, 30))
	assert.Equal(t, TrendBreakthrough, trendOf(20, 0))
	assert.Equal(t, TrendRising, trendOf(5, 0))
	assert.Equal(t, TrendRising, trendOf(12, -20))
	assert.Equal(t, TrendDeclining, trendOf(-5, 0))
	assert.Equal(t, TrendDeclining, trendOf(-15, -30))
	assert.Equal(t, TrendStagnant, trendOf(0, -10))
	assert.Equal(t, TrendStable, trendOf(0, 0))
	assert.Equal(t, TrendStable, trendOf(4.9, 10))
}

func TestFoldSentiment(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name     string
		message  string
		category SentimentCategory
		energy   EnergyLevel
	}{
		{"anxious english", "I'm really worried about this interview", SentimentAnxious, EnergyLow},
		{"anxious french", "j'ai peur de rater l'entretien", SentimentAnxious, EnergyLow},
		{"motivated", "So motivated, let's go!", SentimentMotivated, EnergyHigh},
		{"curious", "comment améliorer mon CV ?", SentimentCurious, EnergyMedium},
		{"factual", "quel est mon statut ?", SentimentFactual, EnergyMedium},
		{"neutral", "bonjour", SentimentNeutral, EnergyMedium},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := foldSentiment([]events.Event{
				ev("chat_message", now, map[string]interface{}{"message": tc.message}),
			})
			assert.Equal(t, tc.category, s.Category)
			assert.Equal(t, tc.energy, s.Energy)
		})
	}
}

func TestFoldSentimentAnxiousWinsOverCurious(t *testing.T) {
	// The table is scanned in order; anxiety outranks curiosity even when
	// both hit.
	s := foldSentiment([]events.Event{
		ev("chat_message", time.Now(), map[string]interface{}{
			"message": "How should I prepare? I'm so stressed",
		}),
	})
	assert.Equal(t, SentimentAnxious, s.Category)
}

func TestFoldSentimentScansNewestFirst(t *testing.T) {
	now := time.Now()
	s := foldSentiment([]events.Event{
		ev("chat_message", now.Add(-2*time.Hour), map[string]interface{}{"message": "I'm worried"}),
		ev("chat_message", now, map[string]interface{}{"message": "feeling great and motivated"}),
	})
	assert.Equal(t, SentimentMotivated, s.Category)
}

func TestFoldSentimentNoText(t *testing.T) {
	s := foldSentiment([]events.Event{
		ev(events.TypeEnergyConsumed, time.Now(), map[string]interface{}{"action": "optimisation_cv"}),
	})
	assert.Equal(t, SentimentNeutral, s.Category)
	assert.Equal(t, EnergyMedium, s.Energy)
}

func TestConfidence(t *testing.T) {
	now := time.Now()

	assert.Equal(t, 0.1, confidence(0, time.Time{}, now))

	// Fresh activity: confidence scales linearly with sample size up to 50.
	assert.InDelta(t, 0.5, confidence(25, now, now), 0.01)
	assert.InDelta(t, 1.0, confidence(50, now, now), 0.01)
	assert.InDelta(t, 1.0, confidence(500, now, now), 0.01)

	// Staleness decays exponentially with a 14-day constant.
	twoWeeksAgo := now.Add(-14 * 24 * time.Hour)
	assert.InDelta(t, 0.368, confidence(50, twoWeeksAgo, now), 0.01)

	// A clock skew into the future does not inflate confidence.
	future := now.Add(time.Hour)
	assert.InDelta(t, 1.0, confidence(50, future, now), 0.01)
}

func TestEmptyPacket(t *testing.T) {
	now := time.Now()
	p := EmptyPacket("u1", now)

	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, 0.1, p.Confidence)
	assert.Equal(t, SentimentNeutral, p.Sentiment.Category)
	assert.Equal(t, "standard", p.User.Plan)
	assert.NotNil(t, p.Usage.ActionCounts)
}
