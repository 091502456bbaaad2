package narrative

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/careerpulse/hub/internal/events"
)

// Tracked metric names and the payload keys they read from.
const (
	MetricATSScore  = "ats_score"
	MetricLetters   = "letters_created"
	MetricCVOptims  = "cv_optimizations"
)

// foldUsage computes usage stats from an ascending event slice.
func foldUsage(evs []events.Event, now time.Time) UsageStats {
	stats := UsageStats{ActionCounts: map[string]int{}}
	apps := map[string]struct{}{}
	weekAgo := now.Add(-7 * 24 * time.Hour)

	for _, ev := range evs {
		stats.ActionCounts[ev.Type]++
		if ev.CreatedAt.After(stats.LastActiveAt) {
			stats.LastActiveAt = ev.CreatedAt
		}
		if strings.HasPrefix(ev.Type, "session_") && ev.CreatedAt.After(weekAgo) {
			stats.SessionsLast7Days++
		}
		if src, ok := ev.Payload["app_source"].(string); ok && src != "" {
			apps[src] = struct{}{}
		}
	}

	for app := range apps {
		stats.AppMix = append(stats.AppMix, app)
	}
	sort.Strings(stats.AppMix)
	return stats
}

// sample is one observed metric value.
type sample struct {
	value float64
	at    time.Time
}

// foldProgress derives per-metric progress from the event slice.
//
// ats_score is read directly from payloads; letters_created and
// cv_optimizations are cumulative counts of their producing events.
func foldProgress(evs []events.Event, now time.Time) []MetricProgress {
	series := map[string][]sample{}

	letters, optims := 0.0, 0.0
	for _, ev := range evs {
		if v, ok := numeric(ev.Payload[MetricATSScore]); ok {
			series[MetricATSScore] = append(series[MetricATSScore], sample{v, ev.CreatedAt})
		}
		switch ev.Payload["feature_used"] {
		case "lettre_motivation":
			letters++
			series[MetricLetters] = append(series[MetricLetters], sample{letters, ev.CreatedAt})
		case "optimisation_cv", "analyse_cv_complete":
			optims++
			series[MetricCVOptims] = append(series[MetricCVOptims], sample{optims, ev.CreatedAt})
		}
	}

	var out []MetricProgress
	for _, metric := range []string{MetricATSScore, MetricLetters, MetricCVOptims} {
		samples := series[metric]
		if len(samples) == 0 {
			continue
		}
		out = append(out, progressOf(metric, samples, now))
	}
	return out
}

func progressOf(metric string, samples []sample, now time.Time) MetricProgress {
	latest := samples[len(samples)-1]
	p := MetricProgress{Metric: metric, Latest: latest.value}
	if len(samples) > 1 {
		p.Previous = samples[len(samples)-2].value
	}

	p.Delta1D = latest.value - valueAt(samples, now.Add(-24*time.Hour))
	p.Delta7D = latest.value - valueAt(samples, now.Add(-7*24*time.Hour))
	p.Delta30D = latest.value - valueAt(samples, now.Add(-30*24*time.Hour))
	p.Trend = trendOf(p.Delta7D, p.Delta30D)
	return p
}

// valueAt returns the last observed value at or before t (0 if none).
func valueAt(samples []sample, t time.Time) float64 {
	v := 0.0
	for _, s := range samples {
		if s.at.After(t) {
			break
		}
		v = s.value
	}
	return v
}

// trendOf labels the 7-day delta; a flat 30-day window downgrades stable
// to stagnant.
func trendOf(delta7 float64, delta30 float64) Trend {
	switch {
	case delta7 >= 20:
		return TrendBreakthrough
	case delta7 >= 5:
		return TrendRising
	case delta7 <= -5:
		return TrendDeclining
	case math.Abs(delta7) < 5 && delta30 <= -10:
		return TrendStagnant
	default:
		return TrendStable
	}
}

// sentimentKeywords is the lexical table, scanned in order: the first
// category whose keywords hit wins. Neutral is the fallthrough.
var sentimentKeywords = []struct {
	category SentimentCategory
	energy   EnergyLevel
	words    []string
}{
	{SentimentAnxious, EnergyLow, []string{"worried", "anxious", "stressed", "afraid", "scared", "inquiet", "stress", "peur"}},
	{SentimentMotivated, EnergyHigh, []string{"excited", "motivated", "ready", "let's go", "great", "motivé", "prêt", "génial"}},
	{SentimentCurious, EnergyMedium, []string{"how", "why", "what if", "curious", "comment", "pourquoi"}},
	{SentimentFactual, EnergyMedium, []string{"score", "result", "status", "update", "résultat", "statut"}},
}

// foldSentiment scans the most recent user-authored texts (newest first,
// capped at 10) against the keyword table.
func foldSentiment(evs []events.Event) Sentiment {
	scanned := 0
	for i := len(evs) - 1; i >= 0 && scanned < 10; i-- {
		text, ok := evs[i].Payload["message"].(string)
		if !ok {
			if text, ok = evs[i].Payload["text"].(string); !ok {
				continue
			}
		}
		scanned++
		lower := strings.ToLower(text)
		for _, entry := range sentimentKeywords {
			for _, w := range entry.words {
				if strings.Contains(lower, w) {
					return Sentiment{Category: entry.category, Energy: entry.energy}
				}
			}
		}
	}
	return Sentiment{Category: SentimentNeutral, Energy: EnergyMedium}
}

// confidence grows with sample size and decays with staleness:
// min(1, n/50) * exp(-days_since_last_event/14).
func confidence(eventCount int, lastEvent, now time.Time) float64 {
	if eventCount == 0 {
		return 0.1
	}
	sizeFactor := math.Min(1, float64(eventCount)/50)
	days := now.Sub(lastEvent).Hours() / 24
	if days < 0 {
		days = 0
	}
	return sizeFactor * math.Exp(-days/14)
}

func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
