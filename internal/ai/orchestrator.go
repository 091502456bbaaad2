// Package ai orchestrates chat requests: classify the message into a cost
// tier, verify energy, condition the prompt on the user's context packet,
// call the model through a pooled executor, then debit energy only after a
// successful generation.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careerpulse/hub/internal/energy"
	"github.com/careerpulse/hub/internal/events"
	"github.com/careerpulse/hub/internal/hub"
	"github.com/careerpulse/hub/internal/narrative"
	"github.com/careerpulse/hub/internal/pool"
)

// TextGenerator is the model RPC boundary. Implementations are expected to
// be a thin HTTP client; retries, timeouts and the circuit breaker live in
// the executor, not here.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Gate is the slice of the energy ledger the orchestrator needs.
type Gate interface {
	CanPerform(ctx context.Context, userID, action string) (*energy.CanPerformResult, error)
	Consume(ctx context.Context, userID, action, idempotencyKey string, opts energy.ConsumeOptions) (*energy.ConsumeResult, error)
}

// PacketSource builds context packets; satisfied by narrative.Builder.
type PacketSource interface {
	Build(ctx context.Context, userID string) *narrative.Packet
}

// ChatRequest is one inbound chat message.
type ChatRequest struct {
	UserID     string `json:"user_id"`
	Message    string `json:"message"`
	AppContext string `json:"app_context,omitempty"`
}

// ChatResponse is the generated reply plus accounting detail.
type ChatResponse struct {
	Message        string      `json:"message"`
	Action         string      `json:"action"`
	EnergyConsumed float64     `json:"energy_consumed"`
	BalanceAfter   float64     `json:"balance_after"`
	Context        ChatContext `json:"context"`
}

// ChatContext reports how much stored user context conditioned the reply.
type ChatContext struct {
	Confidence float64 `json:"confidence"`
}

const personalityPrompt = `Tu es le coach carriere CareerPulse: direct, concret,
bienveillant. Reponds dans la langue du message. Donne des etapes actionnables
plutot que des generalites.`

// minPacketConfidence below which the packet is left out of the prompt
// entirely; a low-confidence summary is worse than none.
const minPacketConfidence = 0.3

// Orchestrator wires the chat pipeline.
type Orchestrator struct {
	gate    Gate
	packets PacketSource
	model   TextGenerator
	exec    *pool.Executor
	sink    events.Sink
	log     zerolog.Logger
}

// NewOrchestrator creates the orchestrator.
func NewOrchestrator(gate Gate, packets PacketSource, model TextGenerator, exec *pool.Executor, sink events.Sink, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		gate:    gate,
		packets: packets,
		model:   model,
		exec:    exec,
		sink:    sink,
		log:     logger.With().Str("component", "ai").Logger(),
	}
}

// Chat handles one message end to end. Energy is debited only after the
// model call succeeds, so a provider outage never costs the user anything.
func (o *Orchestrator) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if req.UserID == "" {
		return nil, hub.E(hub.KindValidation, "user_id is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, hub.E(hub.KindValidation, "message is required")
	}

	action := Classify(req.Message)

	check, err := o.gate.CanPerform(ctx, req.UserID, action)
	if err != nil {
		return nil, err
	}
	if !check.Allowed {
		return nil, hub.E(hub.KindInsufficientEnergy, "not enough energy for this request").
			WithDetails(map[string]interface{}{
				"action":   action,
				"required": check.Required,
				"current":  check.Current,
				"deficit":  check.Deficit,
			})
	}

	packet := o.packets.Build(ctx, req.UserID)
	prompt := assemblePrompt(packet, req)

	var reply string
	err = o.exec.Do(ctx, func(ctx context.Context) error {
		var genErr error
		reply, genErr = o.model.Generate(ctx, prompt)
		return genErr
	})
	if err != nil {
		o.emit(events.TypeAIResponseFailed, req.UserID, map[string]interface{}{
			"action": action,
			"error":  err.Error(),
		})
		o.log.Warn().Err(err).Str("user_id", req.UserID).Str("action", action).Msg("generation failed")
		var typed *hub.Error
		if !errors.As(err, &typed) {
			return nil, hub.Wrap(hub.KindUpstreamUnavailable, "ai provider unavailable", err)
		}
		return nil, err
	}

	// Idempotency key is per generated response: a retried HTTP request that
	// reached this point already produced a distinct generation.
	result, err := o.gate.Consume(ctx, req.UserID, action, "chat:"+uuid.New().String(), energy.ConsumeOptions{
		Context: map[string]interface{}{"app_context": req.AppContext},
	})
	if err != nil {
		o.log.Error().Err(err).Str("user_id", req.UserID).Msg("post-generation debit failed")
		return nil, err
	}

	o.emit(events.TypeAIResponseGenerated, req.UserID, map[string]interface{}{
		"action":             action,
		"energy_consumed":    result.Consumed,
		"context_confidence": packet.Confidence,
		"app_context":        req.AppContext,
		"message":            req.Message,
	})
	_ = events.RecordProcessing(ctx, o.sink, req.UserID, "content", "chat_generation",
		[]string{"message", "app_context"})

	return &ChatResponse{
		Message:        reply,
		Action:         action,
		EnergyConsumed: result.Consumed,
		BalanceAfter:   result.NewBalance,
		Context:        ChatContext{Confidence: packet.Confidence},
	}, nil
}

// assemblePrompt layers the personality prompt, the packet summary, a
// sentiment hint and the raw message.
func assemblePrompt(packet *narrative.Packet, req ChatRequest) string {
	var b strings.Builder
	b.WriteString(personalityPrompt)
	b.WriteString("\n\n")

	if packet != nil && packet.Confidence >= minPacketConfidence {
		fmt.Fprintf(&b, "Contexte utilisateur (confiance %.2f):\n", packet.Confidence)
		fmt.Fprintf(&b, "- Compte: %d jours, plan %s\n", packet.User.AccountAgeDays, packet.User.Plan)
		fmt.Fprintf(&b, "- Sessions (7j): %d\n", packet.Usage.SessionsLast7Days)
		if len(packet.Usage.AppMix) > 0 {
			fmt.Fprintf(&b, "- Apps utilisees: %s\n", strings.Join(packet.Usage.AppMix, ", "))
		}
		for _, p := range packet.Progress {
			fmt.Fprintf(&b, "- %s: %.0f (%s)\n", p.Metric, p.Latest, p.Trend)
		}
		fmt.Fprintf(&b, "- Ton a adopter: utilisateur %s, energie %s\n",
			packet.Sentiment.Category, packet.Sentiment.Energy)
		b.WriteString("\n")
	}

	if req.AppContext != "" {
		fmt.Fprintf(&b, "Application d'origine: %s\n\n", req.AppContext)
	}

	b.WriteString("Message:\n")
	b.WriteString(req.Message)
	return b.String()
}

func (o *Orchestrator) emit(eventType, userID string, payload map[string]interface{}) {
	if o.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := o.sink.Create(ctx, eventType, userID, payload, nil); err != nil {
		o.log.Warn().Err(err).Str("event_type", eventType).Msg("event emit failed")
	}
}
