package events

import "context"

// RecordProcessing writes an explicit data-processing record for GDPR
// accounting. Every entry point that touches personal data calls this with
// the category of data, the purpose, and the fields involved. The record is
// a regular event so the audit trail lives with everything else.
//
// Best effort: a failed record is the caller's logger's problem, never the
// request's.
func RecordProcessing(ctx context.Context, sink Sink, userID, category, purpose string, fields []string) error {
	if sink == nil {
		return nil
	}
	_, err := sink.Create(ctx, TypeDataProcessed, userID, map[string]interface{}{
		"category": category,
		"purpose":  purpose,
		"fields":   fields,
	}, nil)
	return err
}
