package orchestrator

import (
	"context"
	"strings"

	"github.com/poliport/poliport/internal/middleware"
	"github.com/poliport/poliport/pkg/models"
)

// streamResult is what one transformed turn produced.
type streamResult struct {
	text        string
	proposalIDs []string
	err         error
}

// transform pipes the runtime's raw events to the caller as normalized
// stream events, strictly in upstream order. Text deltas for the whole turn
// are framed by one text-start/text-end pair; tool events interleave between
// them exactly where the runtime emitted them. The pipe never reorders or
// batches, and a blocked downstream send aborts on ctx cancellation so the
// upstream runtime handle is released rather than leaked.
func (o *Orchestrator) transform(ctx context.Context, upstream <-chan models.RuntimeEvent, out chan<- models.StreamEvent, messageID string) streamResult {
	var (
		text        strings.Builder
		proposalIDs []string
		textOpen    bool
	)

	emit := func(ev models.StreamEvent) bool {
		select {
		case out <- ev:
			o.countEvent(ev.Type)
			return true
		case <-ctx.Done():
			return false
		}
	}
	openText := func() bool {
		if textOpen {
			return true
		}
		textOpen = true
		return emit(models.StreamEvent{Type: models.StreamTextStart, MessageID: messageID})
	}
	delta := func(s string) bool {
		if s == "" {
			return true
		}
		text.WriteString(s)
		if !openText() {
			return false
		}
		return emit(models.StreamEvent{Type: models.StreamTextDelta, MessageID: messageID, Delta: s})
	}

	for {
		var ev models.RuntimeEvent
		var ok bool
		select {
		case ev, ok = <-upstream:
		case <-ctx.Done():
			return streamResult{text: text.String(), proposalIDs: proposalIDs, err: ctx.Err()}
		}
		if !ok {
			break
		}

		switch ev.Type {
		case models.RuntimeEventChunk:
			if ev.Text != "" {
				if !delta(ev.Text) {
					return streamResult{text: text.String(), proposalIDs: proposalIDs, err: ctx.Err()}
				}
				continue
			}
			for _, part := range ev.Parts {
				if part.Type != "text" {
					continue
				}
				if !delta(part.Text) {
					return streamResult{text: text.String(), proposalIDs: proposalIDs, err: ctx.Err()}
				}
			}

		case models.RuntimeEventToolStart:
			if !emit(models.StreamEvent{
				Type:       models.StreamToolInputStart,
				ToolCallID: ev.ToolCallID,
				ToolName:   ev.ToolName,
			}) {
				return streamResult{text: text.String(), proposalIDs: proposalIDs, err: ctx.Err()}
			}

		case models.RuntimeEventToolEnd:
			if !emit(models.StreamEvent{
				Type:       models.StreamToolInputAvailable,
				ToolCallID: ev.ToolCallID,
				ToolName:   ev.ToolName,
				Input:      ev.ToolInput,
			}) {
				return streamResult{text: text.String(), proposalIDs: proposalIDs, err: ctx.Err()}
			}
			if ev.ToolOutput == nil {
				continue
			}
			args := middleware.NormalizeInput(ev.ToolInput)
			output := o.middleware.FormatOutput(ctx, ev.ToolName, args, ev.ToolOutput)
			proposalIDs = append(proposalIDs, extractProposalIDs(output)...)
			if !emit(models.StreamEvent{
				Type:       models.StreamToolOutputAvailable,
				ToolCallID: ev.ToolCallID,
				Output:     output,
			}) {
				return streamResult{text: text.String(), proposalIDs: proposalIDs, err: ctx.Err()}
			}

		case models.RuntimeEventError:
			o.logger.Error("runtime stream failed", "error", ev.Err)
			emit(models.StreamEvent{Type: models.StreamError, ErrorMessage: streamErrorMessage})
			return streamResult{text: text.String(), proposalIDs: proposalIDs, err: ev.Err}
		}
	}

	if textOpen {
		emit(models.StreamEvent{Type: models.StreamTextEnd, MessageID: messageID})
	}
	return streamResult{text: text.String(), proposalIDs: proposalIDs}
}

// extractProposalIDs pulls insurance-proposal ids out of a formatted tool
// output. Outputs are arbitrary JSON-ish values; only top-level maps carry
// proposal references.
func extractProposalIDs(output any) []string {
	m, ok := output.(map[string]any)
	if !ok {
		return nil
	}
	for _, key := range []string{"proposalId", "proposal_id"} {
		if v, ok := m[key].(string); ok && v != "" {
			return []string{v}
		}
	}
	return nil
}
