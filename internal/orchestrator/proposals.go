package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/poliport/poliport/pkg/models"
)

// recordProposals persists proposal-tracking rows for proposal ids observed
// in tool outputs. Writing is at-least-once; a crash after the tool ran but
// before the row lands loses nothing the poller cannot re-derive, and a
// duplicate row is resolved downstream by proposal id.
func (o *Orchestrator) recordProposals(ctx context.Context, sess *models.Session, convID, participantID string, proposalIDs []string) {
	for _, pid := range proposalIDs {
		err := o.store.Proposals().Create(ctx, &models.ProposalTracking{
			ID:             uuid.NewString(),
			ProposalID:     pid,
			ConversationID: convID,
			SessionToken:   sess.Token,
			ParticipantID:  participantID,
			CreatedAt:      o.nowFunc(),
		})
		if err != nil {
			o.logger.Error("proposal tracking write failed",
				"proposal_id", pid, "conversation_id", convID, "error", err)
		}
	}
}

// PollProposals hands unprocessed proposal-tracking rows to fn and marks the
// ones fn accepted. A failing handler leaves its row unprocessed for the
// next poll, so delivery is at least once.
func (o *Orchestrator) PollProposals(ctx context.Context, limit int, fn func(*models.ProposalTracking) error) (int, error) {
	rows, err := o.store.Proposals().ListUnprocessed(ctx, limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, row := range rows {
		if err := fn(row); err != nil {
			o.logger.Warn("proposal handler failed, row stays unprocessed",
				"proposal_id", row.ProposalID, "error", err)
			continue
		}
		if err := o.store.Proposals().MarkProcessed(ctx, row.ID); err != nil {
			o.logger.Error("marking proposal processed failed",
				"proposal_id", row.ProposalID, "error", err)
			continue
		}
		processed++
	}
	return processed, nil
}
