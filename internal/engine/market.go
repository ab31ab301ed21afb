package engine

import (
	"context"

	"outcome-exchange/internal/model"
	"outcome-exchange/internal/store"
)

// CreateMarketReq is component F's input: a market needs at least two
// outcomes for a basket to mean anything.
type CreateMarketReq struct {
	GuildID      string
	CreatorID    string
	Description  string
	OracleUserID string
	Outcomes     []string // descriptions, in display order
}

func createMarket(ctx context.Context, st *store.Store, req CreateMarketReq) (*model.MarketWithOutcomes, error) {
	if req.Description == "" || req.OracleUserID == "" || len(req.Outcomes) < 2 {
		return nil, model.ErrInvalidParameters
	}
	if _, err := st.EnsureUser(ctx, req.CreatorID); err != nil {
		return nil, model.ErrInternal
	}
	if _, err := st.EnsureUser(ctx, req.OracleUserID); err != nil {
		return nil, model.ErrInternal
	}

	outcomes := make([]model.Outcome, len(req.Outcomes))
	for i, desc := range req.Outcomes {
		outcomes[i] = model.Outcome{Number: i + 1, Description: desc}
	}

	mwo, err := st.CreateMarket(ctx, model.Market{
		GuildID: req.GuildID, CreatorID: req.CreatorID,
		Description: req.Description, OracleUserID: req.OracleUserID,
	}, outcomes)
	if err != nil {
		return nil, model.ErrInternal
	}
	return mwo, nil
}
