package handlers

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"argumentum/bursar/internal/ledger"
	bursarapi "argumentum/bursar/pkg/api/bursar"
	"argumentum/bursar/pkg/logging"
	"argumentum/bursar/pkg/middleware"
	"argumentum/bursar/pkg/models"
)

// ChargeService debits the team owner's balance when a petition is filed.
// Any member may file; the owner always pays.
type ChargeService struct {
	db     *sql.DB
	ledger *ledger.Ledger
	logger logging.Logger
}

// NewChargeService creates a new charge service
func NewChargeService(database *sql.DB, l *ledger.Ledger, log logging.Logger) *ChargeService {
	return &ChargeService{db: database, ledger: l, logger: log}
}

// ChargeResult reports who paid and what remains
type ChargeResult struct {
	OwnerID    string
	NewBalance int64
}

// ChargeForPetition resolves the paying owner and debits the petition cost.
// The petition row itself lives in another service and is never rolled back
// here; a petition left unpaid is visible in the ledger by the absence of
// its charge.
func (s *ChargeService) ChargeForPetition(ctx context.Context, teamID, petitionID string, tokenCost int64, initiatorID string) (*ChargeResult, error) {
	member, err := isTeamMember(ctx, s.db, teamID, initiatorID)
	if err != nil {
		return nil, fmt.Errorf("failed to check team membership: %w", err)
	}
	if !member {
		return nil, ledger.ErrForbidden
	}

	ownerID, err := lookupTeamOwner(ctx, s.db, teamID)
	if err != nil {
		return nil, err
	}

	result, err := s.ledger.Apply(ctx, ledger.ApplyParams{
		AccountID:   ownerID,
		Amount:      -tokenCost,
		Type:        models.TransactionPetitionCharge,
		Description: fmt.Sprintf("Petition filing charge (%d tokens)", tokenCost),
		Metadata: models.Metadata{
			"team_id":      teamID,
			"petition_id":  petitionID,
			"initiated_by": initiatorID,
		},
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logging.Fields{
		"team_id":     teamID,
		"petition_id": petitionID,
		"owner_id":    ownerID,
		"token_cost":  tokenCost,
		"new_balance": result.NewBalance,
	}).Info("Charged petition filing")

	return &ChargeResult{OwnerID: ownerID, NewBalance: result.NewBalance}, nil
}

// isTeamMember checks the external team_members table for any role
func isTeamMember(ctx context.Context, database *sql.DB, teamID, accountID string) (bool, error) {
	var exists bool
	err := database.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM team_members WHERE team_id = $1 AND user_id = $2
		)
	`, teamID, accountID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// lookupTeamOwner returns the account holding the owner role for a team
func lookupTeamOwner(ctx context.Context, database *sql.DB, teamID string) (string, error) {
	var ownerID string
	err := database.QueryRowContext(ctx, `
		SELECT user_id FROM team_members WHERE team_id = $1 AND role = 'owner'
	`, teamID).Scan(&ownerID)
	if err == sql.ErrNoRows {
		return "", ledger.ErrOwnerNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up team owner: %w", err)
	}
	return ownerID, nil
}

// ChargePetition handles POST /charge. The initiating account comes from
// the JWT, never the body.
func ChargePetition(c middleware.Context) {
	var req bursarapi.ChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	initiatorID := c.GetString("account_id")
	result, err := chargeService.ChargeForPetition(c.Request.Context(), req.TeamID, req.PetitionID, req.TokenCost, initiatorID)
	if err != nil {
		switch {
		case err == ledger.ErrForbidden:
			countMutation("petition_charge", "forbidden")
			c.JSON(http.StatusForbidden, bursarapi.ErrorResponse{Error: "Not a member of this team"})
		case err == ledger.ErrOwnerNotFound:
			countMutation("petition_charge", "owner_not_found")
			c.JSON(http.StatusNotFound, bursarapi.ErrorResponse{Error: "Team owner not found"})
		default:
			if ib, ok := ledger.AsInsufficientBalance(err); ok {
				countMutation("petition_charge", "insufficient_balance")
				c.JSON(http.StatusPaymentRequired, bursarapi.InsufficientBalanceResponse{
					Error:     "Insufficient token balance",
					Required:  ib.Required,
					Available: ib.Available,
				})
				return
			}
			countMutation("petition_charge", "error")
			logger.WithError(err).WithFields(logging.Fields{
				"team_id":     req.TeamID,
				"petition_id": req.PetitionID,
			}).Error("Failed to charge petition")
			c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: "Failed to charge petition"})
		}
		return
	}

	countMutation("petition_charge", "applied")
	c.JSON(http.StatusOK, bursarapi.ChargeResponse{
		OwnerID:    result.OwnerID,
		NewBalance: result.NewBalance,
		TokenCost:  req.TokenCost,
	})
}
