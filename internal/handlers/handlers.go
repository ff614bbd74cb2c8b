// Package handlers holds the bursar HTTP handlers and the domain services
// behind them: petition charges, subscription renewals, payment
// reconciliation, checkout creation and attachment storage.
package handlers

import (
	"database/sql"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"argumentum/bursar/internal/ledger"
	"argumentum/bursar/internal/storage"
	bursarapi "argumentum/bursar/pkg/api/bursar"
	"argumentum/bursar/pkg/logging"
	"argumentum/bursar/pkg/middleware"
)

var (
	db               *sql.DB
	logger           logging.Logger
	metrics          *BursarMetrics
	ledgerStore      *ledger.Ledger
	storageClient    *storage.Client
	chargeService    *ChargeService
	renewalService   *RenewalService
	reconcileService *ReconcileService
)

// BursarMetrics holds all Prometheus metrics for Bursar
type BursarMetrics struct {
	LedgerMutations   *prometheus.CounterVec
	RenewalOutcomes   *prometheus.CounterVec
	ReconcileSessions *prometheus.CounterVec
	StorageRequests   *prometheus.CounterVec
	DBQueries         *prometheus.CounterVec
	DBDuration        *prometheus.HistogramVec
	DBConnections     *prometheus.GaugeVec
}

// Init initializes the handlers with database, logger, metrics and the
// storage client. The ledger and domain services are built here so every
// handler shares one mutation path.
func Init(database *sql.DB, log logging.Logger, bursarMetrics *BursarMetrics, store *storage.Client) {
	db = database
	logger = log
	metrics = bursarMetrics
	storageClient = store
	ledgerStore = ledger.New(database, log)
	chargeService = NewChargeService(database, ledgerStore, log)
	renewalService = NewRenewalService(database, ledgerStore, log)
	reconcileService = NewReconcileService(ledgerStore, newStripeSessionLister(), log)
}

func countMutation(mutationType, outcome string) {
	if metrics != nil && metrics.LedgerMutations != nil {
		metrics.LedgerMutations.WithLabelValues(mutationType, outcome).Inc()
	}
}

// GetBalance returns the authenticated account's token balance
func GetBalance(c middleware.Context) {
	accountID := c.GetString("account_id")

	balance, err := ledgerStore.GetBalance(c.Request.Context(), accountID)
	if err != nil {
		logger.WithError(err).WithField("account_id", accountID).Error("Failed to read balance")
		c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: "Failed to read balance"})
		return
	}

	c.JSON(http.StatusOK, bursarapi.BalanceResponse{
		AccountID: accountID,
		Balance:   balance,
	})
}

// GetTransactions returns the authenticated account's recent ledger entries
func GetTransactions(c middleware.Context) {
	accountID := c.GetString("account_id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	transactions, err := ledgerStore.ListTransactions(c.Request.Context(), accountID, limit)
	if err != nil {
		logger.WithError(err).WithField("account_id", accountID).Error("Failed to list transactions")
		c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: "Failed to list transactions"})
		return
	}

	c.JSON(http.StatusOK, bursarapi.ListTransactionsResponse{
		AccountID:    accountID,
		Transactions: transactions,
		Count:        len(transactions),
	})
}

// GetTeamBalance resolves a team's owner and returns the owner's balance.
// Petitions draw from the owner's pool, so this is the number team
// dashboards show.
func GetTeamBalance(c middleware.Context) {
	teamID := c.Param("team_id")
	accountID := c.GetString("account_id")
	ctx := c.Request.Context()

	member, err := isTeamMember(ctx, db, teamID, accountID)
	if err != nil {
		logger.WithError(err).WithField("team_id", teamID).Error("Failed to check team membership")
		c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: "Failed to check team membership"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, bursarapi.ErrorResponse{Error: "Not a member of this team"})
		return
	}

	ownerID, err := lookupTeamOwner(ctx, db, teamID)
	if err == ledger.ErrOwnerNotFound {
		c.JSON(http.StatusNotFound, bursarapi.ErrorResponse{Error: "Team owner not found"})
		return
	}
	if err != nil {
		logger.WithError(err).WithField("team_id", teamID).Error("Failed to look up team owner")
		c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: "Failed to look up team owner"})
		return
	}

	balance, err := ledgerStore.GetBalance(ctx, ownerID)
	if err != nil {
		logger.WithError(err).WithField("owner_id", ownerID).Error("Failed to read owner balance")
		c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: "Failed to read balance"})
		return
	}

	c.JSON(http.StatusOK, bursarapi.TeamBalanceResponse{
		TeamID:  teamID,
		OwnerID: ownerID,
		Balance: balance,
	})
}
