package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"argumentum/bursar/internal/ledger"
	"argumentum/bursar/pkg/logging"
)

type fakeSessionLister struct {
	sessions []checkoutSession
	err      error
}

func (f *fakeSessionLister) ListCompletedSessions(ctx context.Context, customerID string) ([]checkoutSession, error) {
	return f.sessions, f.err
}

func newReconcileFixture(t *testing.T, lister sessionLister) (*ReconcileService, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })

	log := logging.NewLogger()
	return NewReconcileService(ledger.New(mockDB, log), lister, log), mock
}

func expectCredit(mock sqlmock.Sqlmock, accountID string, tokens, balanceBefore int64, key string) {
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO bursar.token_balances").
		WithArgs(accountID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT balance FROM bursar.token_balances.*FOR UPDATE`).
		WithArgs(accountID).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(balanceBefore))
	mock.ExpectExec("INSERT INTO bursar.token_transactions").
		WithArgs(sqlmock.AnyArg(), accountID, tokens, balanceBefore+tokens, "manual_verification",
			key, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE bursar.token_balances").
		WithArgs(balanceBefore+tokens, accountID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestReconcile_CreditsOnlyUncreditedSessions(t *testing.T) {
	lister := &fakeSessionLister{sessions: []checkoutSession{
		{ID: "cs_1", PaymentStatus: "paid", Metadata: map[string]string{"tokens": "100"}},
		{ID: "cs_2", PaymentStatus: "paid", Metadata: map[string]string{"tokens": "50"}},
		{ID: "cs_3", PaymentStatus: "paid", Metadata: map[string]string{"tokens": "25"}},
	}}
	s, mock := newReconcileFixture(t, lister)

	// cs_1 was already credited by the webhook.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO bursar.token_balances").
		WithArgs("acct-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT balance FROM bursar.token_balances.*FOR UPDATE`).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(100)))
	mock.ExpectExec("INSERT INTO bursar.token_transactions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT account_id, balance_after FROM bursar.token_transactions").
		WithArgs("cs_1").
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "balance_after"}).
			AddRow("acct-1", int64(100)))

	expectCredit(mock, "acct-1", 50, 100, "cs_2")
	expectCredit(mock, "acct-1", 25, 150, "cs_3")

	result, err := s.Reconcile(context.Background(), "acct-1", "cus_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TotalCredited != 75 {
		t.Fatalf("expected 75 tokens credited, got %d", result.TotalCredited)
	}
	if len(result.Sessions) != 3 {
		t.Fatalf("expected 3 session outcomes, got %d", len(result.Sessions))
	}
	if result.Sessions[0].Outcome != "already_applied" {
		t.Fatalf("expected cs_1 already_applied, got %s", result.Sessions[0].Outcome)
	}
	if result.Sessions[1].Outcome != "credited" || result.Sessions[2].Outcome != "credited" {
		t.Fatalf("expected cs_2 and cs_3 credited, got %+v", result.Sessions[1:])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReconcile_DerivesTokensFromAmount(t *testing.T) {
	// No tokens metadata: 5000 cents at the 1000-cent default price is 5
	// tokens.
	lister := &fakeSessionLister{sessions: []checkoutSession{
		{ID: "cs_old", PaymentStatus: "paid", AmountTotal: 5000},
	}}
	s, mock := newReconcileFixture(t, lister)

	expectCredit(mock, "acct-1", 5, 0, "cs_old")

	result, err := s.Reconcile(context.Background(), "acct-1", "cus_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TotalCredited != 5 {
		t.Fatalf("expected 5 tokens credited, got %d", result.TotalCredited)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReconcile_SkipsUnpaidAndZeroTokenSessions(t *testing.T) {
	lister := &fakeSessionLister{sessions: []checkoutSession{
		{ID: "cs_unpaid", PaymentStatus: "unpaid", Metadata: map[string]string{"tokens": "100"}},
		{ID: "cs_zero", PaymentStatus: "paid", AmountTotal: 0},
	}}
	s, mock := newReconcileFixture(t, lister)

	result, err := s.Reconcile(context.Background(), "acct-1", "cus_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TotalCredited != 0 {
		t.Fatalf("expected nothing credited, got %d", result.TotalCredited)
	}
	for _, outcome := range result.Sessions {
		if outcome.Outcome != "skipped" {
			t.Fatalf("expected skipped, got %s for %s", outcome.Outcome, outcome.SessionID)
		}
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReconcile_UpstreamFailure(t *testing.T) {
	lister := &fakeSessionLister{err: errors.New("stripe: connection refused")}
	s, _ := newReconcileFixture(t, lister)

	_, err := s.Reconcile(context.Background(), "acct-1", "cus_1")
	if err != ledger.ErrUpstreamUnavailable {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestReconcile_HungSessionTimesOutAndTheRestProceed(t *testing.T) {
	lister := &fakeSessionLister{sessions: []checkoutSession{
		{ID: "cs_slow", PaymentStatus: "paid", Metadata: map[string]string{"tokens": "10"}},
		{ID: "cs_2", PaymentStatus: "paid", Metadata: map[string]string{"tokens": "20"}},
	}}
	s, mock := newReconcileFixture(t, lister)
	s.itemTimeout = 10 * time.Millisecond

	// cs_slow stalls inside its ledger unit; the item deadline cuts it
	// loose instead of pinning the whole run. The expired deadline is
	// simulated by failing the exec with the deadline error rather than a
	// real delay: a genuine context cancellation makes database/sql roll
	// the tx back on a background goroutine, which races ordered
	// expectations against cs_2's Begin.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO bursar.token_balances").
		WithArgs("acct-1").
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	expectCredit(mock, "acct-1", 20, 0, "cs_2")

	result, err := s.Reconcile(context.Background(), "acct-1", "cus_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Sessions[0].Outcome != "error" {
		t.Fatalf("expected cs_slow to time out with error, got %s", result.Sessions[0].Outcome)
	}
	if result.Sessions[1].Outcome != "credited" || result.TotalCredited != 20 {
		t.Fatalf("expected cs_2 credited with 20, got %+v total=%d", result.Sessions[1], result.TotalCredited)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReconcile_OneBadSessionNeverStopsTheRest(t *testing.T) {
	lister := &fakeSessionLister{sessions: []checkoutSession{
		{ID: "cs_1", PaymentStatus: "paid", Metadata: map[string]string{"tokens": "10"}},
		{ID: "cs_2", PaymentStatus: "paid", Metadata: map[string]string{"tokens": "20"}},
	}}
	s, mock := newReconcileFixture(t, lister)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO bursar.token_balances").
		WithArgs("acct-1").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	expectCredit(mock, "acct-1", 20, 0, "cs_2")

	result, err := s.Reconcile(context.Background(), "acct-1", "cus_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Sessions[0].Outcome != "error" {
		t.Fatalf("expected cs_1 error, got %s", result.Sessions[0].Outcome)
	}
	if result.Sessions[1].Outcome != "credited" || result.TotalCredited != 20 {
		t.Fatalf("expected cs_2 credited with 20, got %+v total=%d", result.Sessions[1], result.TotalCredited)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
