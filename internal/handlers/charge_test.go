package handlers

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"argumentum/bursar/internal/ledger"
	"argumentum/bursar/pkg/logging"
)

func newChargeFixture(t *testing.T) (*ChargeService, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })

	log := logging.NewLogger()
	return NewChargeService(mockDB, ledger.New(mockDB, log), log), mock
}

func expectMembership(mock sqlmock.Sqlmock, teamID, accountID string, member bool) {
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(teamID, accountID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(member))
}

func expectOwner(mock sqlmock.Sqlmock, teamID, ownerID string) {
	mock.ExpectQuery("SELECT user_id FROM team_members").
		WithArgs(teamID).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(ownerID))
}

func TestChargeForPetition_NotAMember(t *testing.T) {
	s, mock := newChargeFixture(t)

	expectMembership(mock, "team-1", "stranger", false)

	_, err := s.ChargeForPetition(context.Background(), "team-1", "pet-1", 16, "stranger")
	if err != ledger.ErrForbidden {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestChargeForPetition_OwnerNotFound(t *testing.T) {
	s, mock := newChargeFixture(t)

	expectMembership(mock, "team-1", "member-1", true)
	mock.ExpectQuery("SELECT user_id FROM team_members").
		WithArgs("team-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

	_, err := s.ChargeForPetition(context.Background(), "team-1", "pet-1", 16, "member-1")
	if err != ledger.ErrOwnerNotFound {
		t.Fatalf("expected ErrOwnerNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestChargeForPetition_DebitsOwner(t *testing.T) {
	s, mock := newChargeFixture(t)

	expectMembership(mock, "team-1", "member-1", true)
	expectOwner(mock, "team-1", "owner-1")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO bursar.token_balances").
		WithArgs("owner-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT balance FROM bursar.token_balances.*FOR UPDATE`).
		WithArgs("owner-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(20)))
	mock.ExpectExec("INSERT INTO bursar.token_transactions").
		WithArgs(sqlmock.AnyArg(), "owner-1", int64(-16), int64(4), "petition_charge",
			"Petition filing charge (16 tokens)", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE bursar.token_balances").
		WithArgs(int64(4), "owner-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := s.ChargeForPetition(context.Background(), "team-1", "pet-1", 16, "member-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.OwnerID != "owner-1" {
		t.Fatalf("expected owner-1 to pay, got %s", result.OwnerID)
	}
	if result.NewBalance != 4 {
		t.Fatalf("expected balance 4 after charge, got %d", result.NewBalance)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestChargeForPetition_InsufficientBalance(t *testing.T) {
	s, mock := newChargeFixture(t)

	expectMembership(mock, "team-1", "member-1", true)
	expectOwner(mock, "team-1", "owner-1")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO bursar.token_balances").
		WithArgs("owner-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT balance FROM bursar.token_balances.*FOR UPDATE`).
		WithArgs("owner-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(4)))
	mock.ExpectRollback()

	_, err := s.ChargeForPetition(context.Background(), "team-1", "pet-1", 16, "member-1")
	ib, ok := ledger.AsInsufficientBalance(err)
	if !ok {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if ib.Required != 16 || ib.Available != 4 {
		t.Fatalf("expected required=16 available=4, got required=%d available=%d", ib.Required, ib.Available)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
