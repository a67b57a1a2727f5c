package ledger

import (
	"context"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/trustcore/pkg/audit"
	"github.com/meridianhq/trustcore/pkg/crypto"
	"github.com/meridianhq/trustcore/pkg/store"
)

func TestPostgresStore_PostAtomicWithAudit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	signer, err := crypto.NewLocalSigner(nil)
	require.NoError(t, err)
	registry := crypto.NewRegistry()
	require.NoError(t, registry.Register(context.Background(), signer.Info()))

	chain := audit.NewPostgresChain(db, signer, registry)
	store := NewPostgresStore(db, chain)

	j := balancedJournal("jrn-1")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ledger_journal").
		WithArgs(j.JournalID, sqlmock.AnyArg(), nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_line").
		WithArgs(j.JournalID, 0, "cash", SideDebit, int64(19999), "USD", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_line").
		WithArgs(j.JournalID, 1, "revenue", SideCredit, int64(19999), "USD", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_chain_head").
		WithArgs(audit.ShardLedger).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT seq, hash FROM audit_chain_head").
		WithArgs(audit.ShardLedger).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "hash"}).AddRow(0, ""))
	mock.ExpectExec("INSERT INTO audit_event").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE audit_chain_head").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	posted, err := store.Post(context.Background(), j)
	require.NoError(t, err)
	assert.False(t, posted.PostedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ImbalanceNeverTouchesDB(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	signer, err := crypto.NewLocalSigner(nil)
	require.NoError(t, err)
	chain := audit.NewPostgresChain(db, signer, crypto.NewRegistry())
	store := NewPostgresStore(db, chain)

	j := balancedJournal("jrn-bad")
	j.Entries[0].AmountCents = 1

	_, err = store.Post(context.Background(), j)
	assert.ErrorIs(t, err, ErrLedgerImbalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AuditFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	signer, err := crypto.NewLocalSigner(nil)
	require.NoError(t, err)
	chain := audit.NewPostgresChain(db, signer, crypto.NewRegistry())
	store := NewPostgresStore(db, chain)

	j := balancedJournal("jrn-1")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ledger_journal").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_line").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_line").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_chain_head").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT seq, hash FROM audit_chain_head").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err = store.Post(context.Background(), j)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_StatementsMatchSchema(t *testing.T) {
	journalCols := ddlColumns(t, "ledger_journal")
	lineCols := ddlColumns(t, "ledger_line")

	for _, col := range statementColumns(t, insertJournalSQL) {
		assert.Contains(t, journalCols, col, "insertJournalSQL references %q", col)
	}
	for _, col := range statementColumns(t, insertLineSQL) {
		assert.Contains(t, lineCols, col, "insertLineSQL references %q", col)
	}
	for _, col := range selectedColumns(t, selectJournalSQL) {
		assert.Contains(t, journalCols, col, "selectJournalSQL references %q", col)
	}
	for _, col := range selectedColumns(t, selectLinesSQL) {
		assert.Contains(t, lineCols, col, "selectLinesSQL references %q", col)
	}

	assert.Contains(t, lineCols, "amount")
	assert.NotContains(t, balanceSQL, "amount_cents")
	assert.NotContains(t, lineCols, "id")
}

// ddlColumns parses the column names out of a table's CREATE statement in
// the bootstrapped schema.
func ddlColumns(t *testing.T, table string) []string {
	t.Helper()
	marker := "CREATE TABLE IF NOT EXISTS " + table + " ("
	for _, stmt := range store.Schema {
		if !strings.Contains(stmt, marker) {
			continue
		}
		body := stmt[strings.Index(stmt, "(")+1 : strings.LastIndex(stmt, ")")]
		var cols []string
		for _, line := range strings.Split(body, "\n") {
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			name := strings.TrimSuffix(fields[0], ",")
			switch name {
			case "", "PRIMARY", "UNIQUE", "FOREIGN", "CHECK", "CONSTRAINT":
				continue
			}
			cols = append(cols, name)
		}
		return cols
	}
	t.Fatalf("no DDL for table %s", table)
	return nil
}

// statementColumns returns the parenthesized column list of an INSERT.
func statementColumns(t *testing.T, q string) []string {
	t.Helper()
	open, closing := strings.Index(q, "("), strings.Index(q, ")")
	require.Greater(t, closing, open)
	parts := strings.Split(q[open+1:closing], ",")
	cols := make([]string, 0, len(parts))
	for _, p := range parts {
		cols = append(cols, strings.TrimSpace(p))
	}
	return cols
}

// selectedColumns returns the column list between SELECT and FROM.
func selectedColumns(t *testing.T, q string) []string {
	t.Helper()
	from := strings.Index(q, "FROM")
	require.Greater(t, from, 0)
	list := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(q[:from]), "SELECT"))
	parts := strings.Split(list, ",")
	cols := make([]string, 0, len(parts))
	for _, p := range parts {
		cols = append(cols, strings.TrimSpace(p))
	}
	return cols
}
