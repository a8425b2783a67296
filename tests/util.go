package testutil

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/trezcool/academia/core"
	"github.com/trezcool/academia/core/discount"
	"github.com/trezcool/academia/core/ledger"
	"github.com/trezcool/academia/core/user"
	"github.com/trezcool/academia/services/logger"
)

// NewLogger returns a logger that discards its output and never reports to Rollbar.
func NewLogger(conf *core.Config) core.Logger {
	return logsvc.NewRollbarLogger(log.New(io.Discard, "TEST : ", log.LstdFlags), conf)
}

func CreateUser(
	t *testing.T,
	repo user.Repository,
	name, uname, email, pwd string,
	roles []string,
	isActive bool,
	createdAt ...time.Time,
) user.User {
	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	usr := user.User{
		ID:        uuid.NewString(),
		Name:      name,
		Username:  uname,
		Email:     email,
		Roles:     roles,
		CreatedAt: tstamp,
		UpdatedAt: tstamp,
	}
	usr.SetActive(isActive)
	if pwd != "" {
		if err := usr.SetPassword(pwd); err != nil {
			t.Fatalf("createUser() failed: %v", err)
		}
	}
	usr, err := repo.CreateUser(context.Background(), usr)
	if err != nil {
		t.Fatalf("createUser() failed: %v", err)
	}
	return usr
}

// CreateStudent creates an active student with an email address.
func CreateStudent(t *testing.T, repo user.Repository, name, email string) user.User {
	return CreateUser(t, repo, name, "", email, "", []string{user.RoleStudent}, true)
}

// Amount parses `s` or fails the test.
func Amount(t *testing.T, s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("Amount(%q): %v", s, err)
	}
	return d
}

// Rule returns a discount rule of `pct` percent for groups of at least `minStudents`.
func Rule(minStudents int, pct int64) discount.Rule {
	return discount.Rule{MinStudents: minStudents, Percentage: decimal.NewFromInt(pct)}
}

// CreateEntry creates an entry through `svc` or fails the test.
func CreateEntry(t *testing.T, svc *ledger.Service, ownerID string, base string, due *time.Time) ledger.Entry {
	entry, err := svc.CreateEntry(context.Background(), ledger.NewEntry{
		OwnerID:     ownerID,
		Concept:     "Monthly tuition",
		BaseAmount:  Amount(t, base),
		PaymentType: ledger.PaymentSingle,
		DueDate:     due,
	}, Rule(3, 10))
	if err != nil {
		t.Fatalf("CreateEntry(): %v", err)
	}
	return entry
}
