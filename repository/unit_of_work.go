package repository

import (
	"context"
	"errors"
	"fmt"

	"rollgroups/database"
	"rollgroups/events"
	"rollgroups/service"

	"github.com/jackc/pgx/v5"
)

const errNotStarted = "unit of work not started - call Begin() first"

// unitOfWork implements the UnitOfWork interface
type unitOfWork struct {
	db               *database.DB
	tx               pgx.Tx
	ctx              context.Context
	transactionalBus *events.TransactionalBus
	groupRepo        service.GroupRepository
	studentRepo      service.StudentRepository
	rollRepo         service.RollRepository
	membershipRepo   service.GroupMembershipRepository
	stagingRepo      service.StagingMembershipRepository
	recomputeRunRepo service.RecomputeRunRepository
}

// NewUnitOfWorkFactory creates a new UnitOfWork factory
func NewUnitOfWorkFactory(db *database.DB, eventBus *events.Bus) service.UnitOfWorkFactory {
	return &unitOfWorkFactory{
		db:       db,
		eventBus: eventBus,
	}
}

type unitOfWorkFactory struct {
	db       *database.DB
	eventBus *events.Bus
}

func (f *unitOfWorkFactory) Create() service.UnitOfWork {
	return &unitOfWork{
		db:               f.db,
		transactionalBus: events.NewTransactionalBus(f.eventBus),
	}
}

// Begin starts a new transaction
func (u *unitOfWork) Begin(ctx context.Context) error {
	if u.tx != nil {
		return fmt.Errorf("transaction already started")
	}

	tx, err := u.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	u.tx = tx
	u.ctx = ctx

	u.groupRepo = newGroupRepositoryWithTx(tx)
	u.studentRepo = newStudentRepositoryWithTx(tx)
	u.rollRepo = newRollRepositoryWithTx(tx)
	u.membershipRepo = newGroupMembershipRepositoryWithTx(tx)
	u.stagingRepo = newStagingMembershipRepositoryWithTx(tx)
	u.recomputeRunRepo = newRecomputeRunRepositoryWithTx(tx)

	return nil
}

// Commit commits the transaction and flushes events raised inside it
func (u *unitOfWork) Commit() error {
	if u.tx == nil {
		return fmt.Errorf("no transaction to commit")
	}

	err := u.tx.Commit(u.ctx)
	u.tx = nil
	if err != nil {
		u.transactionalBus.Discard()
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	u.transactionalBus.Flush()
	return nil
}

// Rollback rolls back the transaction; it is a no-op after Commit
func (u *unitOfWork) Rollback() error {
	if u.tx == nil {
		return nil
	}

	// The transaction context may already be cancelled; rollback must still reach the server
	err := u.tx.Rollback(context.WithoutCancel(u.ctx))
	u.tx = nil
	u.transactionalBus.Discard()

	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

func (u *unitOfWork) GroupRepository() service.GroupRepository {
	if u.groupRepo == nil {
		panic(errNotStarted)
	}
	return u.groupRepo
}

func (u *unitOfWork) StudentRepository() service.StudentRepository {
	if u.studentRepo == nil {
		panic(errNotStarted)
	}
	return u.studentRepo
}

func (u *unitOfWork) RollRepository() service.RollRepository {
	if u.rollRepo == nil {
		panic(errNotStarted)
	}
	return u.rollRepo
}

// MembershipRepository returns the live membership table
func (u *unitOfWork) MembershipRepository() service.GroupMembershipRepository {
	if u.membershipRepo == nil {
		panic(errNotStarted)
	}
	return u.membershipRepo
}

// StagingMembershipRepository returns the shadow-mode staging table
func (u *unitOfWork) StagingMembershipRepository() service.StagingMembershipRepository {
	if u.stagingRepo == nil {
		panic(errNotStarted)
	}
	return u.stagingRepo
}

func (u *unitOfWork) RecomputeRunRepository() service.RecomputeRunRepository {
	if u.recomputeRunRepo == nil {
		panic(errNotStarted)
	}
	return u.recomputeRunRepo
}

// EventBus returns the transactional event bus for this unit of work
func (u *unitOfWork) EventBus() service.EventPublisher {
	return u.transactionalBus
}
