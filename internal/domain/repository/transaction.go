package repository

import "context"

// TransactionManager runs calendar store work atomically. Reconnecting a calendar
// revokes the old credential and clears sync state and cached events in one
// transaction, and a sync applies a page of changes together with its cursor.
type TransactionManager interface {
	// Execute commits when fn returns nil and rolls back otherwise.
	Execute(ctx context.Context, fn func(txRepoFactory RepositoryFactory) error) error
}

// RepositoryFactory hands out repositories bound to the surrounding transaction.
type RepositoryFactory interface {
	CredentialRepo() CredentialRepository
	SyncStateRepo() SyncStateRepository
	EventRepo() EventRepository
}
