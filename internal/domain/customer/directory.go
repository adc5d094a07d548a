package customer

import "context"

// Directory is the remote customer database the import writes to.
type Directory interface {
	CreateCustomer(ctx context.Context, rec *Record) (string, error)

	AddCustomerToGroup(ctx context.Context, customerID, groupID string) error

	// FindGroupByName returns "" and no error when no group has that name.
	FindGroupByName(ctx context.Context, name string) (string, error)

	CreateGroup(ctx context.Context, name string) (string, error)

	ListGroupMembers(ctx context.Context, groupID string) ([]Contact, error)
}
