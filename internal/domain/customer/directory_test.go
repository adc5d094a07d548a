package customer

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockDirectory struct {
	mock.Mock
}

func (_m *MockDirectory) CreateCustomer(ctx context.Context, rec *Record) (string, error) {
	ret := _m.Called(ctx, rec)
	return ret.String(0), ret.Error(1)
}

func (_m *MockDirectory) AddCustomerToGroup(ctx context.Context, customerID, groupID string) error {
	ret := _m.Called(ctx, customerID, groupID)
	return ret.Error(0)
}

func (_m *MockDirectory) FindGroupByName(ctx context.Context, name string) (string, error) {
	ret := _m.Called(ctx, name)
	return ret.String(0), ret.Error(1)
}

func (_m *MockDirectory) CreateGroup(ctx context.Context, name string) (string, error) {
	ret := _m.Called(ctx, name)
	return ret.String(0), ret.Error(1)
}

func (_m *MockDirectory) ListGroupMembers(ctx context.Context, groupID string) ([]Contact, error) {
	ret := _m.Called(ctx, groupID)

	var r0 []Contact
	if rf, ok := ret.Get(0).(func(context.Context, string) []Contact); ok {
		r0 = rf(ctx, groupID)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).([]Contact)
	}
	return r0, ret.Error(1)
}

var _ Directory = (*MockDirectory)(nil)
