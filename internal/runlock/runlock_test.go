package runlock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type advisoryMock struct {
	mock.Mock
}

func (m *advisoryMock) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	args := m.Called(ctx, key)
	unlock, _ := args.Get(0).(func())
	return unlock, args.Bool(1), args.Error(2)
}

func TestPostgresAcquire(t *testing.T) {
	released := false
	m := &advisoryMock{}
	m.On("TryAdvisoryLock", mock.Anything, int64(42)).Return(func() { released = true }, true, nil).Once()

	release, err := NewPostgres(m, 42).Acquire(context.Background())
	require.NoError(t, err)
	release()
	assert.True(t, released)
	m.AssertExpectations(t)
}

func TestPostgresHeld(t *testing.T) {
	m := &advisoryMock{}
	m.On("TryAdvisoryLock", mock.Anything, int64(42)).Return(nil, false, nil).Once()

	_, err := NewPostgres(m, 42).Acquire(context.Background())
	assert.ErrorIs(t, err, ErrHeld)
}

func TestPostgresError(t *testing.T) {
	boom := errors.New("connection refused")
	m := &advisoryMock{}
	m.On("TryAdvisoryLock", mock.Anything, int64(7)).Return(nil, false, boom).Once()

	_, err := NewPostgres(m, 7).Acquire(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrHeld)
}

func TestNoopAlwaysAcquires(t *testing.T) {
	var l Locker = Noop{}
	r1, err := l.Acquire(context.Background())
	require.NoError(t, err)
	r2, err := l.Acquire(context.Background())
	require.NoError(t, err)
	r1()
	r2()
}
