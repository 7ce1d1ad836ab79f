package appointment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusNext(t *testing.T) {
	tests := []struct {
		from    Status
		via     Transition
		want    Status
		wantErr bool
	}{
		{StatusPending, TransitionConfirm, StatusSessionWaiting, false},
		{StatusPending, TransitionCancel, StatusCancelled, false},
		{StatusPending, TransitionReschedule, StatusPending, true},
		{StatusPending, TransitionAttend, StatusPending, true},
		{StatusSessionWaiting, TransitionCancel, StatusCancelled, false},
		{StatusSessionWaiting, TransitionReschedule, StatusSessionWaiting, false},
		{StatusSessionWaiting, TransitionAttend, StatusSessionAttended, false},
		{StatusSessionWaiting, TransitionConfirm, StatusSessionWaiting, true},
		{StatusSessionAttended, TransitionCancel, StatusSessionAttended, true},
		{StatusCancelled, TransitionCancel, StatusCancelled, true},
		{StatusCancelled, TransitionConfirm, StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.via), func(t *testing.T) {
			got, err := tt.from.Next(tt.via)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusSessionWaiting.Terminal())
	assert.True(t, StatusSessionAttended.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, Status("bogus").Valid())
	assert.False(t, Status("bogus").Terminal())
}
