package internal_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/terminal-talk/internal"
)

// TestAdmission_Admit 測試連線准入
func TestAdmission_Admit(t *testing.T) {
	tests := []struct {
		name           string
		roomID         string
		username       string
		expectedErr    error
		expectedResult string
	}{
		{name: "accepted", roomID: "lobby", username: "carol", expectedResult: internal.AdmissionAccepted},
		{name: "room id ignores case", roomID: "LOBBY", username: "carol", expectedResult: internal.AdmissionAccepted},
		{name: "room not found", roomID: "nowhere", username: "carol", expectedErr: internal.ErrRoomNotFound, expectedResult: internal.AdmissionRoomNotFound},
		{name: "missing room id", roomID: "", username: "carol", expectedErr: internal.ErrRoomNotFound, expectedResult: internal.AdmissionRoomNotFound},
		{name: "missing username", roomID: "lobby", username: "", expectedErr: internal.ErrUsernameRequired, expectedResult: internal.AdmissionUsernameRequired},
		{name: "username taken", roomID: "lobby", username: "bob", expectedErr: internal.ErrUsernameTaken, expectedResult: internal.AdmissionUsernameTaken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := internal.NewMetrics()
			registry := internal.NewRegistry(testLogger(), metrics)
			defer registry.Stop()
			admission := internal.NewAdmission(registry, testLogger(), metrics)

			_, err := registry.Create("lobby")
			require.NoError(t, err)
			lobby, err := registry.Lookup("lobby")
			require.NoError(t, err)
			_, err = lobby.Admit(&fakePeer{}, "alice")
			require.NoError(t, err)
			_, err = lobby.Admit(&fakePeer{}, "bob")
			require.NoError(t, err)

			peer := &fakePeer{}
			participant, room, err := admission.Admit(tt.roomID, tt.username, peer)

			if tt.expectedErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.expectedErr), "unexpected error: %v", err)
				assert.Nil(t, participant)
				assert.Nil(t, room)
				assert.Equal(t, 0, peer.count())
				assert.Equal(t, []string{"alice", "bob"}, lobby.Usernames())
			} else {
				require.NoError(t, err)
				assert.Same(t, lobby, room)
				assert.Equal(t, tt.username, participant.Username)
				assert.Equal(t, "lobby", participant.RoomID)
				assert.Equal(t, "Users in room: alice, bob, carol", peer.last(t).Content)
			}

			// 准入失敗絕不會創建房間
			assert.Len(t, registry.Rooms(), 1)
			assert.Equal(t, 1.0, metricValue(t, metrics.Registry(), "chat_admissions_total", tt.expectedResult))
		})
	}
}

// TestAdmission_ReuseAfterLeave 離開後名稱可以重用
func TestAdmission_ReuseAfterLeave(t *testing.T) {
	registry, room := newTestRoom(t, "lobby")
	admission := internal.NewAdmission(registry, testLogger(), nil)

	first := &fakePeer{}
	_, _, err := admission.Admit("lobby", "bob", first)
	require.NoError(t, err)

	_, _, err = admission.Admit("lobby", "bob", &fakePeer{})
	require.True(t, errors.Is(err, internal.ErrUsernameTaken))

	require.True(t, room.Remove(first))

	_, _, err = admission.Admit("lobby", "bob", &fakePeer{})
	assert.NoError(t, err)
}
