package models

import "testing"

func TestRoomTransitionTable(t *testing.T) {
	allowed := []struct {
		from, to RoomState
	}{
		{RoomCreated, RoomInviteSent},
		{RoomInviteSent, RoomJoined},
		{RoomInviteSent, RoomExpired},
		{RoomJoined, RoomLocked},
		{RoomLocked, RoomInProgress},
		{RoomInProgress, RoomUnderValidation},
		{RoomUnderValidation, RoomSwapReady},
		{RoomUnderValidation, RoomFailed},
		{RoomSwapReady, RoomSwapped},
		{RoomSwapReady, RoomFailed},
		{RoomJoined, RoomCancelled},
		{RoomInProgress, RoomCancelled},
	}
	for _, tc := range allowed {
		if err := ValidateRoomTransition(tc.from, tc.to); err != nil {
			t.Fatalf("expected %s -> %s allowed: %v", tc.from, tc.to, err)
		}
	}

	denied := []struct {
		from, to RoomState
	}{
		{RoomCreated, RoomJoined},
		{RoomInviteSent, RoomLocked},
		{RoomLocked, RoomSwapReady},
		{RoomUnderValidation, RoomCancelled},
		{RoomSwapReady, RoomCancelled},
		{RoomSwapped, RoomFailed},
		{RoomExpired, RoomJoined},
		{RoomCancelled, RoomInviteSent},
		{RoomFailed, RoomSwapReady},
	}
	for _, tc := range denied {
		if err := ValidateRoomTransition(tc.from, tc.to); err == nil {
			t.Fatalf("expected %s -> %s rejected", tc.from, tc.to)
		}
	}
}

func TestContainerTransitionTable(t *testing.T) {
	allowed := []struct {
		from, to ContainerState
	}{
		{ContainerEmpty, ContainerArtifactPlaced},
		{ContainerArtifactPlaced, ContainerSealed},
		{ContainerArtifactPlaced, ContainerEmpty},
		{ContainerSealed, ContainerUnderValidation},
		{ContainerUnderValidation, ContainerValidated},
		{ContainerUnderValidation, ContainerValidationFailed},
		{ContainerValidated, ContainerTransferred},
		{ContainerValidated, ContainerValidationFailed},
	}
	for _, tc := range allowed {
		if err := ValidateContainerTransition(tc.from, tc.to); err != nil {
			t.Fatalf("expected %s -> %s allowed: %v", tc.from, tc.to, err)
		}
	}

	denied := []struct {
		from, to ContainerState
	}{
		{ContainerEmpty, ContainerSealed},
		{ContainerSealed, ContainerEmpty},
		{ContainerSealed, ContainerValidated},
		{ContainerTransferred, ContainerValidated},
		{ContainerValidationFailed, ContainerEmpty},
		{ContainerValidated, ContainerSealed},
	}
	for _, tc := range denied {
		if err := ValidateContainerTransition(tc.from, tc.to); err == nil {
			t.Fatalf("expected %s -> %s rejected", tc.from, tc.to)
		}
	}
}

func TestRoomStateTerminal(t *testing.T) {
	for _, state := range []RoomState{RoomSwapped, RoomFailed, RoomExpired, RoomCancelled} {
		if !state.Terminal() {
			t.Fatalf("expected %s terminal", state)
		}
	}
	for _, state := range []RoomState{RoomCreated, RoomInviteSent, RoomJoined, RoomLocked, RoomInProgress, RoomUnderValidation, RoomSwapReady} {
		if state.Terminal() {
			t.Fatalf("expected %s not terminal", state)
		}
	}
}
