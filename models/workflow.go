package models

import "fmt"

var roomTransitions = map[RoomState][]RoomState{
	RoomCreated:         {RoomInviteSent, RoomCancelled},
	RoomInviteSent:      {RoomJoined, RoomExpired, RoomCancelled},
	RoomJoined:          {RoomLocked, RoomCancelled},
	RoomLocked:          {RoomInProgress, RoomCancelled},
	RoomInProgress:      {RoomUnderValidation, RoomFailed, RoomCancelled},
	RoomUnderValidation: {RoomSwapReady, RoomFailed},
	RoomSwapReady:       {RoomSwapped, RoomFailed},
}

var containerTransitions = map[ContainerState][]ContainerState{
	ContainerEmpty:           {ContainerArtifactPlaced, ContainerValidationFailed},
	ContainerArtifactPlaced:  {ContainerSealed, ContainerEmpty, ContainerValidationFailed},
	ContainerSealed:          {ContainerUnderValidation, ContainerValidationFailed},
	ContainerUnderValidation: {ContainerValidated, ContainerValidationFailed},
	ContainerValidated:       {ContainerTransferred, ContainerValidationFailed},
}

// ValidateRoomTransition ensures the transition follows the room state machine.
func ValidateRoomTransition(current, next RoomState) error {
	if current == next {
		return nil
	}
	if current.Terminal() {
		return fmt.Errorf("room state %s is terminal", current)
	}
	for _, state := range roomTransitions[current] {
		if state == next {
			return nil
		}
	}
	return fmt.Errorf("room transition from %s to %s is not permitted", current, next)
}

// ValidateContainerTransition ensures the transition follows the container state machine.
func ValidateContainerTransition(current, next ContainerState) error {
	if current == next {
		return nil
	}
	allowed, ok := containerTransitions[current]
	if !ok {
		return fmt.Errorf("no container transitions allowed from %s", current)
	}
	for _, state := range allowed {
		if state == next {
			return nil
		}
	}
	return fmt.Errorf("container transition from %s to %s is not permitted", current, next)
}
