package guard

import "swapdesk/auth"

// Transition action names shared by guards, services, and the ledger.
const (
	ActionRoomInvite       = "room_invite"
	ActionRoomJoin         = "room_join"
	ActionRoomLock         = "room_lock"
	ActionRoomProgress     = "room_progress"
	ActionRoomSwapApproval = "room_swap_approval"
	ActionRoomCancel       = "room_cancel"
	ActionRoomExpire       = "room_expire"
	ActionRoomFail         = "room_fail"
	ActionArtifactUpload   = "artifact_upload"
	ActionArtifactDelete   = "artifact_delete"
	ActionArtifactView     = "artifact_view"
	ActionContainerSeal    = "container_seal"
	// ActionRoomValidation is system-internal: it is written by the second
	// sealer's transaction, never requested by a caller, so it has no rule.
	ActionRoomValidation   = "room_validation_start"
	ActionContainerApprove = "container_approve"
	ActionContainerReject  = "container_reject"
	ActionPaymentConfirm   = "payment_confirm"
	ActionPaymentFail      = "payment_fail"
	ActionAtomicSwap       = "atomic_swap_execution"
)

// Rules is the fixed transition/requirement table. Sensitive transitions
// (lock, seal, approve, reject, cancel) require a fresh session; admin
// decisions additionally require a recent one-time code.
var Rules = map[string]Rule{
	ActionRoomInvite:       {Action: ActionRoomInvite, Roles: []auth.Role{auth.RoleParticipant}},
	ActionRoomJoin:         {Action: ActionRoomJoin, Roles: []auth.Role{auth.RoleParticipant}},
	ActionRoomLock:         {Action: ActionRoomLock, Roles: []auth.Role{auth.RoleParticipant}, Sensitive: true},
	ActionRoomProgress:     {Action: ActionRoomProgress, Roles: []auth.Role{auth.RoleSystem}},
	ActionRoomSwapApproval: {Action: ActionRoomSwapApproval, Roles: []auth.Role{auth.RoleAdmin}, Sensitive: true, AdminOTP: true},
	ActionRoomCancel:       {Action: ActionRoomCancel, Roles: []auth.Role{auth.RoleParticipant}, Sensitive: true},
	ActionRoomExpire:       {Action: ActionRoomExpire, Roles: []auth.Role{auth.RoleSystem}},
	ActionRoomFail:         {Action: ActionRoomFail, Roles: []auth.Role{auth.RoleAdmin, auth.RoleSystem}, Sensitive: true},
	ActionArtifactUpload:   {Action: ActionArtifactUpload, Roles: []auth.Role{auth.RoleParticipant}},
	ActionArtifactDelete:   {Action: ActionArtifactDelete, Roles: []auth.Role{auth.RoleParticipant}},
	ActionArtifactView:     {Action: ActionArtifactView, Roles: []auth.Role{auth.RoleParticipant, auth.RoleAdmin}},
	ActionContainerSeal:    {Action: ActionContainerSeal, Roles: []auth.Role{auth.RoleParticipant}, Sensitive: true},
	ActionContainerApprove: {Action: ActionContainerApprove, Roles: []auth.Role{auth.RoleAdmin}, Sensitive: true, AdminOTP: true},
	ActionContainerReject:  {Action: ActionContainerReject, Roles: []auth.Role{auth.RoleAdmin}, Sensitive: true, AdminOTP: true},
	ActionPaymentConfirm:   {Action: ActionPaymentConfirm, Roles: []auth.Role{auth.RoleSystem}},
	ActionPaymentFail:      {Action: ActionPaymentFail, Roles: []auth.Role{auth.RoleSystem}},
	ActionAtomicSwap:       {Action: ActionAtomicSwap, Roles: []auth.Role{auth.RoleSystem}},
}
