package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Actor roles recognised across guards and transition services.
const (
	RoleParticipant = "participant"
	RoleAdmin       = "admin"
	RoleSystem      = "system"
)

// SystemActorID attributes system-triggered transitions in the ledger.
var SystemActorID = uuid.Nil

// RoomState represents a state in the exchange room workflow.
type RoomState string

// All room workflow states.
const (
	RoomCreated         RoomState = "CREATED"
	RoomInviteSent      RoomState = "INVITE_SENT"
	RoomJoined          RoomState = "JOINED"
	RoomLocked          RoomState = "LOCKED"
	RoomInProgress      RoomState = "IN_PROGRESS"
	RoomUnderValidation RoomState = "UNDER_VALIDATION"
	RoomSwapReady       RoomState = "SWAP_READY"
	RoomSwapped         RoomState = "SWAPPED"
	RoomFailed          RoomState = "FAILED"
	RoomExpired         RoomState = "EXPIRED"
	RoomCancelled       RoomState = "CANCELLED"
)

// ContainerState represents a state in the deposit container workflow.
type ContainerState string

// All container workflow states.
const (
	ContainerEmpty            ContainerState = "EMPTY"
	ContainerArtifactPlaced   ContainerState = "ARTIFACT_PLACED"
	ContainerSealed           ContainerState = "SEALED"
	ContainerUnderValidation  ContainerState = "UNDER_VALIDATION"
	ContainerValidated        ContainerState = "VALIDATED"
	ContainerValidationFailed ContainerState = "VALIDATION_FAILED"
	ContainerTransferred      ContainerState = "TRANSFERRED"
)

// Container sides within a room.
const (
	SideA = "A"
	SideB = "B"
)

// Payment statuses. Payments are append-only facts; only the status column moves.
const (
	PaymentPending   = "PENDING"
	PaymentConfirmed = "CONFIRMED"
	PaymentFailed    = "FAILED"
	PaymentFinal     = "FINAL"
)

// Payment types. Refunds are new rows, never mutations of prior rows.
const (
	PaymentEscrowHold   = "ESCROW_HOLD"
	PaymentCapture      = "PAYMENT_CAPTURE"
	PaymentFinalRelease = "FINAL_BALANCE_RELEASE"
	PaymentRefund       = "REFUND"
)

// Room is one exchange session between a creator and a counterparty.
type Room struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey"`
	State          RoomState  `gorm:"size:32;index"`
	CreatorID      uuid.UUID  `gorm:"type:uuid;index"`
	CounterpartyID *uuid.UUID `gorm:"type:uuid;index"`
	RequiredAmount float64    `gorm:"not null"`
	Currency       string     `gorm:"size:16"`

	RequirementsHash string `gorm:"size:128"`

	InviteSentAt      *time.Time
	InviteExpiresAt   *time.Time
	JoinedAt          *time.Time
	LockedAt          *time.Time
	InProgressAt      *time.Time
	UnderValidationAt *time.Time
	SwapReadyAt       *time.Time
	SwappedAt         *time.Time
	FailedAt          *time.Time
	ExpiredAt         *time.Time
	CancelledAt       *time.Time

	ApprovedBy     *uuid.UUID `gorm:"type:uuid"`
	ApprovalReason string     `gorm:"size:512"`
	ApprovedAt     *time.Time
	FailureReason  string `gorm:"size:512"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Containers []Container
	Payments   []Payment
}

// Terminal reports whether the room state is immutable.
func (s RoomState) Terminal() bool {
	switch s {
	case RoomSwapped, RoomFailed, RoomExpired, RoomCancelled:
		return true
	}
	return false
}

// Container is one party's deposit slot; exactly two exist per room.
type Container struct {
	ID      uuid.UUID      `gorm:"type:uuid;primaryKey"`
	RoomID  uuid.UUID      `gorm:"type:uuid;index:idx_containers_room_side,unique"`
	Side    string         `gorm:"size:1;index:idx_containers_room_side,unique"`
	OwnerID uuid.UUID      `gorm:"type:uuid;index"`
	State   ContainerState `gorm:"size:32;index"`

	// ContentHash is a digest over the contained artifact hashes. It is
	// recomputed on every membership change and frozen once SEALED.
	ContentHash string `gorm:"size:128"`

	ValidationDetails string `gorm:"type:text"`
	ValidationSummary string `gorm:"size:512"`

	SealedAt      *time.Time
	TransferredAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	Artifacts []Artifact
}

// Artifact is one uploaded file reference scoped to a container.
type Artifact struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	ContainerID uuid.UUID `gorm:"type:uuid;index"`
	FileHash    string    `gorm:"size:128;index"`
	FileName    string    `gorm:"size:255"`
	FileSize    int64     `gorm:"not null"`
	MimeType    string    `gorm:"size:128"`
	IsScanned   bool      `gorm:"index"`
	IsInfected  bool      `gorm:"index"`
	ScanID      string    `gorm:"size:64;index"`
	StoragePath string    `gorm:"size:512"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Payment is an append-only financial fact tied to a room.
type Payment struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	RoomID            uuid.UUID `gorm:"type:uuid;index"`
	PayerID           uuid.UUID `gorm:"type:uuid;index"`
	ProviderPaymentID string    `gorm:"size:128;uniqueIndex"`
	Status            string    `gorm:"size:16;index"`
	Type              string    `gorm:"size:32;index"`
	Amount            float64   `gorm:"not null"`
	Currency          string    `gorm:"size:16"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Record kinds stored in the append-only ledger.
const (
	RecordAttempt           = "ATTEMPT"
	RecordTransition        = "TRANSITION"
	RecordFailure           = "FAILURE"
	RecordSagaFailure       = "SAGA_FAILURE"
	RecordSideEffectFailure = "SIDE_EFFECT_FAILURE"
)

// Record is one immutable ledger entry. Rows are never updated or deleted;
// the TransitionKey unique index doubles as the idempotency check-and-mark.
type Record struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	ActorID      uuid.UUID `gorm:"type:uuid;index:idx_records_actor_action"`
	Action       string    `gorm:"size:64;index:idx_records_actor_action"`
	ResourceID   uuid.UUID `gorm:"type:uuid;index"`
	ResourceType string    `gorm:"size:32"`
	Kind         string    `gorm:"size:32;index"`
	AttemptID    string    `gorm:"size:64"`

	// TransitionKey is populated only on TRANSITION rows so the unique index
	// tolerates repeated ATTEMPT/FAILURE rows for the same idempotency key.
	TransitionKey *string `gorm:"size:192;uniqueIndex"`

	Details   string `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}

// Swap execution statuses tracked by the saga marker row.
const (
	SwapRunning          = "RUNNING"
	SwapAborted          = "ABORTED"
	SwapArtifactsMoved   = "ARTIFACTS_MOVED"
	SwapPaymentReleased  = "PAYMENT_RELEASED"
	SwapCompleted        = "COMPLETED"
	SwapManualEscalation = "MANUAL_REVIEW"
)

// SwapExecution is the exclusive marker for the atomic swap saga. The unique
// room index makes acquisition a single conditional insert; Status records the
// highest completed step so a re-driver resumes without repeating earlier steps.
type SwapExecution struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	RoomID    uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Status    string    `gorm:"size:32;index"`
	Attempts  int       `gorm:"not null"`
	LastError string    `gorm:"size:512"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Room{},
		&Container{},
		&Artifact{},
		&Payment{},
		&Record{},
		&SwapExecution{},
	)
}
