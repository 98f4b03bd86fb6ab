package model

type ConversationStatus string

const (
	ConversationStatusInProgress ConversationStatus = "in_progress"
	ConversationStatusProcessing ConversationStatus = "processing"
	ConversationStatusCompleted  ConversationStatus = "completed"
	ConversationStatusDiscarded  ConversationStatus = "discarded"
)

type ConversationEventType string

const (
	EventMemoryProcessingStarted ConversationEventType = "memory_processing_started"
	EventMemoryCreated           ConversationEventType = "memory_created"
	EventConversationStatus      ConversationEventType = "conversation_status"
)

type MessageSender string

const (
	SenderHuman MessageSender = "human"
	SenderAI    MessageSender = "ai"
)

type DataProtectionLevel string

const (
	ProtectionStandard DataProtectionLevel = "standard"
	ProtectionEnhanced DataProtectionLevel = "enhanced"
)

type VMStatus string

const (
	VMStatusReady        VMStatus = "ready"
	VMStatusProvisioning VMStatus = "provisioning"
	VMStatusStopped      VMStatus = "stopped"
	VMStatusError        VMStatus = "error"
)

// Source tags sent by clients on the listen sockets.
const (
	SourcePhoneCall = "phone_call"
	SourceDesktop   = "desktop"
	SourceOmi       = "omi"
)
