package model

// AgentVM mirrors the agentVm subdocument stored on the user record.
type AgentVM struct {
	VMName    string   `firestore:"vmName" json:"vmName"`
	Zone      string   `firestore:"zone" json:"zone"`
	IP        string   `firestore:"ip" json:"ip"`
	Status    VMStatus `firestore:"status" json:"status"`
	AuthToken string   `firestore:"authToken" json:"-"`
}

func (v *AgentVM) Ready() bool {
	return v != nil && v.Status == VMStatusReady && v.IP != ""
}

type TranscriptionPreferences struct {
	SingleLanguageMode bool     `firestore:"single_language_mode" json:"single_language_mode"`
	Vocabulary         []string `firestore:"vocabulary" json:"vocabulary"`
}

// UserContext is what the sockets need to know about a user before accepting.
type UserContext struct {
	UID                      string
	AgentVM                  *AgentVM
	DataProtectionLevel      DataProtectionLevel
	TranscriptionPreferences TranscriptionPreferences
	PrivateCloudSync         bool
	// AudioBytesWebhook sends the raw audio windows to the user's webhook too.
	AudioBytesWebhook bool
}

type APIToken struct {
	TokenHash string `db:"token_hash"`
	UID       string `db:"uid"`
}
