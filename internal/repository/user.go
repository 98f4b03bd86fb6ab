package repository

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/omi/listen-server/internal/model"
)

const usersCollection = "users"

type UserRepository interface {
	// GetUserContext returns nil when the user document does not exist.
	GetUserContext(ctx context.Context, uid string) (*model.UserContext, error)
	SetVMStatus(ctx context.Context, uid string, status model.VMStatus) error
	SetVMAddress(ctx context.Context, uid, ip string, status model.VMStatus) error
}

type userDoc struct {
	AgentVM                  *model.AgentVM                 `firestore:"agentVm"`
	DataProtectionLevel      string                         `firestore:"data_protection_level"`
	TranscriptionPreferences model.TranscriptionPreferences `firestore:"transcription_preferences"`
	PrivateCloudSyncEnabled  bool                           `firestore:"private_cloud_sync_enabled"`
	AudioBytesWebhookEnabled bool                           `firestore:"audio_bytes_webhook_enabled"`
}

type firestoreUserRepo struct {
	client *firestore.Client
}

func NewUserRepository(client *firestore.Client) UserRepository {
	return &firestoreUserRepo{client: client}
}

func (r *firestoreUserRepo) GetUserContext(ctx context.Context, uid string) (*model.UserContext, error) {
	snap, err := r.client.Collection(usersCollection).Doc(uid).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get user %s: %w", uid, err)
	}

	var doc userDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", uid, err)
	}

	level := model.ProtectionStandard
	if doc.DataProtectionLevel == string(model.ProtectionEnhanced) {
		level = model.ProtectionEnhanced
	}

	return &model.UserContext{
		UID:                      uid,
		AgentVM:                  doc.AgentVM,
		DataProtectionLevel:      level,
		TranscriptionPreferences: doc.TranscriptionPreferences,
		PrivateCloudSync:         doc.PrivateCloudSyncEnabled,
		AudioBytesWebhook:        doc.AudioBytesWebhookEnabled,
	}, nil
}

func (r *firestoreUserRepo) SetVMStatus(ctx context.Context, uid string, vmStatus model.VMStatus) error {
	_, err := r.client.Collection(usersCollection).Doc(uid).Update(ctx, []firestore.Update{
		{Path: "agentVm.status", Value: string(vmStatus)},
	})
	if err != nil {
		return fmt.Errorf("set vm status for %s: %w", uid, err)
	}
	return nil
}

func (r *firestoreUserRepo) SetVMAddress(ctx context.Context, uid, ip string, vmStatus model.VMStatus) error {
	_, err := r.client.Collection(usersCollection).Doc(uid).Update(ctx, []firestore.Update{
		{Path: "agentVm.ip", Value: ip},
		{Path: "agentVm.status", Value: string(vmStatus)},
	})
	if err != nil {
		return fmt.Errorf("set vm address for %s: %w", uid, err)
	}
	return nil
}
