package federation

import (
	"context"

	"fedchat-backend/internal/models"

	"github.com/google/uuid"
)

// Store is the persistence the federation components need. *database.Store implements it.
type Store interface {
	GetServerByName(ctx context.Context, name string) (*models.Server, error)
	GetPeerByToken(ctx context.Context, token, localName string) (*models.Server, error)
	ListServers(ctx context.Context) ([]models.Server, error)
	IsValidFederationToken(ctx context.Context, token string) (bool, error)

	GetOrCreateUser(ctx context.Context, username string, serverID *uuid.UUID) (*models.User, bool, error)
	GetUserByName(ctx context.Context, username string, serverID *uuid.UUID) (*models.User, error)
	ListLocalUsers(ctx context.Context) ([]models.User, error)
	ListRemoteUsers(ctx context.Context, serverID uuid.UUID) ([]models.User, error)
	SetDisplayName(ctx context.Context, id uuid.UUID, displayName *string) error

	GetChannel(ctx context.Context, name, originServer string) (*models.Channel, error)
	GetChannelByID(ctx context.Context, id uuid.UUID) (*models.Channel, error)
	GetOrCreateChannel(ctx context.Context, name, originServer string) (*models.Channel, bool, error)
	ListChannelsByOrigin(ctx context.Context, originServer string) ([]models.Channel, error)
	ListChannelMemberServers(ctx context.Context, channelID uuid.UUID) ([]models.Server, error)
	AddChannelMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error)

	CreateMessageWithID(ctx context.Context, message models.Message) (bool, error)

	HiddenUserIDs(ctx context.Context, serverID uuid.UUID) ([]uuid.UUID, error)
	HiddenChannelIDs(ctx context.Context, serverID uuid.UUID) ([]uuid.UUID, error)
}
