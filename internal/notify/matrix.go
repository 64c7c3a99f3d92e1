package notify

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/hal9000y/gmail-notifier/internal/model"
)

// Matrix posts m.text messages to a Matrix room as a bot user.
type Matrix struct {
	client *mautrix.Client
}

// NewMatrix creates a Matrix notifier for homeserverURL authenticated with accessToken.
func NewMatrix(homeserverURL, userID, accessToken string) (*Matrix, error) {
	clt, err := mautrix.NewClient(homeserverURL, id.UserID(userID), accessToken)
	if err != nil {
		return nil, fmt.Errorf("mautrix.NewClient failed: %w", err)
	}

	return &Matrix{client: clt}, nil
}

// Deliver sends text to room. Empty text is accepted and nothing is sent.
func (m *Matrix) Deliver(ctx context.Context, room, text string) error {
	if text == "" {
		return nil
	}

	if _, err := m.client.SendText(ctx, id.RoomID(room), text); err != nil {
		return fmt.Errorf("%w: client.SendText failed: %w", model.ErrDelivery, err)
	}

	return nil
}
