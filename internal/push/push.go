// Package push delivers out-of-band notifications through Firebase Cloud Messaging.
package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/api/fcm/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// ErrInvalidPushConfig is returned when the sender cannot be built.
var ErrInvalidPushConfig = errors.New("invalid push config")

// TokenStore holds the device registrations of each actor.
type TokenStore interface {
	Tokens(ctx context.Context, actorID string) ([]string, error)
	DeleteToken(ctx context.Context, actorID string, token string) error
}

// Sender pushes a notification to every registered device of an actor.
type Sender struct {
	messages *fcm.ProjectsMessagesService
	parent   string
	tokens   TokenStore
	logger   *zap.Logger
}

// NewSender builds an FCM sender for projectID. options are passed to the client,
// typically option.WithCredentialsFile.
func NewSender(ctx context.Context, projectID string, tokens TokenStore, logger *zap.Logger, options ...option.ClientOption) (*Sender, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id is required", ErrInvalidPushConfig)
	}
	if tokens == nil {
		return nil, fmt.Errorf("%w: token store is nil", ErrInvalidPushConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	service, err := fcm.NewService(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("fcm client: %w", err)
	}
	return &Sender{
		messages: service.Projects.Messages,
		parent:   "projects/" + projectID,
		tokens:   tokens,
		logger:   logger.Named("push"),
	}, nil
}

// SendExternalNotification sends title and body to each device of actorID. Tokens FCM
// reports as unregistered are removed; the first other failure is returned after all
// devices were tried.
func (sender *Sender) SendExternalNotification(ctx context.Context, actorID string, title string, body string) error {
	tokens, err := sender.tokens.Tokens(ctx, actorID)
	if err != nil {
		return fmt.Errorf("load device tokens: %w", err)
	}
	var firstErr error
	for _, token := range tokens {
		request := &fcm.SendMessageRequest{Message: &fcm.Message{
			Token:        token,
			Notification: &fcm.Notification{Title: title, Body: body},
		}}
		_, sendErr := sender.messages.Send(sender.parent, request).Context(ctx).Do()
		if sendErr == nil {
			continue
		}
		if unregistered(sendErr) {
			sender.logger.Info("dropping unregistered device token", zap.String("actor_id", actorID))
			if deleteErr := sender.tokens.DeleteToken(ctx, actorID, token); deleteErr != nil {
				sender.logger.Warn("device token delete failed", zap.String("actor_id", actorID), zap.Error(deleteErr))
			}
			continue
		}
		sender.logger.Warn("push send failed", zap.String("actor_id", actorID), zap.Error(sendErr))
		if firstErr == nil {
			firstErr = sendErr
		}
	}
	return firstErr
}

func unregistered(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == http.StatusNotFound
}
