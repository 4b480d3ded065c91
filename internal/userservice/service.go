// Package userservice registers accounts from create-user commands and
// announces them with user-created events.
package userservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	messenger "github.com/nbittich/v3"
	"github.com/nbittich/v3/domain"
	"github.com/nbittich/v3/interceptors"
	"github.com/nbittich/v3/store"
)

// Collection is the store collection holding users
const Collection = "user"

// Bus is the part of the messenger the service needs
type Bus interface {
	Publish(ctx context.Context, routingKey string, payload any) (messenger.Confirmation, error)
	ConsumeAndAck(ctx context.Context, routingKey string, handler messenger.Handler, options ...messenger.ConsumeOption) error
}

// Service handles the user commands of one application
type Service struct {
	bus    Bus
	users  store.Repository[domain.User]
	chain  *interceptors.Chain
	logger *slog.Logger
}

// Option configures a Service
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithInterceptors wraps the command handler used by Run
func WithInterceptors(chain *interceptors.Chain) Option {
	return func(s *Service) {
		s.chain = chain
	}
}

func New(bus Bus, users store.Repository[domain.User], options ...Option) *Service {
	s := &Service{
		bus:    bus,
		users:  users,
		chain:  interceptors.NewChain(),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// NewUserRepository returns the user collection of db
func NewUserRepository(db *store.DB) *store.BadgerRepository[domain.User] {
	return store.NewRepository(db, Collection, func(u *domain.User) string {
		return u.ID.String()
	})
}

// Run consumes create-user commands until ctx is done or a delivery fails
func (s *Service) Run(ctx context.Context, options ...messenger.ConsumeOption) error {
	return s.bus.ConsumeAndAck(ctx, domain.CreateUserCommandKey, s.chain.Then(s.OnCreateUser), options...)
}

// OnCreateUser stores the user described by the command and publishes a
// UserCreatedEvent. Commands that cannot be decoded or fail validation are
// logged and acknowledged so they do not block the queue.
func (s *Service) OnCreateUser(ctx context.Context, env *messenger.Envelope) error {
	logger := s.logger.With("message_id", env.ID, "sender", env.Sender)
	logger.Info("received create user command", "created_at", env.CreationDate)

	var cmd domain.CreateUserCommand
	if err := env.DecodePayload(&cmd); err != nil {
		logger.Error("payload could not be parsed", "error", err)
		return nil
	}
	if err := cmd.Validate(); err != nil {
		logger.Error("invalid create user command", "error", err)
		return nil
	}

	// a redelivered command maps to the same user id
	user := domain.NewUserFromMessage(env.ID, cmd)
	user.DomainMetadata().UpdateMetadata()
	if _, err := s.users.InsertOne(ctx, user); err != nil {
		if !errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("insert user %s: %w", user.ID, err)
		}
		stored, err := s.users.FindByID(ctx, user.ID.String())
		if err != nil {
			return fmt.Errorf("load user %s: %w", user.ID, err)
		}
		logger.Info("user already stored, republishing event", "user_id", stored.ID)
		user = stored
	}

	confirmation, err := s.bus.Publish(ctx, domain.UserCreatedEventKey, domain.NewUserCreatedEvent(user))
	if err != nil {
		return fmt.Errorf("publish user created %s: %w", user.ID, err)
	}
	if confirmation != messenger.Acknowledged {
		// the user is stored; acknowledge so the command is not replayed
		logger.Warn("user created event rejected", "user_id", user.ID)
		return nil
	}

	logger.Info("user created", "user_id", user.ID, "nickname", user.Nickname)
	return nil
}

// GetUser returns the stored user with id
func (s *Service) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return s.users.FindByID(ctx, id)
}

// ListUsers returns one page of users, optionally restricted to a role
func (s *Service) ListUsers(ctx context.Context, role string, page store.Page) (*store.PageResult[domain.User], error) {
	var filter store.Filter[domain.User]
	if role != "" {
		filter = func(u *domain.User) bool { return u.HasRole(role) }
	}
	return s.users.FindPage(ctx, filter, page)
}
