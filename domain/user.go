package domain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Routing of the user domain
const (
	UserExchange         = "user"
	CreateUserCommandKey = "user.create"
	UserCreatedEventKey  = "user.created"

	// DefaultUserRole is granted to every user created from a command
	DefaultUserRole = "USER"
)

// ErrInvalidCommand is returned by command validation
var ErrInvalidCommand = errors.New("domain: invalid command")

// User is a registered account
type User struct {
	ID       Id       `json:"_id"`
	Metadata Metadata `json:"metadata"`
	Nickname string   `json:"nickname"`
	Password string   `json:"password"`
	Profile  Profile  `json:"profile"`
	Roles    []string `json:"roles"`
}

// NewUser creates a user with a fresh id
func NewUser(nickname, password string, profile Profile, roles ...string) *User {
	id := NewId()
	return &User{
		ID:       id,
		Metadata: NewMetadata(id),
		Nickname: nickname,
		Password: password,
		Profile:  profile,
		Roles:    slices.Clone(roles),
	}
}

// NewUserFromCommand creates a user with the default role from a command
func NewUserFromCommand(cmd CreateUserCommand) *User {
	return NewUser(cmd.Nickname, cmd.Password, Profile{EmailAddress: cmd.Email}, DefaultUserRole)
}

// NewUserFromMessage is NewUserFromCommand with the user id derived from the
// id of the message carrying the command
func NewUserFromMessage(messageID string, cmd CreateUserCommand) *User {
	user := NewUserFromCommand(cmd)
	user.ID = IdFromMessage(messageID)
	user.Metadata.ID = user.ID
	return user
}

func (u *User) DomainMetadata() *Metadata {
	return &u.Metadata
}

// AddRole grants role once
func (u *User) AddRole(role string) *User {
	if !u.HasRole(role) {
		u.Roles = append(u.Roles, role)
	}
	return u
}

// RemoveRole revokes role
func (u *User) RemoveRole(role string) *User {
	u.Roles = slices.DeleteFunc(u.Roles, func(r string) bool { return r == role })
	return u
}

func (u *User) HasRole(role string) bool {
	return slices.Contains(u.Roles, role)
}

// Profile is the personal data of a user
type Profile struct {
	Picture      Metadata `json:"picture"`
	Firstname    string   `json:"firstname"`
	Lastname     string   `json:"lastname"`
	PhoneNumber  string   `json:"phone_number"`
	EmailAddress string   `json:"email_address"`
	Address      Address  `json:"address"`
}

type Address struct {
	Street       string `json:"street"`
	Number       string `json:"number"`
	PoBox        string `json:"po_box"`
	Municipality string `json:"municipality"`
	Province     string `json:"province"`
	Country      string `json:"country"`
}

// CreateUserCommand asks the user service to register an account
type CreateUserCommand struct {
	DomainMetadata  Metadata `json:"domain_metadata"`
	Nickname        string   `json:"nickname"`
	Password        string   `json:"password"`
	ConfirmPassword string   `json:"confirm_password"`
	Email           string   `json:"email"`
}

// Validate checks the required fields and the password confirmation
func (c CreateUserCommand) Validate() error {
	var missing []string
	if c.Nickname == "" {
		missing = append(missing, "nickname")
	}
	if c.Email == "" {
		missing = append(missing, "email")
	}
	if c.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidCommand, strings.Join(missing, ", "))
	}
	if c.Password != c.ConfirmPassword {
		return fmt.Errorf("%w: passwords do not match", ErrInvalidCommand)
	}
	return nil
}

// UserCreatedEvent announces a registered account
type UserCreatedEvent struct {
	DomainMetadata Metadata `json:"domain_metadata"`
	Nickname       string   `json:"nickname"`
	Email          string   `json:"email"`
}

// NewUserCreatedEvent describes u
func NewUserCreatedEvent(u *User) UserCreatedEvent {
	return UserCreatedEvent{
		DomainMetadata: NewMetadata(u.ID),
		Nickname:       u.Nickname,
		Email:          u.Profile.EmailAddress,
	}
}
