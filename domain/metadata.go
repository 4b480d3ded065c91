// Package domain holds the payloads exchanged by the user services and the
// metadata every stored entity carries.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Id identifies a domain entity
type Id string

// NewId returns a random uuid v4 identifier
func NewId() Id {
	return Id(uuid.NewString())
}

// commandNamespace scopes ids derived from command message ids
var commandNamespace = uuid.MustParse("8c2b7a5e-3f1d-4e0a-9b6c-2d4f6a8e0c1b")

// IdFromMessage returns a uuid v5 identifier derived from a message id, so
// every delivery of one command yields the same entity id
func IdFromMessage(messageID string) Id {
	return Id(uuid.NewSHA1(commandNamespace, []byte(messageID)).String())
}

func (id Id) String() string {
	return string(id)
}

// Metadata tracks the identity and revision of an entity. Version and both
// dates stay nil until the first UpdateMetadata.
type Metadata struct {
	ID           Id         `json:"id"`
	Version      *uint32    `json:"version"`
	CreationDate *time.Time `json:"creation_date"`
	UpdatedDate  *time.Time `json:"updated_date"`
}

// NewMetadata returns metadata for id. A zero id gets a fresh one.
func NewMetadata(id Id) Metadata {
	if id == "" {
		id = NewId()
	}
	return Metadata{ID: id}
}

// UpdateMetadata bumps the version. The first call sets version 1 and the
// creation date, later calls increment the version and set the updated date.
func (m *Metadata) UpdateMetadata() {
	now := time.Now().UTC()

	next := uint32(1)
	if m.Version != nil {
		next = *m.Version + 1
	}
	m.Version = &next

	if m.CreationDate == nil {
		m.CreationDate = &now
	} else {
		m.UpdatedDate = &now
	}
}

// CurrentVersion returns the version, 0 when never updated
func (m Metadata) CurrentVersion() uint32 {
	if m.Version == nil {
		return 0
	}
	return *m.Version
}

// Versioned is implemented by entities carrying Metadata
type Versioned interface {
	DomainMetadata() *Metadata
}
