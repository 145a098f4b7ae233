// Package actor resolves ActivityPub actors (persons and instances) from the
// local database or, when unknown or stale, from their origin server.
package actor

import (
	"fedipedia/api/internal/store"
)

// Actor is either a person or an instance, the two actor kinds this service
// federates with.
type Actor interface {
	APID() string
	Inbox() string
	PublicKeyPEM() string
	IsLocal() bool
}

// Person wraps a stored person as an Actor.
type Person struct {
	store.Person
}

func (p Person) APID() string         { return p.Person.APID }
func (p Person) Inbox() string        { return p.Person.InboxURL }
func (p Person) PublicKeyPEM() string { return p.Person.PublicKey }
func (p Person) IsLocal() bool        { return p.Person.Local }

// Instance wraps a stored instance as an Actor.
type Instance struct {
	store.Instance
}

func (i Instance) APID() string         { return i.Instance.APID }
func (i Instance) Inbox() string        { return i.Instance.InboxURL }
func (i Instance) PublicKeyPEM() string { return i.Instance.PublicKey }
func (i Instance) IsLocal() bool        { return i.Instance.Local }
