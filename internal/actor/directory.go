package actor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"fedipedia/api/internal/store"
	"fedipedia/api/internal/util"
)

// ErrDomainMismatch is returned when a fetched actor document claims an ID
// hosted on a different domain than the URL it was fetched from.
var ErrDomainMismatch = errors.New("actor document id does not match its origin domain")

// RemoteActor is a decoded remote actor document.
type RemoteActor struct {
	ID           string
	Kind         string // "Person" or "Service"
	Username     string
	Topic        string
	Inbox        string
	ArticlesURL  string
	PublicKeyPEM string
}

// Fetcher retrieves remote actor documents and synchronizes an instance's
// article collection after a refresh.
type Fetcher interface {
	FetchActor(ctx context.Context, apID string) (RemoteActor, error)
	SyncArticles(ctx context.Context, instance store.Instance) error
}

// Store is the persistence surface the directory needs.
type Store interface {
	GetPersonByAPID(ctx context.Context, apID string) (store.Person, error)
	GetInstanceByAPID(ctx context.Context, apID string) (store.Instance, error)
	UpsertPersonByAPID(ctx context.Context, p store.Person) (store.Person, error)
	UpsertInstanceByAPID(ctx context.Context, i store.Instance) (store.Instance, error)
}

// Directory answers "who is this ActivityPub ID" with a cached row or a fresh
// fetch. Rows older than the refresh interval are re-fetched; local rows are
// never fetched.
type Directory struct {
	store   Store
	fetcher Fetcher
	refresh time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

func NewDirectory(st Store, refresh time.Duration, log zerolog.Logger) *Directory {
	return &Directory{
		store:   st,
		refresh: refresh,
		log:     log.With().Str("component", "actor_directory").Logger(),
		now:     time.Now,
	}
}

// SetFetcher wires the remote fetcher after construction. The federation
// client needs the directory's owner constructed first, so wiring is late.
func (d *Directory) SetFetcher(f Fetcher) {
	d.fetcher = f
}

// ResolvePerson returns the person behind apID, fetching when unknown or
// stale.
func (d *Directory) ResolvePerson(ctx context.Context, apID string) (store.Person, error) {
	p, err := d.store.GetPersonByAPID(ctx, apID)
	switch {
	case err == nil && (p.Local || !d.stale(p.LastRefreshedAt)):
		return p, nil
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return store.Person{}, fmt.Errorf("lookup person: %w", err)
	}
	return d.fetchPerson(ctx, apID)
}

// ResolveInstance returns the instance behind apID, fetching when unknown or
// stale.
func (d *Directory) ResolveInstance(ctx context.Context, apID string) (store.Instance, error) {
	i, err := d.store.GetInstanceByAPID(ctx, apID)
	switch {
	case err == nil && (i.Local || !d.stale(i.LastRefreshedAt)):
		return i, nil
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return store.Instance{}, fmt.Errorf("lookup instance: %w", err)
	}
	return d.fetchInstance(ctx, apID)
}

// RefreshInstance force-fetches an instance regardless of staleness. Used
// before conflict resolution so the merge sees the origin's current chain.
func (d *Directory) RefreshInstance(ctx context.Context, apID string) (store.Instance, error) {
	i, err := d.store.GetInstanceByAPID(ctx, apID)
	if err == nil && i.Local {
		return i, nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return store.Instance{}, fmt.Errorf("lookup instance: %w", err)
	}
	return d.fetchInstance(ctx, apID)
}

// Resolve returns the actor behind apID whatever its kind. Persons are tried
// first; an unknown ID is decided by the fetched document's type.
func (d *Directory) Resolve(ctx context.Context, apID string) (Actor, error) {
	if p, err := d.store.GetPersonByAPID(ctx, apID); err == nil {
		if p.Local || !d.stale(p.LastRefreshedAt) {
			return Person{p}, nil
		}
		person, err := d.fetchPerson(ctx, apID)
		if err != nil {
			return nil, err
		}
		return Person{person}, nil
	}
	if i, err := d.store.GetInstanceByAPID(ctx, apID); err == nil {
		if i.Local || !d.stale(i.LastRefreshedAt) {
			return Instance{i}, nil
		}
		instance, err := d.fetchInstance(ctx, apID)
		if err != nil {
			return nil, err
		}
		return Instance{instance}, nil
	}

	doc, err := d.fetch(ctx, apID)
	if err != nil {
		return nil, err
	}
	if doc.Kind == "Person" {
		person, err := d.storePerson(ctx, doc)
		if err != nil {
			return nil, err
		}
		return Person{person}, nil
	}
	instance, err := d.storeInstance(ctx, doc)
	if err != nil {
		return nil, err
	}
	return Instance{instance}, nil
}

func (d *Directory) stale(last time.Time) bool {
	return d.now().Sub(last) > d.refresh
}

func (d *Directory) fetch(ctx context.Context, apID string) (RemoteActor, error) {
	doc, err := d.fetcher.FetchActor(ctx, apID)
	if err != nil {
		return RemoteActor{}, fmt.Errorf("fetch actor %s: %w", apID, err)
	}
	if !sameHost(doc.ID, apID) {
		return RemoteActor{}, ErrDomainMismatch
	}
	return doc, nil
}

func (d *Directory) fetchPerson(ctx context.Context, apID string) (store.Person, error) {
	doc, err := d.fetch(ctx, apID)
	if err != nil {
		return store.Person{}, err
	}
	if doc.Kind != "Person" {
		return store.Person{}, fmt.Errorf("actor %s is not a person", apID)
	}
	return d.storePerson(ctx, doc)
}

func (d *Directory) fetchInstance(ctx context.Context, apID string) (store.Instance, error) {
	doc, err := d.fetch(ctx, apID)
	if err != nil {
		return store.Instance{}, err
	}
	if doc.Kind == "Person" {
		return store.Instance{}, fmt.Errorf("actor %s is not an instance", apID)
	}
	return d.storeInstance(ctx, doc)
}

func (d *Directory) storePerson(ctx context.Context, doc RemoteActor) (store.Person, error) {
	p, err := d.store.UpsertPersonByAPID(ctx, store.Person{
		ID:              util.NewID("person"),
		Username:        doc.Username,
		APID:            doc.ID,
		InboxURL:        doc.Inbox,
		PublicKey:       doc.PublicKeyPEM,
		LastRefreshedAt: d.now(),
		Local:           false,
	})
	if err != nil {
		return store.Person{}, fmt.Errorf("store fetched person: %w", err)
	}
	return p, nil
}

func (d *Directory) storeInstance(ctx context.Context, doc RemoteActor) (store.Instance, error) {
	host, err := hostOf(doc.ID)
	if err != nil {
		return store.Instance{}, err
	}
	i, err := d.store.UpsertInstanceByAPID(ctx, store.Instance{
		ID:              util.NewID("instance"),
		Domain:          host,
		APID:            doc.ID,
		Topic:           doc.Topic,
		InboxURL:        doc.Inbox,
		ArticlesURL:     doc.ArticlesURL,
		PublicKey:       doc.PublicKeyPEM,
		LastRefreshedAt: d.now(),
		Local:           false,
	})
	if err != nil {
		return store.Instance{}, fmt.Errorf("store fetched instance: %w", err)
	}

	// A refreshed instance brings its article collection with it.
	if err := d.fetcher.SyncArticles(ctx, i); err != nil {
		d.log.Warn().Err(err).Str("instance", i.Domain).Msg("article collection sync failed")
	}
	return i, nil
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse actor id %q: %w", rawURL, err)
	}
	return u.Host, nil
}

func sameHost(a, b string) bool {
	ha, errA := hostOf(a)
	hb, errB := hostOf(b)
	return errA == nil && errB == nil && ha != "" && ha == hb
}
