package actor

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fedipedia/api/internal/store"
)

type fakeStore struct {
	getPersonFn      func(ctx context.Context, apID string) (store.Person, error)
	getInstanceFn    func(ctx context.Context, apID string) (store.Instance, error)
	upsertPersonFn   func(ctx context.Context, p store.Person) (store.Person, error)
	upsertInstanceFn func(ctx context.Context, i store.Instance) (store.Instance, error)
}

func (f *fakeStore) GetPersonByAPID(ctx context.Context, apID string) (store.Person, error) {
	if f.getPersonFn == nil {
		return store.Person{}, sql.ErrNoRows
	}
	return f.getPersonFn(ctx, apID)
}

func (f *fakeStore) GetInstanceByAPID(ctx context.Context, apID string) (store.Instance, error) {
	if f.getInstanceFn == nil {
		return store.Instance{}, sql.ErrNoRows
	}
	return f.getInstanceFn(ctx, apID)
}

func (f *fakeStore) UpsertPersonByAPID(ctx context.Context, p store.Person) (store.Person, error) {
	if f.upsertPersonFn == nil {
		return p, nil
	}
	return f.upsertPersonFn(ctx, p)
}

func (f *fakeStore) UpsertInstanceByAPID(ctx context.Context, i store.Instance) (store.Instance, error) {
	if f.upsertInstanceFn == nil {
		return i, nil
	}
	return f.upsertInstanceFn(ctx, i)
}

type fakeFetcher struct {
	fetchActorFn   func(ctx context.Context, apID string) (RemoteActor, error)
	syncArticlesFn func(ctx context.Context, instance store.Instance) error
}

func (f *fakeFetcher) FetchActor(ctx context.Context, apID string) (RemoteActor, error) {
	return f.fetchActorFn(ctx, apID)
}

func (f *fakeFetcher) SyncArticles(ctx context.Context, instance store.Instance) error {
	if f.syncArticlesFn == nil {
		return nil
	}
	return f.syncArticlesFn(ctx, instance)
}

func newTestDirectory(st Store, fetcher Fetcher) *Directory {
	d := NewDirectory(st, 24*time.Hour, zerolog.Nop())
	d.SetFetcher(fetcher)
	return d
}

func TestResolvePersonFreshRowSkipsFetch(t *testing.T) {
	fetched := false
	st := &fakeStore{
		getPersonFn: func(_ context.Context, apID string) (store.Person, error) {
			return store.Person{APID: apID, Username: "alice", LastRefreshedAt: time.Now()}, nil
		},
	}
	fetcher := &fakeFetcher{
		fetchActorFn: func(context.Context, string) (RemoteActor, error) {
			fetched = true
			return RemoteActor{}, nil
		},
	}

	d := newTestDirectory(st, fetcher)
	p, err := d.ResolvePerson(context.Background(), "http://remote.example/user/alice")
	if err != nil {
		t.Fatalf("ResolvePerson: %v", err)
	}
	if p.Username != "alice" {
		t.Fatalf("got username %q", p.Username)
	}
	if fetched {
		t.Fatal("fresh row must not trigger a fetch")
	}
}

func TestResolvePersonStaleRowRefetches(t *testing.T) {
	st := &fakeStore{
		getPersonFn: func(_ context.Context, apID string) (store.Person, error) {
			return store.Person{APID: apID, Username: "old", LastRefreshedAt: time.Now().Add(-48 * time.Hour)}, nil
		},
	}
	fetcher := &fakeFetcher{
		fetchActorFn: func(_ context.Context, apID string) (RemoteActor, error) {
			return RemoteActor{
				ID:       apID,
				Kind:     "Person",
				Username: "renamed",
				Inbox:    "http://remote.example/inbox",
			}, nil
		},
	}

	d := newTestDirectory(st, fetcher)
	p, err := d.ResolvePerson(context.Background(), "http://remote.example/user/alice")
	if err != nil {
		t.Fatalf("ResolvePerson: %v", err)
	}
	if p.Username != "renamed" {
		t.Fatalf("stale row not refreshed, username %q", p.Username)
	}
}

func TestResolveLocalRowNeverFetched(t *testing.T) {
	st := &fakeStore{
		getPersonFn: func(_ context.Context, apID string) (store.Person, error) {
			return store.Person{APID: apID, Username: "local", Local: true}, nil
		},
	}
	fetcher := &fakeFetcher{
		fetchActorFn: func(context.Context, string) (RemoteActor, error) {
			t.Fatal("local actor must never be fetched")
			return RemoteActor{}, nil
		},
	}

	d := newTestDirectory(st, fetcher)
	if _, err := d.ResolvePerson(context.Background(), "http://local.example/user/local"); err != nil {
		t.Fatalf("ResolvePerson: %v", err)
	}
}

func TestResolveRejectsDomainMismatch(t *testing.T) {
	st := &fakeStore{}
	fetcher := &fakeFetcher{
		fetchActorFn: func(context.Context, string) (RemoteActor, error) {
			return RemoteActor{ID: "http://evil.example/user/alice", Kind: "Person"}, nil
		},
	}

	d := newTestDirectory(st, fetcher)
	_, err := d.ResolvePerson(context.Background(), "http://remote.example/user/alice")
	if !errors.Is(err, ErrDomainMismatch) {
		t.Fatalf("expected ErrDomainMismatch, got %v", err)
	}
}

func TestResolveUnknownInstanceSyncsArticles(t *testing.T) {
	synced := false
	st := &fakeStore{}
	fetcher := &fakeFetcher{
		fetchActorFn: func(_ context.Context, apID string) (RemoteActor, error) {
			return RemoteActor{
				ID:          apID,
				Kind:        "Service",
				Topic:       "hiking",
				Inbox:       "http://remote.example/inbox",
				ArticlesURL: "http://remote.example/all_articles",
			}, nil
		},
		syncArticlesFn: func(_ context.Context, instance store.Instance) error {
			synced = true
			if instance.Domain != "remote.example" {
				t.Fatalf("instance domain %q", instance.Domain)
			}
			return nil
		},
	}

	d := newTestDirectory(st, fetcher)
	a, err := d.Resolve(context.Background(), "http://remote.example/")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := a.(Instance); !ok {
		t.Fatalf("expected instance actor, got %T", a)
	}
	if !synced {
		t.Fatal("new instance must sync its article collection")
	}
}
