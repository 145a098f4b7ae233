package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"fedipedia/api/internal/actor"
	"fedipedia/api/internal/authpw"
	"fedipedia/api/internal/config"
	"fedipedia/api/internal/federation"
	"fedipedia/api/internal/gitexport"
	"fedipedia/api/internal/history"
	"fedipedia/api/internal/merge"
	"fedipedia/api/internal/metrics"
	"fedipedia/api/internal/search"
	"fedipedia/api/internal/store"
)

// memStore is an in-memory dataStore with real append semantics so the edit
// pipeline can be exercised end to end.
type memStore struct {
	mu        sync.Mutex
	articles  map[string]store.Article
	edits     map[string][]store.Edit
	conflicts map[string]store.Conflict
	instances map[string]store.Instance
	persons   map[string]store.Person
	users     map[string]store.LocalUser
	follows   map[string]store.InstanceFollow
}

func newMemStore() *memStore {
	return &memStore{
		articles:  make(map[string]store.Article),
		edits:     make(map[string][]store.Edit),
		conflicts: make(map[string]store.Conflict),
		instances: make(map[string]store.Instance),
		persons:   make(map[string]store.Person),
		users:     make(map[string]store.LocalUser),
		follows:   make(map[string]store.InstanceFollow),
	}
}

func (m *memStore) Ping(context.Context) error { return nil }

func (m *memStore) InsertArticle(_ context.Context, a store.Article) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.articles {
		if existing.APID == a.APID {
			return store.ErrDuplicate
		}
	}
	m.articles[a.ID] = a
	return nil
}

func (m *memStore) GetArticle(_ context.Context, id string) (store.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.articles[id]
	if !ok {
		return store.Article{}, sql.ErrNoRows
	}
	return a, nil
}

func (m *memStore) GetArticleByAPID(_ context.Context, apID string) (store.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.articles {
		if a.APID == apID {
			return a, nil
		}
	}
	return store.Article{}, sql.ErrNoRows
}

func (m *memStore) GetLocalArticleByTitle(_ context.Context, title string) (store.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.articles {
		if a.Local && a.Title == title {
			return a, nil
		}
	}
	return store.Article{}, sql.ErrNoRows
}

func (m *memStore) GetArticleByTitleAndDomain(_ context.Context, title, domain string) (store.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.articles {
		inst, ok := m.instances[a.InstanceID]
		if ok && a.Title == title && inst.Domain == domain {
			return a, nil
		}
	}
	return store.Article{}, sql.ErrNoRows
}

func (m *memStore) ListArticles(_ context.Context, onlyLocal bool, instanceID string) ([]store.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Article
	for _, a := range m.articles {
		if onlyLocal && !a.Local {
			continue
		}
		if instanceID != "" && a.InstanceID != instanceID {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (m *memStore) ListUnapprovedArticles(context.Context) ([]store.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Article
	for _, a := range m.articles {
		if a.Local && !a.Approved {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) SetArticleProtected(_ context.Context, id string, protected bool) (store.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.articles[id]
	if !ok {
		return store.Article{}, sql.ErrNoRows
	}
	a.Protected = protected
	m.articles[id] = a
	return a, nil
}

func (m *memStore) SetArticleApproved(_ context.Context, id string, approved bool) (store.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.articles[id]
	if !ok {
		return store.Article{}, sql.ErrNoRows
	}
	a.Approved = approved
	m.articles[id] = a
	return a, nil
}

func (m *memStore) DeleteArticle(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.articles[id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.articles, id)
	delete(m.edits, id)
	return nil
}

func (m *memStore) AppendEdit(_ context.Context, e store.Edit, newText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := history.Sentinel
	if chain := m.edits[e.ArticleID]; len(chain) > 0 {
		latest = chain[len(chain)-1].Hash
	}
	if e.PreviousVersion != latest {
		return store.ErrStaleVersion
	}
	m.edits[e.ArticleID] = append(m.edits[e.ArticleID], e)
	a := m.articles[e.ArticleID]
	a.Text = newText
	m.articles[e.ArticleID] = a
	return nil
}

func (m *memStore) UpsertEdit(_ context.Context, e store.Edit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.edits[e.ArticleID] {
		if existing.APID == e.APID {
			return nil
		}
	}
	m.edits[e.ArticleID] = append(m.edits[e.ArticleID], e)
	return nil
}

func (m *memStore) UpdateArticleText(_ context.Context, articleID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.articles[articleID]
	if !ok {
		return sql.ErrNoRows
	}
	a.Text = text
	m.articles[articleID] = a
	return nil
}

func (m *memStore) ListEdits(_ context.Context, articleID string) ([]store.Edit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Edit(nil), m.edits[articleID]...), nil
}

func (m *memStore) LatestVersion(_ context.Context, articleID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.edits[articleID]
	if len(chain) == 0 {
		return history.Sentinel, nil
	}
	return chain[len(chain)-1].Hash, nil
}

func (m *memStore) InsertConflict(_ context.Context, c store.Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts[c.ID] = c
	return nil
}

func (m *memStore) GetConflict(_ context.Context, id string) (store.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[id]
	if !ok {
		return store.Conflict{}, sql.ErrNoRows
	}
	return c, nil
}

func (m *memStore) DeleteConflict(_ context.Context, id, creatorID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[id]
	if !ok || c.CreatorID != creatorID {
		return false, nil
	}
	delete(m.conflicts, id)
	return true, nil
}

func (m *memStore) ListConflictsByCreator(_ context.Context, creatorID string) ([]store.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Conflict
	for _, c := range m.conflicts {
		if c.CreatorID == creatorID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) GetInstance(_ context.Context, id string) (store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.instances[id]
	if !ok {
		return store.Instance{}, sql.ErrNoRows
	}
	return i, nil
}

func (m *memStore) UpsertInstanceByAPID(_ context.Context, i store.Instance) (store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.instances {
		if existing.APID == i.APID {
			i.ID = id
			m.instances[id] = i
			return i, nil
		}
	}
	m.instances[i.ID] = i
	return i, nil
}

func (m *memStore) GetInstanceByAPID(_ context.Context, apID string) (store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, i := range m.instances {
		if i.APID == apID {
			return i, nil
		}
	}
	return store.Instance{}, sql.ErrNoRows
}

func (m *memStore) GetLocalInstance(context.Context) (store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, i := range m.instances {
		if i.Local {
			return i, nil
		}
	}
	return store.Instance{}, sql.ErrNoRows
}

func (m *memStore) ListRemoteInstances(context.Context) ([]store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Instance
	for _, i := range m.instances {
		if !i.Local {
			out = append(out, i)
		}
	}
	return out, nil
}

func (m *memStore) GetPerson(_ context.Context, id string) (store.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.persons[id]
	if !ok {
		return store.Person{}, sql.ErrNoRows
	}
	return p, nil
}

func (m *memStore) GetPersonByAPID(_ context.Context, apID string) (store.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.persons {
		if p.APID == apID {
			return p, nil
		}
	}
	return store.Person{}, sql.ErrNoRows
}

func (m *memStore) GetLocalPersonByUsername(_ context.Context, username string) (store.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.persons {
		if p.Local && p.Username == username {
			return p, nil
		}
	}
	return store.Person{}, sql.ErrNoRows
}

func (m *memStore) GetLocalUserByPersonID(_ context.Context, personID string) (store.LocalUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.PersonID == personID {
			return u, nil
		}
	}
	return store.LocalUser{}, sql.ErrNoRows
}

func (m *memStore) GetLocalUserByUsername(_ context.Context, username string) (store.LocalUser, store.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return store.LocalUser{}, store.Person{}, sql.ErrNoRows
	}
	return u, m.persons[u.PersonID], nil
}

func (m *memStore) CreateLocalUser(_ context.Context, person store.Person, user store.LocalUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[person.Username]; ok {
		return store.ErrDuplicate
	}
	m.persons[person.ID] = person
	m.users[person.Username] = user
	return nil
}

func (m *memStore) UpsertFollow(_ context.Context, f store.InstanceFollow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.follows[f.FollowerID+"|"+f.InstanceID] = f
	return nil
}

func (m *memStore) GetFollow(_ context.Context, followerID, instanceID string) (store.InstanceFollow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.follows[followerID+"|"+instanceID]
	if !ok {
		return store.InstanceFollow{}, sql.ErrNoRows
	}
	return f, nil
}

func (m *memStore) ListFollowing(_ context.Context, personID string) ([]store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Instance
	for key, f := range m.follows {
		if strings.HasPrefix(key, personID+"|") {
			out = append(out, m.instances[f.InstanceID])
		}
	}
	return out, nil
}

func (m *memStore) SearchArticles(_ context.Context, query string) ([]store.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Article
	lower := strings.ToLower(query)
	for _, a := range m.articles {
		if strings.Contains(strings.ToLower(a.Title), lower) || strings.Contains(strings.ToLower(a.Text), lower) {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeDeliverer struct {
	mu         sync.Mutex
	delivered  []federation.Activity
	broadcasts []federation.Activity
}

func (f *fakeDeliverer) Deliver(activity federation.Activity, _ federation.Signer, _ []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, activity)
}

func (f *fakeDeliverer) SendToFollowers(_ context.Context, activity federation.Activity, _ federation.Signer, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, activity)
	return nil
}

type fakeRemoteClient struct {
	fetchArticleFn    func(ctx context.Context, apID string) (federation.ApubArticle, error)
	hydrateArticleFn  func(ctx context.Context, doc federation.ApubArticle) (store.Article, error)
	storeRemoteEditFn func(ctx context.Context, article store.Article, edit federation.ApubEdit) error
}

func (f *fakeRemoteClient) FetchArticle(ctx context.Context, apID string) (federation.ApubArticle, error) {
	if f.fetchArticleFn == nil {
		return federation.ApubArticle{}, errors.New("not implemented")
	}
	return f.fetchArticleFn(ctx, apID)
}

func (f *fakeRemoteClient) HydrateArticle(ctx context.Context, doc federation.ApubArticle) (store.Article, error) {
	if f.hydrateArticleFn == nil {
		return store.Article{}, errors.New("not implemented")
	}
	return f.hydrateArticleFn(ctx, doc)
}

func (f *fakeRemoteClient) StoreRemoteEdit(ctx context.Context, article store.Article, edit federation.ApubEdit) error {
	if f.storeRemoteEditFn == nil {
		return errors.New("not implemented")
	}
	return f.storeRemoteEditFn(ctx, article, edit)
}

type fakeResolver struct {
	resolvePersonFn   func(ctx context.Context, apID string) (store.Person, error)
	resolveInstanceFn func(ctx context.Context, apID string) (store.Instance, error)
	refreshInstanceFn func(ctx context.Context, apID string) (store.Instance, error)
}

func (f *fakeResolver) ResolvePerson(ctx context.Context, apID string) (store.Person, error) {
	if f.resolvePersonFn == nil {
		return store.Person{}, sql.ErrNoRows
	}
	return f.resolvePersonFn(ctx, apID)
}

func (f *fakeResolver) ResolveInstance(ctx context.Context, apID string) (store.Instance, error) {
	if f.resolveInstanceFn == nil {
		return store.Instance{}, sql.ErrNoRows
	}
	return f.resolveInstanceFn(ctx, apID)
}

func (f *fakeResolver) RefreshInstance(ctx context.Context, apID string) (store.Instance, error) {
	if f.refreshInstanceFn == nil {
		return store.Instance{}, sql.ErrNoRows
	}
	return f.refreshInstanceFn(ctx, apID)
}

func (f *fakeResolver) Resolve(context.Context, string) (actor.Actor, error) {
	return nil, sql.ErrNoRows
}

type testEnv struct {
	service   *Service
	store     *memStore
	deliverer *fakeDeliverer
	client    *fakeRemoteClient
	resolver  *fakeResolver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := newMemStore()
	st.instances["inst_local"] = store.Instance{
		ID:          "inst_local",
		Domain:      "example.org",
		APID:        "http://example.org/",
		InboxURL:    "http://example.org/inbox",
		ArticlesURL: "http://example.org/all_articles",
		Local:       true,
	}
	st.persons["person_alice"] = store.Person{
		ID:       "person_alice",
		Username: "alice",
		APID:     "http://example.org/user/alice",
		InboxURL: "http://example.org/inbox",
		Local:    true,
	}

	cfg := config.Config{
		Domain:           "example.org",
		Protocol:         "http",
		JWTSecret:        "test-secret",
		AccessTTL:        time.Hour,
		RegistrationOpen: true,
	}
	deliverer := &fakeDeliverer{}
	client := &fakeRemoteClient{}
	resolver := &fakeResolver{}
	log := zerolog.Nop()

	svc := NewService(
		st,
		cfg,
		deliverer,
		client,
		resolver,
		search.NewService(nil, st, log),
		gitexport.New(t.TempDir(), "example.org"),
		authpw.NewService(st),
		metrics.New(prometheus.NewRegistry()),
		log,
	)
	return &testEnv{service: svc, store: st, deliverer: deliverer, client: client, resolver: resolver}
}

func requireDomainCode(t *testing.T, err error, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("want DomainError %s, got %v", code, err)
	}
	if domainErr.Code != code {
		t.Fatalf("want code %s, got %s (%s)", code, domainErr.Code, domainErr.Message)
	}
}

var alice = Requester{PersonID: "person_alice", Username: "alice"}

func TestCreateArticle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	view, err := env.service.CreateArticle(ctx, CreateArticleInput{
		Title:   "Test Article",
		Text:    "Hello world",
		Summary: "initial",
	}, alice)
	if err != nil {
		t.Fatalf("CreateArticle: %v", err)
	}
	if view.Title != "Test_Article" {
		t.Fatalf("title = %q, want Test_Article", view.Title)
	}
	if view.Text != "Hello world\n" {
		t.Fatalf("text = %q, want canonical form with trailing newline", view.Text)
	}
	wantVersion := history.VersionOf(history.CreateDiff("", "Hello world\n"))
	if view.LatestVersion != wantVersion {
		t.Fatalf("latestVersion = %s, want %s", view.LatestVersion, wantVersion)
	}
	if len(env.deliverer.broadcasts) != 1 || env.deliverer.broadcasts[0].Type != federation.KindCreateArticle {
		t.Fatalf("want one CreateArticle broadcast, got %+v", env.deliverer.broadcasts)
	}

	_, err = env.service.CreateArticle(ctx, CreateArticleInput{Title: "Test Article", Text: "x", Summary: "dup"}, alice)
	requireDomainCode(t, err, CodeDuplicateArticle)
}

func TestCreateArticleValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.service.CreateArticle(ctx, CreateArticleInput{Title: "", Text: "x", Summary: "s"}, alice)
	requireDomainCode(t, err, CodeValidation)

	_, err = env.service.CreateArticle(ctx, CreateArticleInput{Title: "a/b", Text: "x", Summary: "s"}, alice)
	requireDomainCode(t, err, CodeValidation)

	_, err = env.service.CreateArticle(ctx, CreateArticleInput{Title: "NoSummary", Text: "x", Summary: "  "}, alice)
	requireDomainCode(t, err, CodeValidation)

	_, err = env.service.CreateArticle(ctx, CreateArticleInput{
		Title:   "LocalLink",
		Text:    "see [here](http://example.org/article/Other)",
		Summary: "s",
	}, alice)
	requireDomainCode(t, err, CodeValidation)
}

func TestEditArticleFastPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	view, err := env.service.CreateArticle(ctx, CreateArticleInput{Title: "Page", Text: "one", Summary: "init"}, alice)
	if err != nil {
		t.Fatalf("CreateArticle: %v", err)
	}

	conflict, err := env.service.EditArticle(ctx, EditArticleInput{
		ArticleID:       view.ID,
		Text:            "two",
		Summary:         "update",
		PreviousVersion: view.LatestVersion,
	}, alice)
	if err != nil {
		t.Fatalf("EditArticle: %v", err)
	}
	if conflict != nil {
		t.Fatalf("want committed edit, got conflict %+v", conflict)
	}

	got, edits, err := env.service.GetArticle(ctx, view.ID, "", "")
	if err != nil {
		t.Fatalf("GetArticle: %v", err)
	}
	if got.Text != "two\n" {
		t.Fatalf("text = %q, want two\\n", got.Text)
	}
	if len(edits) != 2 {
		t.Fatalf("want 2 edits, got %d", len(edits))
	}
	if edits[0].PreviousVersion != history.Sentinel {
		t.Fatalf("first edit previous = %s, want sentinel", edits[0].PreviousVersion)
	}
	if edits[1].PreviousVersion != edits[0].Hash {
		t.Fatalf("chain broken: second previous = %s, first hash = %s", edits[1].PreviousVersion, edits[0].Hash)
	}
}

func TestEditArticleRejectsNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	view, err := env.service.CreateArticle(ctx, CreateArticleInput{Title: "Page", Text: "same", Summary: "init"}, alice)
	if err != nil {
		t.Fatalf("CreateArticle: %v", err)
	}

	_, err = env.service.EditArticle(ctx, EditArticleInput{
		ArticleID:       view.ID,
		Text:            "same",
		Summary:         "noop",
		PreviousVersion: view.LatestVersion,
	}, alice)
	requireDomainCode(t, err, CodeValidation)

	_, err = env.service.EditArticle(ctx, EditArticleInput{
		ArticleID:       view.ID,
		Text:            "other",
		Summary:         "bad version",
		PreviousVersion: "not-a-version",
	}, alice)
	requireDomainCode(t, err, CodeValidation)
}

func TestEditArticleDivergenceAutoMerges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	view, err := env.service.CreateArticle(ctx, CreateArticleInput{Title: "Page", Text: "A\nB\nC", Summary: "init"}, alice)
	if err != nil {
		t.Fatalf("CreateArticle: %v", err)
	}
	v1 := view.LatestVersion

	if _, err := env.service.EditArticle(ctx, EditArticleInput{
		ArticleID:       view.ID,
		Text:            "A\nB\nC2",
		Summary:         "change tail",
		PreviousVersion: v1,
	}, alice); err != nil {
		t.Fatalf("first edit: %v", err)
	}

	// Second editor still builds on v1 but touches a different region, so
	// the divergence merges cleanly and commits on top of the chain.
	conflict, err := env.service.EditArticle(ctx, EditArticleInput{
		ArticleID:       view.ID,
		Text:            "A2\nB\nC",
		Summary:         "change head",
		PreviousVersion: v1,
	}, alice)
	if err != nil {
		t.Fatalf("divergent edit: %v", err)
	}
	if conflict != nil {
		t.Fatalf("want clean auto-merge, got conflict %+v", conflict)
	}

	got, edits, err := env.service.GetArticle(ctx, view.ID, "", "")
	if err != nil {
		t.Fatalf("GetArticle: %v", err)
	}
	if got.Text != "A2\nB\nC2\n" {
		t.Fatalf("merged text = %q, want A2\\nB\\nC2\\n", got.Text)
	}
	if len(edits) != 3 {
		t.Fatalf("want 3 edits, got %d", len(edits))
	}
	if len(env.store.conflicts) != 0 {
		t.Fatalf("merged conflict should be deleted, %d remain", len(env.store.conflicts))
	}
}

func TestEditArticleDivergenceReportsConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	view, err := env.service.CreateArticle(ctx, CreateArticleInput{Title: "Page", Text: "A\nB\nC", Summary: "init"}, alice)
	if err != nil {
		t.Fatalf("CreateArticle: %v", err)
	}
	v1 := view.LatestVersion

	if _, err := env.service.EditArticle(ctx, EditArticleInput{
		ArticleID:       view.ID,
		Text:            "A\nB-theirs\nC",
		Summary:         "first",
		PreviousVersion: v1,
	}, alice); err != nil {
		t.Fatalf("first edit: %v", err)
	}
	latest, err := env.store.LatestVersion(ctx, view.ID)
	if err != nil {
		t.Fatalf("LatestVersion: %v", err)
	}

	conflict, err := env.service.EditArticle(ctx, EditArticleInput{
		ArticleID:       view.ID,
		Text:            "A\nB-ours\nC",
		Summary:         "second",
		PreviousVersion: v1,
	}, alice)
	if err != nil {
		t.Fatalf("divergent edit: %v", err)
	}
	if conflict == nil {
		t.Fatal("want conflict descriptor, got nil")
	}
	if !strings.Contains(conflict.ThreeWayMerge, merge.MarkerOurs) ||
		!strings.Contains(conflict.ThreeWayMerge, merge.MarkerTheirs) {
		t.Fatalf("merge text missing markers:\n%s", conflict.ThreeWayMerge)
	}
	if conflict.PreviousVersion != latest {
		t.Fatalf("conflict previous = %s, want current latest %s", conflict.PreviousVersion, latest)
	}
	if len(env.store.conflicts) != 1 {
		t.Fatalf("want conflict persisted, have %d", len(env.store.conflicts))
	}

	// Resubmitting on top of the reported version with the resolved text
	// commits and clears the conflict.
	resolved, err := env.service.EditArticle(ctx, EditArticleInput{
		ArticleID:         view.ID,
		Text:              "A\nB-merged\nC",
		Summary:           "resolved",
		PreviousVersion:   conflict.PreviousVersion,
		ResolveConflictID: conflict.ID,
	}, alice)
	if err != nil {
		t.Fatalf("resolve edit: %v", err)
	}
	if resolved != nil {
		t.Fatalf("want resolution to commit, got conflict %+v", resolved)
	}
	if len(env.store.conflicts) != 0 {
		t.Fatalf("conflict should be gone, %d remain", len(env.store.conflicts))
	}
}

// A resolveConflictId that matches nothing must not decrement the open
// conflicts gauge, or the gauge drifts negative over time.
func TestEditArticleBogusResolveIDKeepsGaugeStable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	view, err := env.service.CreateArticle(ctx, CreateArticleInput{Title: "Page", Text: "one", Summary: "init"}, alice)
	if err != nil {
		t.Fatalf("CreateArticle: %v", err)
	}

	conflict, err := env.service.EditArticle(ctx, EditArticleInput{
		ArticleID:         view.ID,
		Text:              "two",
		Summary:           "edit",
		PreviousVersion:   view.LatestVersion,
		ResolveConflictID: "conflict_missing",
	}, alice)
	if err != nil {
		t.Fatalf("EditArticle: %v", err)
	}
	if conflict != nil {
		t.Fatalf("want clean commit, got conflict %+v", conflict)
	}
	if got := testutil.ToFloat64(env.service.metrics.ConflictsOpen); got != 0 {
		t.Fatalf("open conflicts gauge = %v, want 0", got)
	}
}

func TestEditArticleProtected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	view, err := env.service.CreateArticle(ctx, CreateArticleInput{Title: "Locked", Text: "x", Summary: "init"}, alice)
	if err != nil {
		t.Fatalf("CreateArticle: %v", err)
	}
	admin := Requester{PersonID: "person_alice", Username: "alice", Admin: true}
	if _, err := env.service.ProtectArticle(ctx, view.ID, true, admin); err != nil {
		t.Fatalf("ProtectArticle: %v", err)
	}

	_, err = env.service.EditArticle(ctx, EditArticleInput{
		ArticleID:       view.ID,
		Text:            "y",
		Summary:         "blocked",
		PreviousVersion: view.LatestVersion,
	}, alice)
	requireDomainCode(t, err, CodeEditProtected)

	// Admins edit through the lock.
	conflict, err := env.service.EditArticle(ctx, EditArticleInput{
		ArticleID:       view.ID,
		Text:            "y",
		Summary:         "admin edit",
		PreviousVersion: view.LatestVersion,
	}, admin)
	if err != nil || conflict != nil {
		t.Fatalf("admin edit: conflict=%v err=%v", conflict, err)
	}
}

func TestForkArticleCopiesChain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	view, err := env.service.CreateArticle(ctx, CreateArticleInput{Title: "Source", Text: "one", Summary: "init"}, alice)
	if err != nil {
		t.Fatalf("CreateArticle: %v", err)
	}
	if _, err := env.service.EditArticle(ctx, EditArticleInput{
		ArticleID:       view.ID,
		Text:            "two",
		Summary:         "update",
		PreviousVersion: view.LatestVersion,
	}, alice); err != nil {
		t.Fatalf("EditArticle: %v", err)
	}

	fork, err := env.service.ForkArticle(ctx, ForkArticleInput{ArticleID: view.ID, NewTitle: "Copy"}, alice)
	if err != nil {
		t.Fatalf("ForkArticle: %v", err)
	}
	if fork.Text != "two\n" {
		t.Fatalf("fork text = %q", fork.Text)
	}

	_, sourceEdits, err := env.service.GetArticle(ctx, view.ID, "", "")
	if err != nil {
		t.Fatalf("GetArticle source: %v", err)
	}
	forkView, forkEdits, err := env.service.GetArticle(ctx, fork.ID, "", "")
	if err != nil {
		t.Fatalf("GetArticle fork: %v", err)
	}
	if len(forkEdits) != len(sourceEdits) {
		t.Fatalf("fork has %d edits, source %d", len(forkEdits), len(sourceEdits))
	}
	for i := range forkEdits {
		if forkEdits[i].Hash != sourceEdits[i].Hash || forkEdits[i].Diff != sourceEdits[i].Diff {
			t.Fatalf("edit %d differs between fork and source", i)
		}
		if forkEdits[i].APID == sourceEdits[i].APID {
			t.Fatalf("edit %d reuses the source ActivityPub id", i)
		}
	}
	if forkView.LatestVersion != view.LatestVersion && len(forkEdits) > 0 &&
		forkEdits[len(forkEdits)-1].Hash != sourceEdits[len(sourceEdits)-1].Hash {
		t.Fatal("fork head diverges from source head")
	}
}

func TestProtectAndApproveRequireAdmin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	view, err := env.service.CreateArticle(ctx, CreateArticleInput{Title: "Page", Text: "x", Summary: "init"}, alice)
	if err != nil {
		t.Fatalf("CreateArticle: %v", err)
	}

	_, err = env.service.ProtectArticle(ctx, view.ID, true, alice)
	requireDomainCode(t, err, CodeForbidden)

	err = env.service.ApproveArticle(ctx, view.ID, true, alice)
	requireDomainCode(t, err, CodeForbidden)

	admin := Requester{PersonID: "person_alice", Admin: true}
	if err := env.service.ApproveArticle(ctx, view.ID, false, admin); err != nil {
		t.Fatalf("reject article: %v", err)
	}
	if _, _, err := env.service.GetArticle(ctx, view.ID, "", ""); err == nil {
		t.Fatal("rejected article should be deleted")
	}
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.service.Register(ctx, "bob", "hunter2hunter2")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if resp.Token == "" || resp.Username != "bob" {
		t.Fatalf("token response = %+v", resp)
	}

	requester, err := env.service.RequesterFromToken(resp.Token)
	if err != nil {
		t.Fatalf("RequesterFromToken: %v", err)
	}
	if requester.Username != "bob" {
		t.Fatalf("requester = %+v", requester)
	}

	if _, err := env.service.Login(ctx, "bob", "hunter2hunter2"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	_, err = env.service.Login(ctx, "bob", "wrong-password")
	requireDomainCode(t, err, CodeForbidden)

	_, err = env.service.Register(ctx, "bob", "hunter2hunter2")
	requireDomainCode(t, err, CodeValidation)

	_, err = env.service.Register(ctx, "x", "hunter2hunter2")
	requireDomainCode(t, err, CodeValidation)
}

func TestFollowInstance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	remote := store.Instance{
		ID:       "inst_remote",
		Domain:   "other.example",
		APID:     "http://other.example/",
		InboxURL: "http://other.example/inbox",
	}
	env.store.instances[remote.ID] = remote
	env.resolver.resolveInstanceFn = func(context.Context, string) (store.Instance, error) {
		return remote, nil
	}

	view, err := env.service.FollowInstance(ctx, "http://other.example/", alice)
	if err != nil {
		t.Fatalf("FollowInstance: %v", err)
	}
	if !view.Followed || !view.Pending {
		t.Fatalf("view = %+v, want followed and pending", view)
	}

	follow, err := env.store.GetFollow(ctx, alice.PersonID, remote.ID)
	if err != nil || !follow.Pending {
		t.Fatalf("follow = %+v err = %v, want pending row", follow, err)
	}
	if len(env.deliverer.delivered) != 1 || env.deliverer.delivered[0].Type != federation.KindFollow {
		t.Fatalf("want one Follow delivery, got %+v", env.deliverer.delivered)
	}
}

func TestNotificationsListConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	view, err := env.service.CreateArticle(ctx, CreateArticleInput{Title: "Page", Text: "x", Summary: "init"}, alice)
	if err != nil {
		t.Fatalf("CreateArticle: %v", err)
	}
	env.store.conflicts["conflict_1"] = store.Conflict{
		ID:              "conflict_1",
		Hash:            "deadbeefdeadbeefdeadbeefdeadbeef",
		CreatorID:       alice.PersonID,
		ArticleID:       view.ID,
		PreviousVersion: history.Sentinel,
		Summary:         "stuck",
	}

	notifications, err := env.service.Notifications(ctx, alice)
	if err != nil {
		t.Fatalf("Notifications: %v", err)
	}
	if len(notifications) != 1 || notifications[0].Kind != "edit_conflict" {
		t.Fatalf("notifications = %+v", notifications)
	}
	if notifications[0].Conflict.ArticleTitle != "Page" {
		t.Fatalf("conflict title = %q", notifications[0].Conflict.ArticleTitle)
	}
}
