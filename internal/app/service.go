package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fedipedia/api/internal/actor"
	"fedipedia/api/internal/authpw"
	"fedipedia/api/internal/config"
	"fedipedia/api/internal/federation"
	"fedipedia/api/internal/gitexport"
	"fedipedia/api/internal/history"
	"fedipedia/api/internal/markdown"
	"fedipedia/api/internal/metrics"
	"fedipedia/api/internal/search"
	"fedipedia/api/internal/store"
	"fedipedia/api/internal/util"
)

// Requester is the authenticated identity behind a local API call. It is
// always passed explicitly.
type Requester struct {
	PersonID string
	Username string
	Admin    bool
}

// dataStore is the persistence surface the service needs.
type dataStore interface {
	Ping(ctx context.Context) error

	InsertArticle(ctx context.Context, a store.Article) error
	GetArticle(ctx context.Context, id string) (store.Article, error)
	GetArticleByAPID(ctx context.Context, apID string) (store.Article, error)
	GetLocalArticleByTitle(ctx context.Context, title string) (store.Article, error)
	GetArticleByTitleAndDomain(ctx context.Context, title, domain string) (store.Article, error)
	ListArticles(ctx context.Context, onlyLocal bool, instanceID string) ([]store.Article, error)
	ListUnapprovedArticles(ctx context.Context) ([]store.Article, error)
	SetArticleProtected(ctx context.Context, id string, protected bool) (store.Article, error)
	SetArticleApproved(ctx context.Context, id string, approved bool) (store.Article, error)
	DeleteArticle(ctx context.Context, id string) error

	AppendEdit(ctx context.Context, e store.Edit, newText string) error
	UpsertEdit(ctx context.Context, e store.Edit) error
	UpdateArticleText(ctx context.Context, articleID, text string) error
	ListEdits(ctx context.Context, articleID string) ([]store.Edit, error)
	LatestVersion(ctx context.Context, articleID string) (string, error)

	InsertConflict(ctx context.Context, c store.Conflict) error
	GetConflict(ctx context.Context, id string) (store.Conflict, error)
	DeleteConflict(ctx context.Context, id, creatorID string) (bool, error)
	ListConflictsByCreator(ctx context.Context, creatorID string) ([]store.Conflict, error)

	GetInstance(ctx context.Context, id string) (store.Instance, error)
	UpsertInstanceByAPID(ctx context.Context, i store.Instance) (store.Instance, error)
	GetInstanceByAPID(ctx context.Context, apID string) (store.Instance, error)
	GetLocalInstance(ctx context.Context) (store.Instance, error)
	ListRemoteInstances(ctx context.Context) ([]store.Instance, error)

	GetPerson(ctx context.Context, id string) (store.Person, error)
	GetPersonByAPID(ctx context.Context, apID string) (store.Person, error)
	GetLocalPersonByUsername(ctx context.Context, username string) (store.Person, error)
	GetLocalUserByPersonID(ctx context.Context, personID string) (store.LocalUser, error)

	UpsertFollow(ctx context.Context, f store.InstanceFollow) error
	GetFollow(ctx context.Context, followerID, instanceID string) (store.InstanceFollow, error)
	ListFollowing(ctx context.Context, personID string) ([]store.Instance, error)
}

// deliverer is the outbound half of the federation gateway.
type deliverer interface {
	Deliver(activity federation.Activity, signer federation.Signer, inboxes []string)
	SendToFollowers(ctx context.Context, activity federation.Activity, signer federation.Signer, extraInboxes []string) error
}

// remoteClient fetches and hydrates remote federation objects.
type remoteClient interface {
	FetchArticle(ctx context.Context, apID string) (federation.ApubArticle, error)
	HydrateArticle(ctx context.Context, doc federation.ApubArticle) (store.Article, error)
	StoreRemoteEdit(ctx context.Context, article store.Article, edit federation.ApubEdit) error
}

// actorResolver is the directory surface the service uses.
type actorResolver interface {
	ResolvePerson(ctx context.Context, apID string) (store.Person, error)
	ResolveInstance(ctx context.Context, apID string) (store.Instance, error)
	RefreshInstance(ctx context.Context, apID string) (store.Instance, error)
	Resolve(ctx context.Context, apID string) (actor.Actor, error)
}

type Service struct {
	store     dataStore
	cfg       config.Config
	gateway   deliverer
	client    remoteClient
	directory actorResolver
	search    *search.Service
	export    *gitexport.Service
	accounts  *authpw.Service
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

func NewService(
	st dataStore,
	cfg config.Config,
	gateway deliverer,
	client remoteClient,
	directory actorResolver,
	searchSvc *search.Service,
	export *gitexport.Service,
	accounts *authpw.Service,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Service {
	return &Service{
		store:     st,
		cfg:       cfg,
		gateway:   gateway,
		client:    client,
		directory: directory,
		search:    searchSvc,
		export:    export,
		accounts:  accounts,
		metrics:   m,
		log:       log.With().Str("component", "app").Logger(),
		now:       time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap creates the local instance actor on first start. The keypair
// minted here signs every instance-level delivery, so the row must exist
// before any federation traffic.
func (s *Service) Bootstrap(ctx context.Context) error {
	_, err := s.store.GetLocalInstance(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load local instance: %w", err)
	}

	publicPEM, privatePEM, err := federation.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generate instance keypair: %w", err)
	}
	base := fmt.Sprintf("%s://%s", s.cfg.Protocol, s.cfg.Domain)
	instance := store.Instance{
		ID:              util.NewID("instance"),
		Domain:          s.cfg.Domain,
		APID:            base + "/",
		InboxURL:        base + "/inbox",
		ArticlesURL:     base + "/all_articles",
		PublicKey:       publicPEM,
		PrivateKey:      privatePEM,
		LastRefreshedAt: s.now(),
		Local:           true,
	}
	if _, err := s.store.UpsertInstanceByAPID(ctx, instance); err != nil {
		return fmt.Errorf("create local instance: %w", err)
	}
	s.log.Info().Str("domain", s.cfg.Domain).Msg("local instance created")
	return nil
}

// --- articles ---

type CreateArticleInput struct {
	Title   string `json:"title"`
	Text    string `json:"text"`
	Summary string `json:"summary"`
}

func (s *Service) CreateArticle(ctx context.Context, in CreateArticleInput, requester Requester) (ArticleView, error) {
	title, err := normalizeTitle(in.Title)
	if err != nil {
		return ArticleView{}, err
	}
	text, err := s.canonicalize(in.Text)
	if err != nil {
		return ArticleView{}, err
	}
	if strings.TrimSpace(in.Summary) == "" {
		return ArticleView{}, domainError(http.StatusUnprocessableEntity, CodeValidation, "summary is required", nil)
	}

	local, err := s.store.GetLocalInstance(ctx)
	if err != nil {
		return ArticleView{}, fmt.Errorf("load local instance: %w", err)
	}

	article := store.Article{
		ID:         util.NewID("article"),
		Title:      title,
		Text:       "",
		APID:       fmt.Sprintf("%s://%s/article/%s", s.cfg.Protocol, s.cfg.Domain, title),
		InstanceID: local.ID,
		Local:      true,
		Protected:  false,
		Approved:   !s.cfg.ArticleApproval,
		Published:  s.now(),
	}
	if err := s.store.InsertArticle(ctx, article); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return ArticleView{}, domainError(http.StatusConflict, CodeDuplicateArticle, "an article with this title already exists", nil)
		}
		return ArticleView{}, err
	}

	edit, err := s.commitEdit(ctx, article, "", text, in.Summary, requester.PersonID, history.Sentinel)
	if err != nil {
		return ArticleView{}, err
	}
	article.Text = text

	s.indexArticle(article)
	s.broadcastCreate(ctx, local, article, edit.Hash)

	return s.articleView(article, edit.Hash), nil
}

type EditArticleInput struct {
	ArticleID         string `json:"articleId"`
	Text              string `json:"text"`
	Summary           string `json:"summary"`
	PreviousVersion   string `json:"previousVersion"`
	ResolveConflictID string `json:"resolveConflictId,omitempty"`
}

// EditArticle runs the submit-edit pipeline. A nil conflict view means the
// edit was committed (or proposed upstream for remote articles); a non-nil
// view is unresolved divergence handed back to the caller.
func (s *Service) EditArticle(ctx context.Context, in EditArticleInput, requester Requester) (*ConflictView, error) {
	article, err := s.getArticleByID(ctx, in.ArticleID)
	if err != nil {
		return nil, err
	}
	if article.Protected && !requester.Admin {
		return nil, domainError(http.StatusForbidden, CodeEditProtected, "article is protected", nil)
	}

	if in.ResolveConflictID != "" {
		deleted, err := s.store.DeleteConflict(ctx, in.ResolveConflictID, requester.PersonID)
		if err != nil {
			return nil, fmt.Errorf("delete resolved conflict: %w", err)
		}
		if deleted {
			s.metrics.ConflictsOpen.Dec()
		}
	}

	if strings.TrimSpace(in.Summary) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, CodeValidation, "summary is required", nil)
	}
	if !history.ValidVersion(in.PreviousVersion) {
		return nil, domainError(http.StatusUnprocessableEntity, CodeValidation, "previousVersion must be a 32-character hex version", nil)
	}
	text, err := s.canonicalize(in.Text)
	if err != nil {
		return nil, err
	}
	if text == article.Text {
		return nil, domainError(http.StatusUnprocessableEntity, CodeValidation, "edit does not change the article", nil)
	}

	baseText, err := s.textAtVersion(ctx, article.ID, in.PreviousVersion)
	if err != nil {
		return nil, err
	}
	diff := history.CreateDiff(baseText, text)
	if diff == "" {
		return nil, domainError(http.StatusUnprocessableEntity, CodeValidation, "edit does not change the article", nil)
	}

	if !article.Local {
		return nil, s.proposeRemoteEdit(ctx, article, diff, in.Summary, in.PreviousVersion, requester)
	}

	latest, err := s.store.LatestVersion(ctx, article.ID)
	if err != nil {
		return nil, err
	}
	if in.PreviousVersion == latest {
		edit, err := s.commitEdit(ctx, article, article.Text, text, in.Summary, requester.PersonID, latest)
		if err == nil {
			article.Text = text
			s.indexArticle(article)
			s.broadcastEdit(ctx, article, edit)
			return nil, nil
		}
		if !errors.Is(err, store.ErrStaleVersion) {
			return nil, err
		}
		// Lost the optimistic race; the edit is now divergent.
	}

	conflict := store.Conflict{
		ID:              util.NewID("conflict"),
		Hash:            history.VersionOf(diff),
		Diff:            diff,
		Summary:         in.Summary,
		CreatorID:       requester.PersonID,
		ArticleID:       article.ID,
		PreviousVersion: in.PreviousVersion,
		Published:       s.now(),
	}
	if err := s.store.InsertConflict(ctx, conflict); err != nil {
		return nil, fmt.Errorf("record conflict: %w", err)
	}
	s.metrics.ConflictsOpen.Inc()

	return s.resolveConflict(ctx, conflict)
}

type ForkArticleInput struct {
	ArticleID string `json:"articleId"`
	NewTitle  string `json:"newTitle"`
}

// ForkArticle copies a remote (or local) article into a new local one,
// carrying the full edit chain verbatim so its history replays identically.
func (s *Service) ForkArticle(ctx context.Context, in ForkArticleInput, requester Requester) (ArticleView, error) {
	source, err := s.getArticleByID(ctx, in.ArticleID)
	if err != nil {
		return ArticleView{}, err
	}
	title, err := normalizeTitle(in.NewTitle)
	if err != nil {
		return ArticleView{}, err
	}

	local, err := s.store.GetLocalInstance(ctx)
	if err != nil {
		return ArticleView{}, fmt.Errorf("load local instance: %w", err)
	}

	fork := store.Article{
		ID:         util.NewID("article"),
		Title:      title,
		Text:       source.Text,
		APID:       fmt.Sprintf("%s://%s/article/%s", s.cfg.Protocol, s.cfg.Domain, title),
		InstanceID: local.ID,
		Local:      true,
		Protected:  false,
		Approved:   !s.cfg.ArticleApproval,
		Published:  s.now(),
	}
	if err := s.store.InsertArticle(ctx, fork); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return ArticleView{}, domainError(http.StatusConflict, CodeDuplicateArticle, "an article with this title already exists", nil)
		}
		return ArticleView{}, err
	}

	edits, err := s.store.ListEdits(ctx, source.ID)
	if err != nil {
		return ArticleView{}, err
	}
	latest := history.Sentinel
	for _, edit := range edits {
		copied := store.Edit{
			ID:              util.NewID("edit"),
			CreatorID:       edit.CreatorID,
			Hash:            edit.Hash,
			APID:            fork.APID + "/edit/" + edit.Hash,
			Diff:            edit.Diff,
			Summary:         edit.Summary,
			ArticleID:       fork.ID,
			PreviousVersion: edit.PreviousVersion,
			Published:       edit.Published,
		}
		if err := s.store.UpsertEdit(ctx, copied); err != nil {
			return ArticleView{}, fmt.Errorf("copy edit %s: %w", edit.Hash, err)
		}
		latest = edit.Hash
	}

	s.indexArticle(fork)
	s.broadcastCreate(ctx, local, fork, latest)

	return s.articleView(fork, latest), nil
}

// GetArticle looks an article up by id, by local title, or by title plus
// remote domain.
func (s *Service) GetArticle(ctx context.Context, id, title, domain string) (ArticleView, []EditView, error) {
	var (
		article store.Article
		err     error
	)
	switch {
	case id != "":
		article, err = s.store.GetArticle(ctx, id)
	case title != "" && domain != "" && domain != s.cfg.Domain:
		article, err = s.store.GetArticleByTitleAndDomain(ctx, title, domain)
	case title != "":
		article, err = s.store.GetLocalArticleByTitle(ctx, title)
	default:
		return ArticleView{}, nil, domainError(http.StatusUnprocessableEntity, CodeValidation, "id or title is required", nil)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ArticleView{}, nil, domainError(http.StatusNotFound, CodeNotFound, "article not found", nil)
	}
	if err != nil {
		return ArticleView{}, nil, err
	}

	edits, err := s.store.ListEdits(ctx, article.ID)
	if err != nil {
		return ArticleView{}, nil, err
	}
	latest := history.Sentinel
	views := make([]EditView, 0, len(edits))
	for _, edit := range edits {
		views = append(views, s.editView(edit))
		latest = edit.Hash
	}
	return s.articleView(article, latest), views, nil
}

func (s *Service) ListArticles(ctx context.Context, onlyLocal bool, instanceID string) ([]ArticleView, error) {
	articles, err := s.store.ListArticles(ctx, onlyLocal, instanceID)
	if err != nil {
		return nil, err
	}
	views := make([]ArticleView, 0, len(articles))
	for _, article := range articles {
		latest, err := s.store.LatestVersion(ctx, article.ID)
		if err != nil {
			return nil, err
		}
		views = append(views, s.articleView(article, latest))
	}
	return views, nil
}

func (s *Service) SearchArticles(ctx context.Context, query string, limit, offset int) ([]search.Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, CodeValidation, "query is required", nil)
	}
	return s.search.Search(ctx, search.Query{Text: query, Limit: limit, Offset: offset})
}

// ProtectArticle toggles the admin-only edit lock.
func (s *Service) ProtectArticle(ctx context.Context, articleID string, protected bool, requester Requester) (ArticleView, error) {
	if !requester.Admin {
		return ArticleView{}, domainError(http.StatusForbidden, CodeForbidden, "admin required", nil)
	}
	article, err := s.store.SetArticleProtected(ctx, articleID, protected)
	if errors.Is(err, sql.ErrNoRows) {
		return ArticleView{}, domainError(http.StatusNotFound, CodeNotFound, "article not found", nil)
	}
	if err != nil {
		return ArticleView{}, err
	}
	latest, err := s.store.LatestVersion(ctx, article.ID)
	if err != nil {
		return ArticleView{}, err
	}
	return s.articleView(article, latest), nil
}

// ApproveArticle accepts a pending local article; approve=false deletes it.
func (s *Service) ApproveArticle(ctx context.Context, articleID string, approve bool, requester Requester) error {
	if !requester.Admin {
		return domainError(http.StatusForbidden, CodeForbidden, "admin required", nil)
	}
	if !approve {
		if err := s.store.DeleteArticle(ctx, articleID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domainError(http.StatusNotFound, CodeNotFound, "article not found", nil)
			}
			return err
		}
		s.search.Delete(articleID)
		return nil
	}
	if _, err := s.store.SetArticleApproved(ctx, articleID, true); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, CodeNotFound, "article not found", nil)
		}
		return err
	}
	return nil
}

// ExportArticle replays the edit chain into a git repository and returns its
// path on disk.
func (s *Service) ExportArticle(ctx context.Context, articleID string, requester Requester) (string, error) {
	if !requester.Admin {
		return "", domainError(http.StatusForbidden, CodeForbidden, "admin required", nil)
	}
	article, err := s.getArticleByID(ctx, articleID)
	if err != nil {
		return "", err
	}
	edits, err := s.store.ListEdits(ctx, article.ID)
	if err != nil {
		return "", err
	}

	snapshots, err := history.Replay(editRevs(edits))
	if err != nil {
		return "", s.versionError(err)
	}

	authors := make(map[string]string)
	revisions := make([]gitexport.Revision, 0, len(edits))
	byHash := make(map[string]store.Edit, len(edits))
	for _, edit := range edits {
		byHash[edit.Hash] = edit
	}
	for _, snapshot := range snapshots {
		edit := byHash[snapshot.Hash]
		author, ok := authors[edit.CreatorID]
		if !ok {
			person, err := s.store.GetPerson(ctx, edit.CreatorID)
			if err != nil {
				author = "unknown"
			} else {
				author = person.Username
			}
			authors[edit.CreatorID] = author
		}
		revisions = append(revisions, gitexport.Revision{
			Text:    snapshot.Text,
			Author:  author,
			Summary: edit.Summary,
			Hash:    edit.Hash,
			When:    edit.Published,
		})
	}
	return s.export.Export(article.ID, article.Title, revisions)
}

// --- edit pipeline internals ---

// commitEdit appends one edit to a local article's chain. previous must be
// the chain's current latest or AppendEdit returns ErrStaleVersion; baseText
// is the text at that version.
func (s *Service) commitEdit(ctx context.Context, article store.Article, baseText, newText, summary, creatorID, previous string) (store.Edit, error) {
	diff := history.CreateDiff(baseText, newText)
	return s.commitDiff(ctx, article, diff, newText, summary, creatorID, previous)
}

func (s *Service) commitDiff(ctx context.Context, article store.Article, diff, newText, summary, creatorID, previous string) (store.Edit, error) {
	edit := store.Edit{
		ID:              util.NewID("edit"),
		CreatorID:       creatorID,
		Hash:            history.VersionOf(diff),
		APID:            article.APID + "/edit/" + history.VersionOf(diff),
		Diff:            diff,
		Summary:         summary,
		ArticleID:       article.ID,
		PreviousVersion: previous,
		Published:       s.now(),
	}
	if err := s.store.AppendEdit(ctx, edit, newText); err != nil {
		return store.Edit{}, err
	}
	s.metrics.EditsCommitted.Inc()
	return edit, nil
}

// textAtVersion reconstructs article text at a specific version from the
// stored chain.
func (s *Service) textAtVersion(ctx context.Context, articleID, version string) (string, error) {
	edits, err := s.store.ListEdits(ctx, articleID)
	if err != nil {
		return "", err
	}
	text, err := history.Reconstruct(editRevs(edits), version)
	if err != nil {
		return "", s.versionError(err)
	}
	return text, nil
}

func (s *Service) versionError(err error) error {
	if errors.Is(err, history.ErrVersionNotFound) {
		return domainError(http.StatusNotFound, CodeVersionNotFound, "version not found in edit history", nil)
	}
	return err
}

func (s *Service) canonicalize(text string) (string, error) {
	canonical, err := markdown.Canonicalize(text)
	if err != nil {
		return "", domainError(http.StatusUnprocessableEntity, CodeValidation, err.Error(), nil)
	}
	for _, scheme := range []string{"http", "https"} {
		if strings.Contains(canonical, fmt.Sprintf("](%s://%s", scheme, s.cfg.Domain)) {
			return "", domainError(http.StatusUnprocessableEntity, CodeValidation, "use relative links for local articles", nil)
		}
	}
	return canonical, nil
}

func (s *Service) getArticleByID(ctx context.Context, id string) (store.Article, error) {
	article, err := s.store.GetArticle(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Article{}, domainError(http.StatusNotFound, CodeNotFound, "article not found", nil)
	}
	if err != nil {
		return store.Article{}, err
	}
	return article, nil
}

func editRevs(edits []store.Edit) []history.Rev {
	revs := make([]history.Rev, 0, len(edits))
	for _, edit := range edits {
		revs = append(revs, history.Rev{Hash: edit.Hash, Previous: edit.PreviousVersion, Diff: edit.Diff})
	}
	return revs
}

func normalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", domainError(http.StatusUnprocessableEntity, CodeValidation, "title is required", nil)
	}
	if strings.Contains(title, "/") {
		return "", domainError(http.StatusUnprocessableEntity, CodeValidation, "title must not contain '/'", nil)
	}
	return strings.ReplaceAll(title, " ", "_"), nil
}

func (s *Service) indexArticle(article store.Article) {
	s.search.Index(search.ArticleRecord{
		ID:     article.ID,
		Title:  article.Title,
		Text:   article.Text,
		Local:  article.Local,
		Domain: s.cfg.Domain,
	})
}
