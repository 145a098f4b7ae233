package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"fedipedia/api/internal/actor"
	"fedipedia/api/internal/federation"
	"fedipedia/api/internal/history"
	"fedipedia/api/internal/merge"
	"fedipedia/api/internal/store"
	"fedipedia/api/internal/util"
)

// The service is the backend the federation inbox drives.
var _ federation.Backend = (*Service)(nil)

func (s *Service) LocalInstance(ctx context.Context) (store.Instance, error) {
	return s.store.GetLocalInstance(ctx)
}

// RecordFollower stores an inbound follow. Follows are auto-accepted, so the
// edge is written non-pending.
func (s *Service) RecordFollower(ctx context.Context, follower store.Person) error {
	local, err := s.store.GetLocalInstance(ctx)
	if err != nil {
		return fmt.Errorf("load local instance: %w", err)
	}
	return s.store.UpsertFollow(ctx, store.InstanceFollow{
		FollowerID: follower.ID,
		InstanceID: local.ID,
		Pending:    false,
	})
}

// MarkFollowAccepted clears the pending flag on a follow this instance's user
// initiated.
func (s *Service) MarkFollowAccepted(ctx context.Context, personAPID, instanceAPID string) error {
	person, err := s.store.GetPersonByAPID(ctx, personAPID)
	if err != nil {
		return fmt.Errorf("accept for unknown person %s: %w", personAPID, err)
	}
	if !person.Local {
		return fmt.Errorf("accept names non-local person %s", personAPID)
	}
	instance, err := s.store.GetInstanceByAPID(ctx, instanceAPID)
	if err != nil {
		return fmt.Errorf("accept from unknown instance %s: %w", instanceAPID, err)
	}
	return s.store.UpsertFollow(ctx, store.InstanceFollow{
		FollowerID: person.ID,
		InstanceID: instance.ID,
		Pending:    false,
	})
}

// SaveRemoteArticle hydrates a federated article, resolving its origin
// instance first so attribution is verifiable.
func (s *Service) SaveRemoteArticle(ctx context.Context, doc federation.ApubArticle) (store.Article, error) {
	if _, err := s.directory.ResolveInstance(ctx, doc.AttributedTo); err != nil {
		return store.Article{}, err
	}
	article, err := s.client.HydrateArticle(ctx, doc)
	if err != nil {
		return store.Article{}, err
	}
	s.indexArticle(article)
	return article, nil
}

// ApplyRemoteEdit records an origin-committed edit on the local copy of a
// remote article. An unknown article or a chain gap triggers a full refetch
// from the origin instead of a partial write.
func (s *Service) ApplyRemoteEdit(ctx context.Context, edit federation.ApubEdit) error {
	article, err := s.store.GetArticleByAPID(ctx, edit.Object)
	if errors.Is(err, sql.ErrNoRows) {
		return s.refetchArticle(ctx, edit.Object)
	}
	if err != nil {
		return err
	}
	if article.Local {
		return fmt.Errorf("remote update names local article %s", edit.Object)
	}

	latest, err := s.store.LatestVersion(ctx, article.ID)
	if err != nil {
		return err
	}
	if edit.PreviousVersion != latest {
		return s.refetchArticle(ctx, article.APID)
	}

	newText, err := history.ApplyDiff(article.Text, edit.Content)
	if err != nil {
		return s.refetchArticle(ctx, article.APID)
	}
	if err := s.client.StoreRemoteEdit(ctx, article, edit); err != nil {
		return err
	}
	if err := s.store.UpdateArticleText(ctx, article.ID, newText); err != nil {
		return err
	}
	article.Text = newText
	s.indexArticle(article)
	return nil
}

func (s *Service) refetchArticle(ctx context.Context, apID string) error {
	doc, err := s.client.FetchArticle(ctx, apID)
	if err != nil {
		return fmt.Errorf("refetch article %s: %w", apID, err)
	}
	if _, err := s.SaveRemoteArticle(ctx, doc); err != nil {
		return err
	}
	return nil
}

// SubmitProposedEdit runs a remote instance's proposal against a local
// article: committed exactly when it applies to the latest version, otherwise
// auto-merged, otherwise rejected with an error the inbox turns into a
// RejectEdit.
func (s *Service) SubmitProposedEdit(ctx context.Context, proposal federation.ApubEdit) error {
	article, err := s.store.GetArticleByAPID(ctx, proposal.Object)
	if err != nil {
		return fmt.Errorf("proposal for unknown article %s: %w", proposal.Object, err)
	}
	if !article.Local {
		return fmt.Errorf("proposal for non-local article %s", proposal.Object)
	}
	if article.Protected {
		return errors.New("article is protected")
	}
	if proposal.Content == "" {
		return errors.New("proposal changes nothing")
	}

	creator, err := s.directory.ResolvePerson(ctx, proposal.Creator)
	if err != nil {
		return fmt.Errorf("resolve proposal creator: %w", err)
	}

	ancestor, err := s.textAtVersion(ctx, article.ID, proposal.PreviousVersion)
	if err != nil {
		return err
	}
	proposed, err := history.ApplyDiff(ancestor, proposal.Content)
	if err != nil {
		return fmt.Errorf("apply proposal diff: %w", err)
	}
	if proposed == article.Text {
		return errors.New("proposal changes nothing")
	}

	latest, err := s.store.LatestVersion(ctx, article.ID)
	if err != nil {
		return err
	}

	if proposal.PreviousVersion == latest {
		edit := store.Edit{
			ID:              util.NewID("edit"),
			CreatorID:       creator.ID,
			Hash:            proposal.Hash,
			APID:            proposal.ID,
			Diff:            proposal.Content,
			Summary:         proposal.Summary,
			ArticleID:       article.ID,
			PreviousVersion: proposal.PreviousVersion,
			Published:       proposal.Published,
		}
		if err := s.store.AppendEdit(ctx, edit, proposed); err != nil {
			return err
		}
		s.metrics.EditsCommitted.Inc()
		article.Text = proposed
		s.indexArticle(article)
		s.broadcastEdit(ctx, article, edit)
		return nil
	}

	merged, conflicted := merge.ThreeWay(ancestor, proposed, article.Text)
	if conflicted {
		return errors.New("proposal conflicts with newer edits")
	}
	edit, err := s.commitEdit(ctx, article, article.Text, merged, proposal.Summary, creator.ID, latest)
	if err != nil {
		return err
	}
	article.Text = merged
	s.indexArticle(article)
	s.broadcastEdit(ctx, article, edit)
	return nil
}

// RecordRejectedEdit turns an origin's rejection into a conflict for the
// local user who proposed the edit.
func (s *Service) RecordRejectedEdit(ctx context.Context, edit federation.ApubEdit) error {
	creator, err := s.store.GetPersonByAPID(ctx, edit.Creator)
	if err != nil {
		return fmt.Errorf("rejection for unknown creator %s: %w", edit.Creator, err)
	}
	if !creator.Local {
		return fmt.Errorf("rejection names non-local creator %s", edit.Creator)
	}
	article, err := s.store.GetArticleByAPID(ctx, edit.Object)
	if err != nil {
		return fmt.Errorf("rejection for unknown article %s: %w", edit.Object, err)
	}

	if err := s.store.InsertConflict(ctx, store.Conflict{
		ID:              util.NewID("conflict"),
		Hash:            edit.Hash,
		Diff:            edit.Content,
		Summary:         edit.Summary,
		CreatorID:       creator.ID,
		ArticleID:       article.ID,
		PreviousVersion: edit.PreviousVersion,
		Published:       s.now(),
	}); err != nil {
		return fmt.Errorf("record rejection conflict: %w", err)
	}
	s.metrics.ConflictsOpen.Inc()
	return nil
}

// --- outbound ---

func (s *Service) broadcastCreate(ctx context.Context, local store.Instance, article store.Article, latest string) {
	doc := federation.BuildArticle(article, local.APID, latest)
	activity, err := federation.NewActivity(federation.KindCreateArticle, s.cfg.Protocol, s.cfg.Domain, local.APID, nil, doc)
	if err != nil {
		s.log.Error().Err(err).Str("article", article.ID).Msg("build create activity")
		return
	}
	if err := s.gateway.SendToFollowers(ctx, activity, federation.InstanceSigner(local), nil); err != nil {
		s.log.Warn().Err(err).Str("article", article.ID).Msg("broadcast create")
	}
}

func (s *Service) broadcastEdit(ctx context.Context, article store.Article, edit store.Edit) {
	local, err := s.store.GetLocalInstance(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("load local instance for broadcast")
		return
	}
	creatorAPID := ""
	if creator, err := s.store.GetPerson(ctx, edit.CreatorID); err == nil {
		creatorAPID = creator.APID
	}
	obj := federation.BuildEdit(edit, article.APID, creatorAPID)
	activity, err := federation.NewActivity(federation.KindUpdateLocalArticle, s.cfg.Protocol, s.cfg.Domain, local.APID, nil, obj)
	if err != nil {
		s.log.Error().Err(err).Str("edit", edit.ID).Msg("build update activity")
		return
	}
	if err := s.gateway.SendToFollowers(ctx, activity, federation.InstanceSigner(local), nil); err != nil {
		s.log.Warn().Err(err).Str("edit", edit.ID).Msg("broadcast edit")
	}
}

// proposeRemoteEdit sends an edit on a remote article to its origin instance.
// The outcome arrives asynchronously: an UpdateLocalArticle on success, a
// RejectEdit otherwise.
func (s *Service) proposeRemoteEdit(ctx context.Context, article store.Article, diff, summary, previous string, requester Requester) error {
	origin, err := s.store.GetInstance(ctx, article.InstanceID)
	if err != nil {
		return fmt.Errorf("load origin instance: %w", err)
	}
	person, err := s.store.GetPerson(ctx, requester.PersonID)
	if err != nil {
		return fmt.Errorf("load requester: %w", err)
	}

	proposal := federation.ApubEdit{
		Type:            "Edit",
		ID:              fmt.Sprintf("%s://%s/edit/%s", s.cfg.Protocol, s.cfg.Domain, util.NewID("")),
		Creator:         person.APID,
		Object:          article.APID,
		Content:         diff,
		Summary:         summary,
		Hash:            history.VersionOf(diff),
		PreviousVersion: previous,
		Published:       s.now(),
	}
	activity, err := federation.NewActivity(federation.KindUpdateRemoteArticle, s.cfg.Protocol, s.cfg.Domain, person.APID, []string{origin.APID}, proposal)
	if err != nil {
		return err
	}
	s.gateway.Deliver(activity, federation.PersonSigner(person), []string{origin.InboxURL})
	return nil
}

// --- instance operations ---

// FollowInstance subscribes the requester to a remote instance. The edge is
// pending until the instance's Accept arrives.
func (s *Service) FollowInstance(ctx context.Context, remoteURI string, requester Requester) (InstanceView, error) {
	instance, err := s.directory.ResolveInstance(ctx, remoteURI)
	if err != nil {
		return InstanceView{}, domainError(http.StatusBadGateway, CodeFetchFailed, "could not resolve instance", err.Error())
	}
	if instance.Local {
		return InstanceView{}, domainError(http.StatusUnprocessableEntity, CodeValidation, "cannot follow own instance", nil)
	}

	person, err := s.store.GetPerson(ctx, requester.PersonID)
	if err != nil {
		return InstanceView{}, fmt.Errorf("load requester: %w", err)
	}

	follow := store.InstanceFollow{FollowerID: person.ID, InstanceID: instance.ID, Pending: true}
	if err := s.store.UpsertFollow(ctx, follow); err != nil {
		return InstanceView{}, err
	}

	activity, err := federation.NewActivity(federation.KindFollow, s.cfg.Protocol, s.cfg.Domain, person.APID, []string{instance.APID}, instance.APID)
	if err != nil {
		return InstanceView{}, err
	}
	s.gateway.Deliver(activity, federation.PersonSigner(person), []string{instance.InboxURL})

	return s.instanceView(instance, &follow), nil
}

// ListInstances returns all known remote instances with the requester's
// follow state.
func (s *Service) ListInstances(ctx context.Context, requester Requester) ([]InstanceView, error) {
	instances, err := s.store.ListRemoteInstances(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]InstanceView, 0, len(instances))
	for _, instance := range instances {
		follow, err := s.store.GetFollow(ctx, requester.PersonID, instance.ID)
		if errors.Is(err, sql.ErrNoRows) {
			views = append(views, s.instanceView(instance, nil))
			continue
		}
		if err != nil {
			return nil, err
		}
		views = append(views, s.instanceView(instance, &follow))
	}
	return views, nil
}

// ResolveRemote dereferences a URI into an article, instance, or person,
// hydrating it locally.
func (s *Service) ResolveRemote(ctx context.Context, uri string) (map[string]any, error) {
	if uri == "" {
		return nil, domainError(http.StatusUnprocessableEntity, CodeValidation, "id is required", nil)
	}

	doc, err := s.client.FetchArticle(ctx, uri)
	if err == nil && doc.Type == "Article" {
		article, err := s.SaveRemoteArticle(ctx, doc)
		if err != nil {
			return nil, domainError(http.StatusBadGateway, CodeFetchFailed, "could not hydrate article", err.Error())
		}
		latest, err := s.store.LatestVersion(ctx, article.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"article": s.articleView(article, latest)}, nil
	}

	resolved, err := s.directory.Resolve(ctx, uri)
	if err != nil {
		return nil, domainError(http.StatusBadGateway, CodeFetchFailed, "could not resolve object", err.Error())
	}
	switch a := resolved.(type) {
	case actor.Instance:
		return map[string]any{"instance": s.instanceView(a.Instance, nil)}, nil
	case actor.Person:
		return map[string]any{"person": PersonView{
			ID:       a.Person.ID,
			Username: a.Person.Username,
			APID:     a.Person.APID,
			Local:    a.Person.Local,
		}}, nil
	default:
		return nil, domainError(http.StatusBadGateway, CodeFetchFailed, "unsupported object", nil)
	}
}

// --- federation document builders (GET surface) ---

func (s *Service) FederationInstance(ctx context.Context) (federation.ApubInstance, error) {
	local, err := s.store.GetLocalInstance(ctx)
	if err != nil {
		return federation.ApubInstance{}, err
	}
	return federation.BuildInstance(local), nil
}

func (s *Service) FederationPerson(ctx context.Context, username string) (federation.ApubPerson, error) {
	person, err := s.store.GetLocalPersonByUsername(ctx, username)
	if errors.Is(err, sql.ErrNoRows) {
		return federation.ApubPerson{}, domainError(http.StatusNotFound, CodeNotFound, "user not found", nil)
	}
	if err != nil {
		return federation.ApubPerson{}, err
	}
	return federation.BuildPerson(person), nil
}

func (s *Service) FederationArticles(ctx context.Context) (federation.ArticleCollection, error) {
	local, err := s.store.GetLocalInstance(ctx)
	if err != nil {
		return federation.ArticleCollection{}, err
	}
	articles, err := s.store.ListArticles(ctx, true, "")
	if err != nil {
		return federation.ArticleCollection{}, err
	}

	items := make([]federation.ApubArticle, 0, len(articles))
	for _, article := range articles {
		latest, err := s.store.LatestVersion(ctx, article.ID)
		if err != nil {
			return federation.ArticleCollection{}, err
		}
		items = append(items, federation.BuildArticle(article, local.APID, latest))
	}
	return federation.ArticleCollection{
		Type:       "Collection",
		ID:         local.ArticlesURL,
		TotalItems: len(items),
		Items:      items,
	}, nil
}

func (s *Service) FederationArticle(ctx context.Context, title string) (federation.ApubArticle, error) {
	local, err := s.store.GetLocalInstance(ctx)
	if err != nil {
		return federation.ApubArticle{}, err
	}
	article, err := s.store.GetLocalArticleByTitle(ctx, title)
	if errors.Is(err, sql.ErrNoRows) {
		return federation.ApubArticle{}, domainError(http.StatusNotFound, CodeNotFound, "article not found", nil)
	}
	if err != nil {
		return federation.ApubArticle{}, err
	}
	latest, err := s.store.LatestVersion(ctx, article.ID)
	if err != nil {
		return federation.ApubArticle{}, err
	}
	return federation.BuildArticle(article, local.APID, latest), nil
}

func (s *Service) FederationEdits(ctx context.Context, title string) (federation.EditCollection, error) {
	article, err := s.store.GetLocalArticleByTitle(ctx, title)
	if errors.Is(err, sql.ErrNoRows) {
		return federation.EditCollection{}, domainError(http.StatusNotFound, CodeNotFound, "article not found", nil)
	}
	if err != nil {
		return federation.EditCollection{}, err
	}
	edits, err := s.store.ListEdits(ctx, article.ID)
	if err != nil {
		return federation.EditCollection{}, err
	}

	items := make([]federation.ApubEdit, 0, len(edits))
	for _, edit := range edits {
		creatorAPID := ""
		if creator, err := s.store.GetPerson(ctx, edit.CreatorID); err == nil {
			creatorAPID = creator.APID
		}
		items = append(items, federation.BuildEdit(edit, article.APID, creatorAPID))
	}
	return federation.EditCollection{
		Type:       "Collection",
		ID:         article.APID + "/edits",
		TotalItems: len(items),
		Items:      items,
	}, nil
}
