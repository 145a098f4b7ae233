package federation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fedipedia/api/internal/actor"
	"fedipedia/api/internal/metrics"
	"fedipedia/api/internal/store"
	"fedipedia/api/internal/util"
)

const contentTypeActivity = "application/activity+json"

// maxResponseBytes caps remote response bodies.
const maxResponseBytes = 4 << 20

// ClientStore is the persistence surface remote hydration needs.
type ClientStore interface {
	UpsertArticleByAPID(ctx context.Context, a store.Article) (store.Article, error)
	UpsertEdit(ctx context.Context, e store.Edit) error
	GetPersonByAPID(ctx context.Context, apID string) (store.Person, error)
	UpsertPersonByAPID(ctx context.Context, p store.Person) (store.Person, error)
	GetInstanceByAPID(ctx context.Context, apID string) (store.Instance, error)
}

// Client fetches remote federation objects and hydrates them into the local
// database. Every fetch is bounded by the configured timeout.
type Client struct {
	http    *http.Client
	store   ClientStore
	timeout time.Duration
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewClient(st ClientStore, timeout time.Duration, m *metrics.Metrics, log zerolog.Logger) *Client {
	return &Client{
		http:    &http.Client{Timeout: timeout},
		store:   st,
		timeout: timeout,
		metrics: m,
		log:     log.With().Str("component", "federation_client").Logger(),
	}
}

// FetchActor retrieves and decodes a remote actor document.
func (c *Client) FetchActor(ctx context.Context, apID string) (actor.RemoteActor, error) {
	var doc struct {
		Type              string    `json:"type"`
		ID                string    `json:"id"`
		PreferredUsername string    `json:"preferredUsername"`
		Name              string    `json:"name"`
		Inbox             string    `json:"inbox"`
		Articles          string    `json:"articles"`
		PublicKey         PublicKey `json:"publicKey"`
	}
	if err := c.getJSON(ctx, apID, "actor", &doc); err != nil {
		return actor.RemoteActor{}, err
	}
	return actor.RemoteActor{
		ID:           doc.ID,
		Kind:         doc.Type,
		Username:     doc.PreferredUsername,
		Topic:        doc.Name,
		Inbox:        doc.Inbox,
		ArticlesURL:  doc.Articles,
		PublicKeyPEM: doc.PublicKey.PublicKeyPem,
	}, nil
}

// FetchArticle retrieves a remote article document by its ActivityPub ID.
func (c *Client) FetchArticle(ctx context.Context, apID string) (ApubArticle, error) {
	var doc ApubArticle
	if err := c.getJSON(ctx, apID, "article", &doc); err != nil {
		return ApubArticle{}, err
	}
	return doc, nil
}

// SyncArticles fetches an instance's article collection and hydrates every
// entry. Individual failures are logged and skipped so one bad article does
// not block the rest.
func (c *Client) SyncArticles(ctx context.Context, instance store.Instance) error {
	if instance.ArticlesURL == "" {
		return nil
	}
	var collection ArticleCollection
	if err := c.getJSON(ctx, instance.ArticlesURL, "article_collection", &collection); err != nil {
		return err
	}
	for _, item := range collection.Items {
		if _, err := c.HydrateArticle(ctx, item); err != nil {
			c.log.Warn().Err(err).Str("article", item.ID).Msg("article hydration failed")
		}
	}
	return nil
}

// HydrateArticle stores a remote article and its full edit chain. The owning
// instance must already be known locally.
func (c *Client) HydrateArticle(ctx context.Context, doc ApubArticle) (store.Article, error) {
	instance, err := c.store.GetInstanceByAPID(ctx, doc.AttributedTo)
	if err != nil {
		return store.Article{}, fmt.Errorf("article %s attributed to unknown instance %s: %w", doc.ID, doc.AttributedTo, err)
	}
	if instance.Local {
		return store.Article{}, fmt.Errorf("refusing to hydrate local article %s", doc.ID)
	}

	article, err := c.store.UpsertArticleByAPID(ctx, store.Article{
		ID:         util.NewID("article"),
		Title:      doc.Name,
		Text:       doc.Content,
		APID:       doc.ID,
		InstanceID: instance.ID,
		Local:      false,
		Protected:  doc.Protected,
		Approved:   true,
		Published:  doc.Published,
	})
	if err != nil {
		return store.Article{}, err
	}

	if doc.Edits != "" {
		var edits EditCollection
		if err := c.getJSON(ctx, doc.Edits, "edit_collection", &edits); err != nil {
			return store.Article{}, err
		}
		for _, edit := range edits.Items {
			if err := c.storeRemoteEdit(ctx, article, edit); err != nil {
				return store.Article{}, err
			}
		}
	}
	return article, nil
}

// StoreRemoteEdit persists a federated edit on an already-known article,
// creating a stub row for an unknown creator. The stub's zero refresh time
// makes the directory fetch the full document on first use.
func (c *Client) StoreRemoteEdit(ctx context.Context, article store.Article, edit ApubEdit) error {
	return c.storeRemoteEdit(ctx, article, edit)
}

func (c *Client) storeRemoteEdit(ctx context.Context, article store.Article, edit ApubEdit) error {
	creator, err := c.store.GetPersonByAPID(ctx, edit.Creator)
	if errors.Is(err, sql.ErrNoRows) {
		creator, err = c.store.UpsertPersonByAPID(ctx, store.Person{
			ID:       util.NewID("person"),
			Username: usernameFromAPID(edit.Creator),
			APID:     edit.Creator,
			Local:    false,
		})
	}
	if err != nil {
		return fmt.Errorf("resolve edit creator %s: %w", edit.Creator, err)
	}

	return c.store.UpsertEdit(ctx, store.Edit{
		ID:              util.NewID("edit"),
		CreatorID:       creator.ID,
		Hash:            edit.Hash,
		APID:            edit.ID,
		Diff:            edit.Content,
		Summary:         edit.Summary,
		ArticleID:       article.ID,
		PreviousVersion: edit.PreviousVersion,
		Published:       edit.Published,
	})
}

func (c *Client) getJSON(ctx context.Context, rawURL, kind string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", rawURL, err)
	}
	req.Header.Set("Accept", contentTypeActivity)

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RemoteFetches.WithLabelValues(kind, "error").Inc()
		return fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.metrics.RemoteFetches.WithLabelValues(kind, "error").Inc()
		return fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.metrics.RemoteFetches.WithLabelValues(kind, "error").Inc()
		return fmt.Errorf("read %s: %w", rawURL, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.metrics.RemoteFetches.WithLabelValues(kind, "error").Inc()
		return fmt.Errorf("decode %s: %w", rawURL, err)
	}
	c.metrics.RemoteFetches.WithLabelValues(kind, "ok").Inc()
	return nil
}

func usernameFromAPID(apID string) string {
	u, err := url.Parse(apID)
	if err != nil {
		return apID
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	return parts[len(parts)-1]
}
