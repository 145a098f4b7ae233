package federation

import (
	"time"

	"fedipedia/api/internal/store"
)

// Wire objects. Field names follow ActivityPub conventions: camelCase, with
// every object carrying its canonical URL as "id".

type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type ApubPerson struct {
	Type              string    `json:"type"`
	ID                string    `json:"id"`
	PreferredUsername string    `json:"preferredUsername"`
	Inbox             string    `json:"inbox"`
	PublicKey         PublicKey `json:"publicKey"`
}

type ApubInstance struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Inbox     string    `json:"inbox"`
	Articles  string    `json:"articles"`
	PublicKey PublicKey `json:"publicKey"`
}

type ApubArticle struct {
	Type          string    `json:"type"`
	ID            string    `json:"id"`
	AttributedTo  string    `json:"attributedTo"`
	Name          string    `json:"name"`
	Content       string    `json:"content"`
	Edits         string    `json:"edits"`
	LatestVersion string    `json:"latestVersion"`
	Protected     bool      `json:"protected"`
	Published     time.Time `json:"published"`
}

type ApubEdit struct {
	Type            string    `json:"type"`
	ID              string    `json:"id"`
	Creator         string    `json:"creator"`
	Object          string    `json:"object"`
	Content         string    `json:"content"`
	Summary         string    `json:"summary,omitempty"`
	Hash            string    `json:"hash"`
	PreviousVersion string    `json:"previousVersion"`
	Published       time.Time `json:"published"`
}

type ArticleCollection struct {
	Type       string        `json:"type"`
	ID         string        `json:"id"`
	TotalItems int           `json:"totalItems"`
	Items      []ApubArticle `json:"items"`
}

type EditCollection struct {
	Type       string     `json:"type"`
	ID         string     `json:"id"`
	TotalItems int        `json:"totalItems"`
	Items      []ApubEdit `json:"items"`
}

// BuildPerson renders a stored person as its actor document.
func BuildPerson(p store.Person) ApubPerson {
	return ApubPerson{
		Type:              "Person",
		ID:                p.APID,
		PreferredUsername: p.Username,
		Inbox:             p.InboxURL,
		PublicKey: PublicKey{
			ID:           p.APID + "#main-key",
			Owner:        p.APID,
			PublicKeyPem: p.PublicKey,
		},
	}
}

// BuildInstance renders a stored instance as its actor document. Instances
// use the "Service" actor type.
func BuildInstance(i store.Instance) ApubInstance {
	return ApubInstance{
		Type:      "Service",
		ID:        i.APID,
		Name:      i.Topic,
		Inbox:     i.InboxURL,
		Articles:  i.ArticlesURL,
		PublicKey: PublicKey{
			ID:           i.APID + "#main-key",
			Owner:        i.APID,
			PublicKeyPem: i.PublicKey,
		},
	}
}

// BuildArticle renders a stored article. The edits field is the URL of the
// article's edit collection, fetched separately.
func BuildArticle(a store.Article, instanceAPID, latestVersion string) ApubArticle {
	return ApubArticle{
		Type:          "Article",
		ID:            a.APID,
		AttributedTo:  instanceAPID,
		Name:          a.Title,
		Content:       a.Text,
		Edits:         a.APID + "/edits",
		LatestVersion: latestVersion,
		Protected:     a.Protected,
		Published:     a.Published,
	}
}

// BuildEdit renders a stored edit with its creator's ActivityPub ID.
func BuildEdit(e store.Edit, articleAPID, creatorAPID string) ApubEdit {
	return ApubEdit{
		Type:            "Edit",
		ID:              e.APID,
		Creator:         creatorAPID,
		Object:          articleAPID,
		Content:         e.Diff,
		Summary:         e.Summary,
		Hash:            e.Hash,
		PreviousVersion: e.PreviousVersion,
		Published:       e.Published,
	}
}
