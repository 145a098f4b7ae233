package app

import (
	"time"

	"fedipedia/api/internal/store"
)

type ArticleView struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Text          string    `json:"text"`
	APID          string    `json:"apId"`
	Local         bool      `json:"local"`
	Protected     bool      `json:"protected"`
	Approved      bool      `json:"approved"`
	LatestVersion string    `json:"latestVersion"`
	Published     time.Time `json:"published"`
}

type EditView struct {
	ID              string    `json:"id"`
	Hash            string    `json:"hash"`
	APID            string    `json:"apId"`
	Diff            string    `json:"diff"`
	Summary         string    `json:"summary"`
	PreviousVersion string    `json:"previousVersion"`
	Published       time.Time `json:"published"`
}

// ConflictView is the descriptor handed back when an edit could not be
// auto-merged. ThreeWayMerge carries conflict markers; PreviousVersion is the
// version a resubmission must build on.
type ConflictView struct {
	ID              string `json:"id"`
	Hash            string `json:"hash"`
	Summary         string `json:"summary"`
	ThreeWayMerge   string `json:"threeWayMerge"`
	ArticleID       string `json:"articleId"`
	ArticleTitle    string `json:"articleTitle"`
	PreviousVersion string `json:"previousVersion"`
}

type InstanceView struct {
	ID       string `json:"id"`
	Domain   string `json:"domain"`
	APID     string `json:"apId"`
	Topic    string `json:"topic,omitempty"`
	Local    bool   `json:"local"`
	Followed bool   `json:"followed,omitempty"`
	Pending  bool   `json:"pending,omitempty"`
}

type PersonView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	APID     string `json:"apId"`
	Local    bool   `json:"local"`
}

// NotificationView is either an open edit conflict or, for admins, a local
// article waiting for approval.
type NotificationView struct {
	Kind      string        `json:"kind"`
	Conflict  *ConflictView `json:"conflict,omitempty"`
	ArticleID string        `json:"articleId,omitempty"`
	Title     string        `json:"title,omitempty"`
}

func (s *Service) articleView(a store.Article, latest string) ArticleView {
	return ArticleView{
		ID:            a.ID,
		Title:         a.Title,
		Text:          a.Text,
		APID:          a.APID,
		Local:         a.Local,
		Protected:     a.Protected,
		Approved:      a.Approved,
		LatestVersion: latest,
		Published:     a.Published,
	}
}

func (s *Service) editView(e store.Edit) EditView {
	return EditView{
		ID:              e.ID,
		Hash:            e.Hash,
		APID:            e.APID,
		Diff:            e.Diff,
		Summary:         e.Summary,
		PreviousVersion: e.PreviousVersion,
		Published:       e.Published,
	}
}

func (s *Service) instanceView(i store.Instance, follow *store.InstanceFollow) InstanceView {
	view := InstanceView{
		ID:     i.ID,
		Domain: i.Domain,
		APID:   i.APID,
		Topic:  i.Topic,
		Local:  i.Local,
	}
	if follow != nil {
		view.Followed = true
		view.Pending = follow.Pending
	}
	return view
}
