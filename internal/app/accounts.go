package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"fedipedia/api/internal/auth"
	"fedipedia/api/internal/authpw"
	"fedipedia/api/internal/federation"
	"fedipedia/api/internal/store"
	"fedipedia/api/internal/util"
)

type TokenResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
}

// Register creates a local account with a fresh federation keypair and
// returns a bearer token.
func (s *Service) Register(ctx context.Context, username, password string) (TokenResponse, error) {
	if !s.cfg.RegistrationOpen {
		return TokenResponse{}, domainError(http.StatusForbidden, CodeForbidden, "registration is closed", nil)
	}

	publicPEM, privatePEM, err := federation.GenerateKeyPair()
	if err != nil {
		return TokenResponse{}, fmt.Errorf("generate keypair: %w", err)
	}

	person := store.Person{
		ID:              util.NewID("person"),
		Username:        username,
		APID:            fmt.Sprintf("%s://%s/user/%s", s.cfg.Protocol, s.cfg.Domain, username),
		InboxURL:        fmt.Sprintf("%s://%s/inbox", s.cfg.Protocol, s.cfg.Domain),
		PublicKey:       publicPEM,
		PrivateKey:      privatePEM,
		LastRefreshedAt: s.now(),
		Local:           true,
	}
	user := store.LocalUser{
		ID:       util.NewID("user"),
		PersonID: person.ID,
		Admin:    false,
	}

	if err := s.accounts.Register(ctx, person, user, password); err != nil {
		switch {
		case errors.Is(err, authpw.ErrUsernameTaken):
			return TokenResponse{}, domainError(http.StatusConflict, CodeValidation, err.Error(), nil)
		case errors.Is(err, authpw.ErrInvalidUsername), errors.Is(err, authpw.ErrWeakPassword):
			return TokenResponse{}, domainError(http.StatusUnprocessableEntity, CodeValidation, err.Error(), nil)
		}
		return TokenResponse{}, err
	}
	return s.issueToken(person, user)
}

// Login verifies a password and returns a bearer token.
func (s *Service) Login(ctx context.Context, username, password string) (TokenResponse, error) {
	user, person, err := s.accounts.Login(ctx, username, password)
	if err != nil {
		return TokenResponse{}, domainError(http.StatusUnauthorized, CodeForbidden, "invalid username or password", nil)
	}
	return s.issueToken(person, user)
}

// RequesterFromToken turns a bearer token into the identity core operations
// take explicitly.
func (s *Service) RequesterFromToken(token string) (Requester, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Requester{}, domainError(http.StatusUnauthorized, CodeForbidden, "invalid or expired token", nil)
	}
	return Requester{PersonID: claims.Sub, Username: claims.Name, Admin: claims.Admin}, nil
}

func (s *Service) issueToken(person store.Person, user store.LocalUser) (TokenResponse, error) {
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   person.ID,
		Name:  person.Username,
		Admin: user.Admin,
		JTI:   util.NewID(""),
		Exp:   s.now().Add(s.cfg.AccessTTL).Unix(),
	})
	if err != nil {
		return TokenResponse{}, fmt.Errorf("issue token: %w", err)
	}
	return TokenResponse{Token: token, Username: person.Username, Admin: user.Admin}, nil
}

// Notifications returns the requester's open conflicts plus, for admins,
// local articles awaiting approval.
func (s *Service) Notifications(ctx context.Context, requester Requester) ([]NotificationView, error) {
	conflicts, err := s.store.ListConflictsByCreator(ctx, requester.PersonID)
	if err != nil {
		return nil, err
	}

	views := make([]NotificationView, 0, len(conflicts))
	for _, conflict := range conflicts {
		title := ""
		if article, err := s.store.GetArticle(ctx, conflict.ArticleID); err == nil {
			title = article.Title
		}
		views = append(views, NotificationView{
			Kind: "edit_conflict",
			Conflict: &ConflictView{
				ID:              conflict.ID,
				Hash:            conflict.Hash,
				Summary:         conflict.Summary,
				ArticleID:       conflict.ArticleID,
				ArticleTitle:    title,
				PreviousVersion: conflict.PreviousVersion,
			},
		})
	}

	if requester.Admin && s.cfg.ArticleApproval {
		pending, err := s.store.ListUnapprovedArticles(ctx)
		if err != nil {
			return nil, err
		}
		for _, article := range pending {
			views = append(views, NotificationView{
				Kind:      "approval_required",
				ArticleID: article.ID,
				Title:     article.Title,
			})
		}
	}
	return views, nil
}
