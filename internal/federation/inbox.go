package federation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"fedipedia/api/internal/actor"
	"fedipedia/api/internal/metrics"
	"fedipedia/api/internal/replay"
	"fedipedia/api/internal/store"
)

// ErrUnknownActivity rejects activity kinds outside the closed set.
var ErrUnknownActivity = errors.New("unknown activity type")

// Backend is the application surface the inbox drives. Implemented by the
// app service; kept as an interface so inbox tests run against a fake.
type Backend interface {
	LocalInstance(ctx context.Context) (store.Instance, error)

	// RecordFollower stores an accepted follow edge for the local instance.
	RecordFollower(ctx context.Context, follower store.Person) error

	// MarkFollowAccepted clears the pending flag on an outbound follow.
	MarkFollowAccepted(ctx context.Context, personAPID, instanceAPID string) error

	// SaveRemoteArticle hydrates a federated article and its edit chain.
	SaveRemoteArticle(ctx context.Context, doc ApubArticle) (store.Article, error)

	// ApplyRemoteEdit records an origin-committed edit on a remote article's
	// local copy.
	ApplyRemoteEdit(ctx context.Context, edit ApubEdit) error

	// SubmitProposedEdit runs a remote proposal through the local edit
	// pipeline. The implementation broadcasts on success; an error means the
	// proposal was not committed and the proposer gets a rejection.
	SubmitProposedEdit(ctx context.Context, edit ApubEdit) error

	// RecordRejectedEdit stores a conflict for the local creator of an edit
	// some origin instance rejected.
	RecordRejectedEdit(ctx context.Context, edit ApubEdit) error
}

// Handlers processes inbound activities: replay guard, actor resolution,
// signature verification, then dispatch.
type Handlers struct {
	backend   Backend
	directory *actor.Directory
	gateway   *Gateway
	guard     replay.Guard
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

func NewHandlers(backend Backend, directory *actor.Directory, gateway *Gateway, guard replay.Guard, m *metrics.Metrics, log zerolog.Logger) *Handlers {
	return &Handlers{
		backend:   backend,
		directory: directory,
		gateway:   gateway,
		guard:     guard,
		metrics:   m,
		log:       log.With().Str("component", "inbox").Logger(),
	}
}

// ReceiveRequest verifies and processes one signed inbox delivery.
func (h *Handlers) ReceiveRequest(ctx context.Context, req *http.Request, body []byte, activity Activity) error {
	outcome := "ok"
	err := h.receiveRequest(ctx, req, body, activity)
	if err != nil {
		outcome = "error"
	}
	h.metrics.InboundActivities.WithLabelValues(activity.Type, outcome).Inc()
	return err
}

func (h *Handlers) receiveRequest(ctx context.Context, req *http.Request, body []byte, activity Activity) error {
	// Peek is read-only here. The id is marked only after the activity is
	// verified and dispatched, so a forged delivery carrying a genuine id
	// cannot block the origin's real one, and a delivery that failed on a
	// transient error stays eligible for redelivery.
	seen, err := h.guard.Peek(ctx, activity.ID)
	if err != nil {
		return fmt.Errorf("replay guard: %w", err)
	}
	if seen {
		h.log.Debug().Str("activity", activity.ID).Msg("duplicate activity dropped")
		return nil
	}

	sender, err := h.verifySender(ctx, activity)
	if err != nil {
		return err
	}
	if _, err := VerifyRequest(req, body, sender.PublicKeyPEM()); err != nil {
		return fmt.Errorf("verify %s from %s: %w", activity.Type, activity.Actor, err)
	}
	keyID, err := SignatureKeyID(req)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(keyID, sender.APID()) {
		return fmt.Errorf("signature key %s does not belong to actor %s", keyID, activity.Actor)
	}

	if err := h.receive(ctx, activity); err != nil {
		return err
	}
	h.mark(ctx, activity.ID)
	return nil
}

// mark records a processed activity id. A guard write failure only costs
// dedup for that id; the activity itself already applied, so the error is
// logged rather than bounced back as a redeliverable failure.
func (h *Handlers) mark(ctx context.Context, id string) {
	if err := h.guard.Mark(ctx, id); err != nil {
		h.log.Warn().Err(err).Str("activity", id).Msg("replay guard mark failed")
	}
}

// verifySender resolves the claimed actor. Resolution fetches unknown actors,
// so a forged actor field cannot name a key the origin never published.
func (h *Handlers) verifySender(ctx context.Context, activity Activity) (actor.Actor, error) {
	if activity.Actor == "" {
		return nil, fmt.Errorf("%s activity without actor", activity.Type)
	}
	sender, err := h.directory.Resolve(ctx, activity.Actor)
	if err != nil {
		return nil, fmt.Errorf("resolve actor %s: %w", activity.Actor, err)
	}
	return sender, nil
}

// receive dispatches a verified activity. The kind set is closed.
func (h *Handlers) receive(ctx context.Context, activity Activity) error {
	switch activity.Type {
	case KindFollow:
		return h.receiveFollow(ctx, activity)
	case KindAccept:
		return h.receiveAccept(ctx, activity)
	case KindCreateArticle:
		return h.receiveCreateArticle(ctx, activity)
	case KindUpdateLocalArticle:
		return h.receiveUpdateLocal(ctx, activity)
	case KindUpdateRemoteArticle:
		return h.receiveUpdateRemote(ctx, activity)
	case KindRejectEdit:
		return h.receiveReject(ctx, activity)
	case KindAnnounce:
		return h.receiveAnnounce(ctx, activity)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownActivity, activity.Type)
	}
}

// receiveFollow auto-accepts: the edge is stored non-pending and an Accept
// goes back immediately.
func (h *Handlers) receiveFollow(ctx context.Context, activity Activity) error {
	follower, err := h.directory.ResolvePerson(ctx, activity.Actor)
	if err != nil {
		return fmt.Errorf("resolve follower: %w", err)
	}
	if err := h.backend.RecordFollower(ctx, follower); err != nil {
		return err
	}

	local, err := h.backend.LocalInstance(ctx)
	if err != nil {
		return err
	}
	accept, err := NewActivity(KindAccept, protocolOf(local.APID), local.Domain, local.APID, []string{follower.APID}, activity)
	if err != nil {
		return err
	}
	h.gateway.Deliver(accept, InstanceSigner(local), []string{follower.InboxURL})
	return nil
}

// receiveAccept closes the follow handshake this instance initiated.
func (h *Handlers) receiveAccept(ctx context.Context, activity Activity) error {
	follow, err := decodeObject[Activity](activity)
	if err != nil {
		return err
	}
	if follow.Type != KindFollow {
		return fmt.Errorf("accept wraps %q, want %s", follow.Type, KindFollow)
	}
	return h.backend.MarkFollowAccepted(ctx, follow.Actor, activity.Actor)
}

func (h *Handlers) receiveCreateArticle(ctx context.Context, activity Activity) error {
	doc, err := decodeObject[ApubArticle](activity)
	if err != nil {
		return err
	}

	local, err := h.backend.LocalInstance(ctx)
	if err != nil {
		return err
	}
	// An article of our own coming back in is already stored; forward it to
	// followers so late subscribers still learn about it.
	if doc.AttributedTo == local.APID {
		return h.gateway.SendToFollowers(ctx, activity, InstanceSigner(local), nil)
	}

	if _, err := h.backend.SaveRemoteArticle(ctx, doc); err != nil {
		return err
	}
	return nil
}

func (h *Handlers) receiveUpdateLocal(ctx context.Context, activity Activity) error {
	edit, err := decodeObject[ApubEdit](activity)
	if err != nil {
		return err
	}
	return h.backend.ApplyRemoteEdit(ctx, edit)
}

// receiveUpdateRemote runs an edit proposed by another instance against a
// local article. A pipeline failure turns into a RejectEdit back to the
// proposer instead of an inbox error; the delivery itself succeeded.
func (h *Handlers) receiveUpdateRemote(ctx context.Context, activity Activity) error {
	edit, err := decodeObject[ApubEdit](activity)
	if err != nil {
		return err
	}

	submitErr := h.backend.SubmitProposedEdit(ctx, edit)
	if submitErr == nil {
		return nil
	}
	h.log.Info().Err(submitErr).Str("edit", edit.ID).Str("proposer", activity.Actor).Msg("remote edit rejected")

	proposer, err := h.directory.Resolve(ctx, activity.Actor)
	if err != nil {
		return fmt.Errorf("resolve proposer for rejection: %w", err)
	}
	local, err := h.backend.LocalInstance(ctx)
	if err != nil {
		return err
	}
	reject, err := NewActivity(KindRejectEdit, protocolOf(local.APID), local.Domain, local.APID, []string{proposer.APID()}, edit)
	if err != nil {
		return err
	}
	h.gateway.Deliver(reject, InstanceSigner(local), []string{proposer.Inbox()})
	return nil
}

func (h *Handlers) receiveReject(ctx context.Context, activity Activity) error {
	edit, err := decodeObject[ApubEdit](activity)
	if err != nil {
		return err
	}
	return h.backend.RecordRejectedEdit(ctx, edit)
}

// receiveAnnounce unwraps a relayed activity. The inner activity passes the
// same replay guard and actor resolution; its HTTP signature is the
// announcer's, already checked, so the inner payload is dispatched once the
// inner actor resolves.
func (h *Handlers) receiveAnnounce(ctx context.Context, activity Activity) error {
	inner, err := decodeObject[Activity](activity)
	if err != nil {
		return err
	}
	if inner.Type == KindAnnounce {
		return errors.New("nested announce rejected")
	}

	seen, err := h.guard.Peek(ctx, inner.ID)
	if err != nil {
		return fmt.Errorf("replay guard: %w", err)
	}
	if seen {
		return nil
	}
	if _, err := h.verifySender(ctx, inner); err != nil {
		return err
	}
	if err := h.receive(ctx, inner); err != nil {
		return err
	}
	h.mark(ctx, inner.ID)
	return nil
}

func protocolOf(apID string) string {
	if strings.HasPrefix(apID, "https://") {
		return "https"
	}
	return "http"
}
