package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"fedipedia/api/internal/metrics"
	"fedipedia/api/internal/store"
)

// GatewayStore is the persistence surface outbound delivery needs.
type GatewayStore interface {
	GetLocalInstance(ctx context.Context) (store.Instance, error)
	ListFollowers(ctx context.Context, instanceID string) ([]store.Person, error)
}

// Signer identifies the local actor an outbound request is signed as.
type Signer struct {
	KeyID      string
	PrivatePEM string
}

// InstanceSigner builds a Signer for an instance actor.
func InstanceSigner(i store.Instance) Signer {
	return Signer{KeyID: i.APID + "#main-key", PrivatePEM: i.PrivateKey}
}

// PersonSigner builds a Signer for a person actor.
func PersonSigner(p store.Person) Signer {
	return Signer{KeyID: p.APID + "#main-key", PrivatePEM: p.PrivateKey}
}

// Gateway delivers activities to remote inboxes. Deliveries run concurrently
// and independently; a failed inbox is logged and dropped, never retried at
// the caller's expense.
type Gateway struct {
	http    *http.Client
	store   GatewayStore
	timeout time.Duration
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewGateway(st GatewayStore, timeout time.Duration, m *metrics.Metrics, log zerolog.Logger) *Gateway {
	return &Gateway{
		http:    &http.Client{Timeout: timeout},
		store:   st,
		timeout: timeout,
		metrics: m,
		log:     log.With().Str("component", "federation_gateway").Logger(),
	}
}

// Deliver signs and posts activity to each inbox. It returns immediately;
// delivery happens in the background.
func (g *Gateway) Deliver(activity Activity, signer Signer, inboxes []string) {
	body, err := json.Marshal(activity)
	if err != nil {
		g.log.Error().Err(err).Str("activity", activity.ID).Msg("marshal activity")
		return
	}
	for _, inbox := range dedupe(inboxes) {
		go g.deliverOne(activity.ID, signer, inbox, body)
	}
}

// SendToFollowers delivers activity to every follower of the local instance
// plus any extra inboxes.
func (g *Gateway) SendToFollowers(ctx context.Context, activity Activity, signer Signer, extraInboxes []string) error {
	local, err := g.store.GetLocalInstance(ctx)
	if err != nil {
		return fmt.Errorf("load local instance: %w", err)
	}
	followers, err := g.store.ListFollowers(ctx, local.ID)
	if err != nil {
		return fmt.Errorf("list followers: %w", err)
	}

	inboxes := make([]string, 0, len(followers)+len(extraInboxes))
	for _, follower := range followers {
		if !follower.Local && follower.InboxURL != "" {
			inboxes = append(inboxes, follower.InboxURL)
		}
	}
	inboxes = append(inboxes, extraInboxes...)

	g.Deliver(activity, signer, inboxes)
	return nil
}

func (g *Gateway) deliverOne(activityID string, signer Signer, inbox string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		g.fail(activityID, inbox, err)
		return
	}
	req.Header.Set("Content-Type", contentTypeActivity)
	if err := SignRequest(req, signer.KeyID, signer.PrivatePEM, body); err != nil {
		g.fail(activityID, inbox, err)
		return
	}

	resp, err := g.http.Do(req)
	if err != nil {
		g.fail(activityID, inbox, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		g.fail(activityID, inbox, fmt.Errorf("status %d", resp.StatusCode))
		return
	}
	g.metrics.Deliveries.WithLabelValues("ok").Inc()
}

func (g *Gateway) fail(activityID, inbox string, err error) {
	g.metrics.Deliveries.WithLabelValues("error").Inc()
	g.log.Warn().Err(err).Str("activity", activityID).Str("inbox", inbox).Msg("delivery failed")
}

func dedupe(inboxes []string) []string {
	sort.Strings(inboxes)
	out := inboxes[:0]
	var prev string
	for _, inbox := range inboxes {
		if inbox == "" || inbox == prev {
			continue
		}
		out = append(out, inbox)
		prev = inbox
	}
	return out
}
