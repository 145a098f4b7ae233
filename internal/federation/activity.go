package federation

import (
	"encoding/json"
	"fmt"

	"fedipedia/api/internal/util"
)

// Activity kinds this service sends and accepts. The set is closed: the inbox
// rejects anything else.
const (
	KindFollow              = "Follow"
	KindAccept              = "Accept"
	KindCreateArticle       = "CreateArticle"
	KindUpdateLocalArticle  = "UpdateLocalArticle"
	KindUpdateRemoteArticle = "UpdateRemoteArticle"
	KindRejectEdit          = "RejectEdit"
	KindAnnounce            = "Announce"
)

// Activity is the envelope every federated message travels in. Object is left
// raw until the kind is known.
type Activity struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Actor  string          `json:"actor"`
	To     []string        `json:"to,omitempty"`
	Object json.RawMessage `json:"object"`
}

// NewActivity wraps object in an envelope with a fresh activity ID on the
// given domain.
func NewActivity(kind, proto, domain, actor string, to []string, object any) (Activity, error) {
	raw, err := json.Marshal(object)
	if err != nil {
		return Activity{}, fmt.Errorf("marshal %s object: %w", kind, err)
	}
	return Activity{
		Type:   kind,
		ID:     fmt.Sprintf("%s://%s/activity/%s", proto, domain, util.NewID("")),
		Actor:  actor,
		To:     to,
		Object: raw,
	}, nil
}

func decodeObject[T any](a Activity) (T, error) {
	var obj T
	if err := json.Unmarshal(a.Object, &obj); err != nil {
		return obj, fmt.Errorf("decode %s object: %w", a.Type, err)
	}
	return obj, nil
}
