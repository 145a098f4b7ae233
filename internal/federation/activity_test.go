package federation

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewActivity(t *testing.T) {
	article := ApubArticle{Type: "Article", ID: "http://example.org/article/Test"}
	activity, err := NewActivity(KindCreateArticle, "http", "example.org", "http://example.org/", []string{"http://other.example/"}, article)
	if err != nil {
		t.Fatalf("NewActivity: %v", err)
	}
	if activity.Type != KindCreateArticle {
		t.Fatalf("type = %q", activity.Type)
	}
	if !strings.HasPrefix(activity.ID, "http://example.org/activity/") {
		t.Fatalf("id = %q", activity.ID)
	}
	if activity.Actor != "http://example.org/" {
		t.Fatalf("actor = %q", activity.Actor)
	}

	decoded, err := decodeObject[ApubArticle](activity)
	if err != nil {
		t.Fatalf("decodeObject: %v", err)
	}
	if decoded.ID != article.ID {
		t.Fatalf("decoded id = %q", decoded.ID)
	}
}

func TestActivityWireFormat(t *testing.T) {
	inner, err := NewActivity(KindFollow, "http", "a.example", "http://a.example/user/bob", []string{"http://b.example/"}, "http://b.example/")
	if err != nil {
		t.Fatalf("NewActivity: %v", err)
	}
	outer, err := NewActivity(KindAccept, "http", "b.example", "http://b.example/", []string{inner.Actor}, inner)
	if err != nil {
		t.Fatalf("NewActivity: %v", err)
	}

	raw, err := json.Marshal(outer)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var parsed Activity
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	unwrapped, err := decodeObject[Activity](parsed)
	if err != nil {
		t.Fatalf("decode inner: %v", err)
	}
	if unwrapped.Type != KindFollow || unwrapped.Actor != "http://a.example/user/bob" {
		t.Fatalf("inner = %+v", unwrapped)
	}
}
