package store

import "time"

// Article is the materialized state of a wiki page. Text is a cache of the
// latest reconstructed version; only the edit-append paths may change it.
type Article struct {
	ID         string
	Title      string
	Text       string
	APID       string
	InstanceID string
	Local      bool
	Protected  bool
	Approved   bool
	Published  time.Time
}

// Edit is one committed diff against an article's prior text. Immutable once
// created. PreviousVersion is the hash-chain parent (an EditVersion hex
// string), not an edit row id; the first edit of an article carries the
// sentinel version there.
type Edit struct {
	ID              string
	CreatorID       string
	Hash            string
	APID            string
	Diff            string
	Summary         string
	ArticleID       string
	PreviousVersion string
	Published       time.Time
}

// Conflict is a queued, unmerged edit submission awaiting automatic or manual
// resolution. Diff is the patch from the submitter's ancestor text to their
// intended new text.
type Conflict struct {
	ID              string
	Hash            string
	Diff            string
	Summary         string
	CreatorID       string
	ArticleID       string
	PreviousVersion string
	Published       time.Time
}

// Instance is a federation node, local or cached remote.
type Instance struct {
	ID              string
	Domain          string
	APID            string
	Topic           string
	InboxURL        string
	ArticlesURL     string
	PublicKey       string
	PrivateKey      string
	LastRefreshedAt time.Time
	Local           bool
}

// Person is a federation-addressable user, local or cached remote.
type Person struct {
	ID              string
	Username        string
	APID            string
	InboxURL        string
	PublicKey       string
	PrivateKey      string
	LastRefreshedAt time.Time
	Local           bool
}

// LocalUser extends a local Person with login credentials.
type LocalUser struct {
	ID           string
	PersonID     string
	PasswordHash string
	Admin        bool
}

// InstanceFollow is the follower edge used to compute outbound fan-out.
// Pending is true between sending a Follow and receiving the Accept.
type InstanceFollow struct {
	FollowerID string
	InstanceID string
	Pending    bool
}
