package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"fedipedia/api/internal/history"
)

// ErrStaleVersion is returned by AppendEdit when the article's latest version
// no longer matches the edit's stated previous version. Callers treat it as
// divergence, never as a hard failure.
var ErrStaleVersion = errors.New("stale previous version")

// ErrDuplicate is returned when an insert hits a uniqueness constraint
// (article ap_id or local title, person username).
var ErrDuplicate = errors.New("duplicate row")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- articles ---

const articleColumns = `id, title, text, ap_id, instance_id, local, protected, approved, published`

func scanArticle(row interface{ Scan(...any) error }) (Article, error) {
	var a Article
	err := row.Scan(&a.ID, &a.Title, &a.Text, &a.APID, &a.InstanceID, &a.Local, &a.Protected, &a.Approved, &a.Published)
	return a, err
}

func (s *PostgresStore) InsertArticle(ctx context.Context, a Article) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO articles (id, title, text, ap_id, instance_id, local, protected, approved, published)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.Title, a.Text, a.APID, a.InstanceID, a.Local, a.Protected, a.Approved, a.Published)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert article: %w", err)
	}
	return nil
}

// UpsertArticleByAPID stores a federation-received article, updating in place
// when the ap_id is already known.
func (s *PostgresStore) UpsertArticleByAPID(ctx context.Context, a Article) (Article, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO articles (id, title, text, ap_id, instance_id, local, protected, approved, published)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (ap_id) DO UPDATE SET
			title=EXCLUDED.title, text=EXCLUDED.text, instance_id=EXCLUDED.instance_id,
			protected=EXCLUDED.protected
		RETURNING `+articleColumns, a.ID, a.Title, a.Text, a.APID, a.InstanceID, a.Local, a.Protected, a.Approved, a.Published)
	stored, err := scanArticle(row)
	if err != nil {
		return Article{}, fmt.Errorf("upsert article: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) GetArticle(ctx context.Context, id string) (Article, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+articleColumns+` FROM articles WHERE id=$1`, id)
	return scanArticle(row)
}

func (s *PostgresStore) GetArticleByAPID(ctx context.Context, apID string) (Article, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+articleColumns+` FROM articles WHERE ap_id=$1`, apID)
	return scanArticle(row)
}

func (s *PostgresStore) GetLocalArticleByTitle(ctx context.Context, title string) (Article, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+articleColumns+` FROM articles WHERE title=$1 AND local`, title)
	return scanArticle(row)
}

func (s *PostgresStore) GetArticleByTitleAndDomain(ctx context.Context, title, domain string) (Article, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT a.id, a.title, a.text, a.ap_id, a.instance_id, a.local, a.protected, a.approved, a.published
		FROM articles a JOIN instances i ON i.id = a.instance_id
		WHERE a.title=$1 AND i.domain=$2 AND NOT a.local
	`, title, domain)
	return scanArticle(row)
}

func (s *PostgresStore) ListArticles(ctx context.Context, onlyLocal bool, instanceID string) ([]Article, error) {
	query := `SELECT ` + articleColumns + ` FROM articles WHERE approved`
	args := []any{}
	if onlyLocal {
		query += ` AND local`
	}
	if instanceID != "" {
		args = append(args, instanceID)
		query += fmt.Sprintf(` AND instance_id=$%d`, len(args))
	}
	query += ` ORDER BY published DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	defer rows.Close()

	items := make([]Article, 0)
	for rows.Next() {
		item, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate articles: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListUnapprovedArticles(ctx context.Context) ([]Article, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+articleColumns+` FROM articles WHERE local AND NOT approved ORDER BY published`)
	if err != nil {
		return nil, fmt.Errorf("list unapproved articles: %w", err)
	}
	defer rows.Close()

	items := make([]Article, 0)
	for rows.Next() {
		item, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) SearchArticles(ctx context.Context, query string) ([]Article, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+articleColumns+` FROM articles
		WHERE approved AND (title ILIKE $1 OR text ILIKE $1)
		ORDER BY published DESC
	`, "%"+query+"%")
	if err != nil {
		return nil, fmt.Errorf("search articles: %w", err)
	}
	defer rows.Close()

	items := make([]Article, 0)
	for rows.Next() {
		item, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) SetArticleProtected(ctx context.Context, id string, protected bool) (Article, error) {
	row := s.db.QueryRowContext(ctx, `UPDATE articles SET protected=$2 WHERE id=$1 RETURNING `+articleColumns, id, protected)
	return scanArticle(row)
}

func (s *PostgresStore) SetArticleApproved(ctx context.Context, id string, approved bool) (Article, error) {
	row := s.db.QueryRowContext(ctx, `UPDATE articles SET approved=$2 WHERE id=$1 RETURNING `+articleColumns, id, approved)
	return scanArticle(row)
}

func (s *PostgresStore) DeleteArticle(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM articles WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete article: %w", err)
	}
	return nil
}

// --- edits ---

const editColumns = `id, creator_id, hash, ap_id, diff, summary, article_id, previous_version_id, published`

func scanEdit(row interface{ Scan(...any) error }) (Edit, error) {
	var e Edit
	err := row.Scan(&e.ID, &e.CreatorID, &e.Hash, &e.APID, &e.Diff, &e.Summary, &e.ArticleID, &e.PreviousVersion, &e.Published)
	return e, err
}

// AppendEdit is the submit-edit critical section. It locks the article row,
// verifies that the article's latest version still equals the edit's stated
// previous version, then inserts the edit and advances the cached text in the
// same transaction. Two concurrent submissions against the same ancestor
// cannot both pass the check.
func (s *PostgresStore) AppendEdit(ctx context.Context, e Edit, newText string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append edit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var articleID string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM articles WHERE id=$1 FOR UPDATE`, e.ArticleID).Scan(&articleID); err != nil {
		return fmt.Errorf("lock article: %w", err)
	}

	latest := history.Sentinel
	err = tx.QueryRowContext(ctx, `
		SELECT hash FROM edits WHERE article_id=$1 ORDER BY seq DESC LIMIT 1
	`, e.ArticleID).Scan(&latest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read latest version: %w", err)
	}
	if latest != e.PreviousVersion {
		return ErrStaleVersion
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO edits (id, creator_id, hash, ap_id, diff, summary, article_id, previous_version_id, published)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.CreatorID, e.Hash, e.APID, e.Diff, e.Summary, e.ArticleID, e.PreviousVersion, e.Published); err != nil {
		return fmt.Errorf("insert edit: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE articles SET text=$2 WHERE id=$1`, e.ArticleID, newText); err != nil {
		return fmt.Errorf("update article text: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append edit: %w", err)
	}
	return nil
}

// UpsertEdit stores an edit received over federation or copied by a fork,
// without the latest-version check. Already-known activity ids are ignored.
func (s *PostgresStore) UpsertEdit(ctx context.Context, e Edit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edits (id, creator_id, hash, ap_id, diff, summary, article_id, previous_version_id, published)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (ap_id) DO NOTHING
	`, e.ID, e.CreatorID, e.Hash, e.APID, e.Diff, e.Summary, e.ArticleID, e.PreviousVersion, e.Published)
	if err != nil {
		return fmt.Errorf("upsert edit: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateArticleText(ctx context.Context, articleID, text string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE articles SET text=$2 WHERE id=$1`, articleID, text)
	if err != nil {
		return fmt.Errorf("update article text: %w", err)
	}
	return nil
}

// ListEdits returns the full edit list for an article in insertion order,
// which is the order the reconstruction walk expects.
func (s *PostgresStore) ListEdits(ctx context.Context, articleID string) ([]Edit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+editColumns+` FROM edits WHERE article_id=$1 ORDER BY seq
	`, articleID)
	if err != nil {
		return nil, fmt.Errorf("list edits: %w", err)
	}
	defer rows.Close()

	items := make([]Edit, 0)
	for rows.Next() {
		item, err := scanEdit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan edit: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edits: %w", err)
	}
	return items, nil
}

// LatestVersion returns the hash of the most recent edit, or the sentinel
// version when the article has no edits yet.
func (s *PostgresStore) LatestVersion(ctx context.Context, articleID string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `
		SELECT hash FROM edits WHERE article_id=$1 ORDER BY seq DESC LIMIT 1
	`, articleID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return history.Sentinel, nil
	}
	if err != nil {
		return "", fmt.Errorf("read latest version: %w", err)
	}
	return hash, nil
}

// --- conflicts ---

const conflictColumns = `id, hash, diff, summary, creator_id, article_id, previous_version_id, published`

func scanConflict(row interface{ Scan(...any) error }) (Conflict, error) {
	var c Conflict
	err := row.Scan(&c.ID, &c.Hash, &c.Diff, &c.Summary, &c.CreatorID, &c.ArticleID, &c.PreviousVersion, &c.Published)
	return c, err
}

func (s *PostgresStore) InsertConflict(ctx context.Context, c Conflict) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, hash, diff, summary, creator_id, article_id, previous_version_id, published)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ID, c.Hash, c.Diff, c.Summary, c.CreatorID, c.ArticleID, c.PreviousVersion, c.Published)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConflict(ctx context.Context, id string) (Conflict, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id=$1`, id)
	return scanConflict(row)
}

// DeleteConflict removes a conflict owned by creatorID. Returns false when no
// matching row exists, which callers surface as not-found or forbidden.
func (s *PostgresStore) DeleteConflict(ctx context.Context, id, creatorID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conflicts WHERE id=$1 AND creator_id=$2`, id, creatorID)
	if err != nil {
		return false, fmt.Errorf("delete conflict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete conflict rows: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) ListConflictsByCreator(ctx context.Context, creatorID string) ([]Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conflictColumns+` FROM conflicts WHERE creator_id=$1 ORDER BY published
	`, creatorID)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	items := make([]Conflict, 0)
	for rows.Next() {
		item, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// --- instances ---

const instanceColumns = `id, domain, ap_id, topic, inbox_url, articles_url, public_key, COALESCE(private_key, ''), last_refreshed_at, local`

func scanInstance(row interface{ Scan(...any) error }) (Instance, error) {
	var i Instance
	err := row.Scan(&i.ID, &i.Domain, &i.APID, &i.Topic, &i.InboxURL, &i.ArticlesURL, &i.PublicKey, &i.PrivateKey, &i.LastRefreshedAt, &i.Local)
	return i, err
}

func (s *PostgresStore) UpsertInstanceByAPID(ctx context.Context, i Instance) (Instance, error) {
	var private any
	if i.PrivateKey != "" {
		private = i.PrivateKey
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO instances (id, domain, ap_id, topic, inbox_url, articles_url, public_key, private_key, last_refreshed_at, local)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (ap_id) DO UPDATE SET
			domain=EXCLUDED.domain, topic=EXCLUDED.topic, inbox_url=EXCLUDED.inbox_url,
			articles_url=EXCLUDED.articles_url, public_key=EXCLUDED.public_key,
			last_refreshed_at=EXCLUDED.last_refreshed_at
		RETURNING `+instanceColumns, i.ID, i.Domain, i.APID, i.Topic, i.InboxURL, i.ArticlesURL, i.PublicKey, private, i.LastRefreshedAt, i.Local)
	stored, err := scanInstance(row)
	if err != nil {
		return Instance{}, fmt.Errorf("upsert instance: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id=$1`, id)
	return scanInstance(row)
}

func (s *PostgresStore) GetInstanceByAPID(ctx context.Context, apID string) (Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE ap_id=$1`, apID)
	return scanInstance(row)
}

func (s *PostgresStore) GetLocalInstance(ctx context.Context) (Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE local`)
	return scanInstance(row)
}

func (s *PostgresStore) ListRemoteInstances(ctx context.Context) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE NOT local ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	items := make([]Instance, 0)
	for rows.Next() {
		item, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// --- persons ---

const personColumns = `id, username, ap_id, inbox_url, public_key, COALESCE(private_key, ''), last_refreshed_at, local`

func scanPerson(row interface{ Scan(...any) error }) (Person, error) {
	var p Person
	err := row.Scan(&p.ID, &p.Username, &p.APID, &p.InboxURL, &p.PublicKey, &p.PrivateKey, &p.LastRefreshedAt, &p.Local)
	return p, err
}

func (s *PostgresStore) UpsertPersonByAPID(ctx context.Context, p Person) (Person, error) {
	var private any
	if p.PrivateKey != "" {
		private = p.PrivateKey
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO persons (id, username, ap_id, inbox_url, public_key, private_key, last_refreshed_at, local)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (ap_id) DO UPDATE SET
			username=EXCLUDED.username, inbox_url=EXCLUDED.inbox_url,
			public_key=EXCLUDED.public_key, last_refreshed_at=EXCLUDED.last_refreshed_at
		RETURNING `+personColumns, p.ID, p.Username, p.APID, p.InboxURL, p.PublicKey, private, p.LastRefreshedAt, p.Local)
	stored, err := scanPerson(row)
	if err != nil {
		return Person{}, fmt.Errorf("upsert person: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) GetPerson(ctx context.Context, id string) (Person, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+personColumns+` FROM persons WHERE id=$1`, id)
	return scanPerson(row)
}

func (s *PostgresStore) GetPersonByAPID(ctx context.Context, apID string) (Person, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+personColumns+` FROM persons WHERE ap_id=$1`, apID)
	return scanPerson(row)
}

func (s *PostgresStore) GetLocalPersonByUsername(ctx context.Context, username string) (Person, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+personColumns+` FROM persons WHERE username=$1 AND local`, username)
	return scanPerson(row)
}

// --- local users ---

func (s *PostgresStore) CreateLocalUser(ctx context.Context, p Person, u LocalUser) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create local user: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO persons (id, username, ap_id, inbox_url, public_key, private_key, last_refreshed_at, local)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
	`, p.ID, p.Username, p.APID, p.InboxURL, p.PublicKey, p.PrivateKey, p.LastRefreshedAt); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert person: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO local_users (id, person_id, password_hash, admin)
		VALUES ($1, $2, $3, $4)
	`, u.ID, p.ID, u.PasswordHash, u.Admin); err != nil {
		return fmt.Errorf("insert local user: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) GetLocalUserByUsername(ctx context.Context, username string) (LocalUser, Person, error) {
	var u LocalUser
	var p Person
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.person_id, u.password_hash, u.admin,
			p.id, p.username, p.ap_id, p.inbox_url, p.public_key, COALESCE(p.private_key, ''), p.last_refreshed_at, p.local
		FROM local_users u JOIN persons p ON p.id = u.person_id
		WHERE p.username=$1 AND p.local
	`, username).Scan(&u.ID, &u.PersonID, &u.PasswordHash, &u.Admin,
		&p.ID, &p.Username, &p.APID, &p.InboxURL, &p.PublicKey, &p.PrivateKey, &p.LastRefreshedAt, &p.Local)
	if err != nil {
		return LocalUser{}, Person{}, err
	}
	return u, p, nil
}

func (s *PostgresStore) GetLocalUserByPersonID(ctx context.Context, personID string) (LocalUser, error) {
	var u LocalUser
	err := s.db.QueryRowContext(ctx, `
		SELECT id, person_id, password_hash, admin FROM local_users WHERE person_id=$1
	`, personID).Scan(&u.ID, &u.PersonID, &u.PasswordHash, &u.Admin)
	if err != nil {
		return LocalUser{}, err
	}
	return u, nil
}

// --- instance follows ---

func (s *PostgresStore) UpsertFollow(ctx context.Context, f InstanceFollow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instance_follows (follower_id, instance_id, pending)
		VALUES ($1, $2, $3)
		ON CONFLICT (follower_id, instance_id) DO UPDATE SET pending=EXCLUDED.pending
	`, f.FollowerID, f.InstanceID, f.Pending)
	if err != nil {
		return fmt.Errorf("upsert follow: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFollow(ctx context.Context, followerID, instanceID string) (InstanceFollow, error) {
	var f InstanceFollow
	err := s.db.QueryRowContext(ctx, `
		SELECT follower_id, instance_id, pending FROM instance_follows
		WHERE follower_id=$1 AND instance_id=$2
	`, followerID, instanceID).Scan(&f.FollowerID, &f.InstanceID, &f.Pending)
	if err != nil {
		return InstanceFollow{}, err
	}
	return f, nil
}

// ListFollowers returns the persons following an instance with established
// (non-pending) edges; this is the fan-out recipient set.
func (s *PostgresStore) ListFollowers(ctx context.Context, instanceID string) ([]Person, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.username, p.ap_id, p.inbox_url, p.public_key, COALESCE(p.private_key, ''), p.last_refreshed_at, p.local
		FROM instance_follows f JOIN persons p ON p.id = f.follower_id
		WHERE f.instance_id=$1 AND NOT f.pending
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list followers: %w", err)
	}
	defer rows.Close()

	items := make([]Person, 0)
	for rows.Next() {
		item, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan follower: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ListFollowing(ctx context.Context, personID string) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.domain, i.ap_id, i.topic, i.inbox_url, i.articles_url, i.public_key, COALESCE(i.private_key, ''), i.last_refreshed_at, i.local
		FROM instance_follows f JOIN instances i ON i.id = f.instance_id
		WHERE f.follower_id=$1
	`, personID)
	if err != nil {
		return nil, fmt.Errorf("list following: %w", err)
	}
	defer rows.Close()

	items := make([]Instance, 0)
	for rows.Next() {
		item, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan following: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
