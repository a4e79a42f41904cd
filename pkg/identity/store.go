package identity

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a reverie or held fragment is absent.
var ErrNotFound = errors.New("identity: not found")

// Reverie is an agent's encrypted secret state: the ciphertext plus the
// capsule and key material needed to re-encrypt it toward a successor
// vessel. The plaintext never touches the store.
type Reverie struct {
	ID          string
	Lineage     Lineage
	Threshold   int
	TotalFrags  int
	Capsule     []byte
	Ciphertext  []byte
	OwnerPK     []byte
	VerifyingPK []byte
	CreatedAt   int64
}

// NewReverieID mints a fresh reverie identifier.
func NewReverieID() string { return uuid.NewString() }

// HeldFrag is a key fragment this node holds on behalf of some agent
// lineage, together with everything needed to answer a re-encryption
// request without further lookups.
type HeldFrag struct {
	ReverieID   string
	Lineage     Lineage
	Index       int
	Threshold   int
	TotalFrags  int
	KFrag       []byte
	Capsule     []byte
	Ciphertext  []byte
	VerifyingPK []byte
	Vessel      string
	NextVessel  string
	ReceivedAt  int64
}

// Store persists reveries and held fragments. It is used from the node's
// single event loop; no internal locking is required.
type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS reveries (
		id TEXT PRIMARY KEY,
		lineage TEXT NOT NULL,
		threshold INTEGER NOT NULL,
		total_frags INTEGER NOT NULL,
		capsule BLOB NOT NULL,
		ciphertext BLOB NOT NULL,
		owner_pk BLOB NOT NULL,
		verifying_pk BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reveries_lineage ON reveries(lineage);
	CREATE TABLE IF NOT EXISTS held_frags (
		reverie_id TEXT NOT NULL,
		lineage TEXT NOT NULL,
		frag_index INTEGER NOT NULL,
		threshold INTEGER NOT NULL,
		total_frags INTEGER NOT NULL,
		kfrag BLOB NOT NULL,
		capsule BLOB NOT NULL,
		ciphertext BLOB NOT NULL,
		verifying_pk BLOB NOT NULL,
		vessel TEXT NOT NULL,
		next_vessel TEXT NOT NULL,
		received_at INTEGER NOT NULL,
		PRIMARY KEY (reverie_id, frag_index)
	);
	CREATE INDEX IF NOT EXISTS idx_held_frags_lineage ON held_frags(lineage);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) SaveReverie(r Reverie) error {
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO reveries
		(id, lineage, threshold, total_frags, capsule, ciphertext, owner_pk, verifying_pk, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Lineage.String(), r.Threshold, r.TotalFrags,
		r.Capsule, r.Ciphertext, r.OwnerPK, r.VerifyingPK, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("save reverie %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) GetReverie(id string) (Reverie, error) {
	row := s.db.QueryRow(`
		SELECT id, lineage, threshold, total_frags, capsule, ciphertext, owner_pk, verifying_pk, created_at
		FROM reveries WHERE id = ?`, id)
	return scanReverie(row)
}

// ReverieByLineage returns the reverie for one incarnation of an agent.
func (s *Store) ReverieByLineage(l Lineage) (Reverie, error) {
	row := s.db.QueryRow(`
		SELECT id, lineage, threshold, total_frags, capsule, ciphertext, owner_pk, verifying_pk, created_at
		FROM reveries WHERE lineage = ? ORDER BY created_at DESC LIMIT 1`, l.String())
	return scanReverie(row)
}

func scanReverie(row *sql.Row) (Reverie, error) {
	var r Reverie
	var lineage string
	err := row.Scan(&r.ID, &lineage, &r.Threshold, &r.TotalFrags,
		&r.Capsule, &r.Ciphertext, &r.OwnerPK, &r.VerifyingPK, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Reverie{}, ErrNotFound
	}
	if err != nil {
		return Reverie{}, fmt.Errorf("scan reverie: %w", err)
	}
	r.Lineage, err = ParseLineage(lineage)
	if err != nil {
		return Reverie{}, err
	}
	return r, nil
}

func (s *Store) DeleteReverie(id string) error {
	_, err := s.db.Exec(`DELETE FROM reveries WHERE id = ?`, id)
	return err
}

func (s *Store) SaveHeldFrag(f HeldFrag) error {
	if f.ReceivedAt == 0 {
		f.ReceivedAt = time.Now().UnixMilli()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO held_frags
		(reverie_id, lineage, frag_index, threshold, total_frags, kfrag, capsule, ciphertext, verifying_pk, vessel, next_vessel, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ReverieID, f.Lineage.String(), f.Index, f.Threshold, f.TotalFrags,
		f.KFrag, f.Capsule, f.Ciphertext, f.VerifyingPK, f.Vessel, f.NextVessel, f.ReceivedAt)
	if err != nil {
		return fmt.Errorf("save held frag %s/%d: %w", f.ReverieID, f.Index, err)
	}
	return nil
}

// HeldFragForLineage returns the fragment this node holds for a lineage, if
// any. A peer holds at most one kfrag per lineage epoch.
func (s *Store) HeldFragForLineage(l Lineage) (HeldFrag, error) {
	row := s.db.QueryRow(`
		SELECT reverie_id, lineage, frag_index, threshold, total_frags, kfrag, capsule, ciphertext, verifying_pk, vessel, next_vessel, received_at
		FROM held_frags WHERE lineage = ? LIMIT 1`, l.String())
	var f HeldFrag
	var lineage string
	err := row.Scan(&f.ReverieID, &lineage, &f.Index, &f.Threshold, &f.TotalFrags,
		&f.KFrag, &f.Capsule, &f.Ciphertext, &f.VerifyingPK, &f.Vessel, &f.NextVessel, &f.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return HeldFrag{}, ErrNotFound
	}
	if err != nil {
		return HeldFrag{}, fmt.Errorf("scan held frag: %w", err)
	}
	f.Lineage, err = ParseLineage(lineage)
	if err != nil {
		return HeldFrag{}, err
	}
	return f, nil
}

// DeleteFragsForLineage removes fragments for a superseded epoch.
func (s *Store) DeleteFragsForLineage(l Lineage) error {
	_, err := s.db.Exec(`DELETE FROM held_frags WHERE lineage = ?`, l.String())
	return err
}
