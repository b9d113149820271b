package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	ErrRowCountMismatch    = errors.New("row count does not match manifest")
	ErrRowHashMismatch     = errors.New("row hash does not match manifest")
	ErrPayloadHashMismatch = errors.New("payload hash does not match manifest")
	ErrSignatureMissing    = errors.New("bundle is not signed")
	ErrSignatureMismatch   = errors.New("signature does not verify")
)

// Row is the exported form of an Event: metadata redacted, time as an
// RFC 3339 UTC string so the hashed bytes survive a JSON round trip.
type Row struct {
	ID            string         `json:"id"`
	ActorType     string         `json:"actorType"`
	ActorID       string         `json:"actorId"`
	Action        string         `json:"action"`
	Rationale     string         `json:"rationale"`
	Target        string         `json:"target"`
	ApprovalState string         `json:"approvalState"`
	InputHash     string         `json:"inputHash"`
	OutputHash    string         `json:"outputHash"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     string         `json:"createdAt"`
}

type Manifest struct {
	RowCount     int      `json:"rowCount"`
	PayloadHash  string   `json:"payloadHash"`
	PerRowHashes []string `json:"perRowHashes"`
	Signature    string   `json:"signature,omitempty"`
	GeneratedAt  string   `json:"generatedAt"`
}

type Bundle struct {
	Rows     []Row    `json:"rows"`
	Manifest Manifest `json:"manifest"`
}

// Exporter builds export bundles. A nil or empty key produces unsigned
// bundles.
type Exporter struct {
	store Store
	key   []byte
	now   func() time.Time
}

func NewExporter(store Store, signingKey []byte) *Exporter {
	return &Exporter{store: store, key: signingKey, now: time.Now}
}

func (e *Exporter) WithClock(now func() time.Time) *Exporter {
	e.now = now
	return e
}

// Signed reports whether bundles carry a signature.
func (e *Exporter) Signed() bool {
	return len(e.key) > 0
}

// ExportBundle exports the most recent limit events.
func (e *Exporter) ExportBundle(ctx context.Context, limit int) (Bundle, error) {
	events, err := e.store.ListRecent(ctx, ClampLimit(limit))
	if err != nil {
		return Bundle{}, fmt.Errorf("ExportBundle: %w", err)
	}
	rows := make([]Row, len(events))
	for i, ev := range events {
		rows[i] = ToRow(ev)
	}
	manifest, err := BuildManifest(rows, e.key)
	if err != nil {
		return Bundle{}, fmt.Errorf("ExportBundle: %w", err)
	}
	manifest.GeneratedAt = e.now().UTC().Format(time.RFC3339Nano)
	return Bundle{Rows: rows, Manifest: manifest}, nil
}

// Verify checks b against the exporter's key.
func (e *Exporter) Verify(b Bundle) error {
	return VerifyBundle(b, e.key)
}

// ToRow converts an event to its export row.
func ToRow(ev Event) Row {
	return Row{
		ID:            ev.ID,
		ActorType:     ev.ActorType,
		ActorID:       ev.ActorID,
		Action:        ev.Action,
		Rationale:     ev.Rationale,
		Target:        ev.Target,
		ApprovalState: ev.ApprovalState,
		InputHash:     ev.InputHash,
		OutputHash:    ev.OutputHash,
		Metadata:      Redact(ev.Metadata),
		CreatedAt:     ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// BuildManifest hashes each row and the full row set, and signs the payload
// hash when key is non-empty. GeneratedAt is left for the caller.
func BuildManifest(rows []Row, key []byte) (Manifest, error) {
	if rows == nil {
		rows = []Row{}
	}
	perRow := make([]string, len(rows))
	for i, row := range rows {
		h, err := HashJSON(row)
		if err != nil {
			return Manifest{}, err
		}
		perRow[i] = h
	}
	payload, err := HashJSON(rows)
	if err != nil {
		return Manifest{}, err
	}
	m := Manifest{RowCount: len(rows), PayloadHash: payload, PerRowHashes: perRow}
	if len(key) > 0 {
		m.Signature = Sign(key, payload)
	}
	return m, nil
}

// Sign returns the hex HMAC-SHA256 of payloadHash under key.
func Sign(key []byte, payloadHash string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(payloadHash))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyBundle recomputes every hash in b. When key is non-empty the
// signature must be present and valid.
func VerifyBundle(b Bundle, key []byte) error {
	if len(b.Rows) != b.Manifest.RowCount || len(b.Manifest.PerRowHashes) != len(b.Rows) {
		return ErrRowCountMismatch
	}
	recomputed, err := BuildManifest(b.Rows, nil)
	if err != nil {
		return err
	}
	for i, h := range recomputed.PerRowHashes {
		if h != b.Manifest.PerRowHashes[i] {
			return fmt.Errorf("%w: row %d", ErrRowHashMismatch, i)
		}
	}
	if recomputed.PayloadHash != b.Manifest.PayloadHash {
		return ErrPayloadHashMismatch
	}
	if len(key) == 0 {
		return nil
	}
	if b.Manifest.Signature == "" {
		return ErrSignatureMissing
	}
	want := Sign(key, b.Manifest.PayloadHash)
	if !hmac.Equal([]byte(want), []byte(b.Manifest.Signature)) {
		return ErrSignatureMismatch
	}
	return nil
}
