package lineage

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/feichai0017/table-dispatcher/internal/models"
)

// Hasher computes a node's content fingerprint against a graph snapshot.
type Hasher interface {
	Fingerprint(id string, snap *Snapshot) (string, error)
}

// SHA256Hasher fingerprints a node from its own definition and the stored
// fingerprints of its children. A child's stored fingerprint already covers
// that child's upstream, so the result changes with any materialised upstream
// change.
type SHA256Hasher struct{}

func NewSHA256Hasher() *SHA256Hasher {
	return &SHA256Hasher{}
}

func (SHA256Hasher) Fingerprint(id string, snap *Snapshot) (string, error) {
	n, ok := snap.Node(id)
	if !ok {
		return "", &models.NotFoundError{Kind: "datasource", ID: id}
	}

	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}
	write(n.ID, string(n.Reference), n.TableName, n.UpdateSQL)

	kids := snap.Children(id)
	sort.Strings(kids)
	for _, c := range kids {
		stored := ""
		if child, ok := snap.Node(c); ok {
			stored = child.Hashcode
		}
		write(c, stored)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
