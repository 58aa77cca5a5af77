package ingest

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"math"

	"github.com/fidde/otlp_usage_tracker/pkg/models"
	"github.com/google/uuid"
)

// syntheticNamespace scopes the name-based UUIDs of synthetic messages.
var syntheticNamespace = uuid.MustParse("6f0c2a7e-58d1-4c1b-9a43-0d7e3c9b5f21")

// SyntheticMessageID derives the id of the synthetic message for a session
// and block nonce. The same inputs always yield the same id.
func SyntheticMessageID(sessionID, nonce string) string {
	return uuid.NewSHA1(syntheticNamespace, []byte(sessionID+"/"+nonce)).String()
}

// blockFingerprint hashes the resource attributes and session-level data
// points of one resource block. Reprocessing an identical block produces the
// same nonce.
type blockFingerprint struct {
	h hash.Hash
	n int
}

// newBlockFingerprint seeds the hash with the resource attributes, so blocks
// from different processes stay apart when exporters omit timestamps.
func newBlockFingerprint(resource Attributes) *blockFingerprint {
	f := &blockFingerprint{h: sha256.New()}
	f.h.Write([]byte(models.CanonicalLabels(resource.Strings())))
	f.h.Write([]byte{0})
	return f
}

func (f *blockFingerprint) add(metricName string, dp DataPoint) {
	var buf [8]byte

	f.h.Write([]byte(metricName))
	f.h.Write([]byte{0})
	f.h.Write([]byte(models.CanonicalLabels(dp.Attributes.Strings())))
	f.h.Write([]byte{0})
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(dp.Value))
	f.h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], dp.StartTimeUnixNano)
	f.h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], dp.TimeUnixNano)
	f.h.Write(buf[:])
	f.n++
}

func (f *blockFingerprint) nonce() string {
	return hex.EncodeToString(f.h.Sum(nil))
}
