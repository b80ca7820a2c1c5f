package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// redactRecord replaces the principal id with a salted hash and strips the
// detail payload down to its hash. Route and decision fields stay readable,
// they carry no identity.
func redactRecord(rec Record, salt []byte) Record {
	rec.PrincipalID = hashString(rec.PrincipalID, salt)
	if len(rec.Detail) > 0 {
		payload := map[string]string{"detail_hash": hashBytes(rec.Detail, salt)}
		b, _ := json.Marshal(payload)
		rec.Detail = b
	}
	return rec
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
