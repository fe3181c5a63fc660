package replication

import (
	"encoding/hex"

	"github.com/minio/highwayhash"
)

// hashKey is a fixed, non-secret 32-byte key: contentHash is used only to
// give operators a short, stable fingerprint for a document body in logs
// and error messages, not for authentication or dedup correctness.
var hashKey = [highwayhash.Size]byte{
	0x70, 0x75, 0x6c, 0x6c, 0x2d, 0x72, 0x65, 0x70,
	0x6c, 0x69, 0x63, 0x61, 0x74, 0x6f, 0x72, 0x2d,
	0x63, 0x6f, 0x6e, 0x74, 0x65, 0x6e, 0x74, 0x2d,
	0x68, 0x61, 0x73, 0x68, 0x2d, 0x6b, 0x65, 0x79,
}

// contentHash returns a short hex fingerprint of data, for log correlation
// (e.g. "did the remote send the same bytes as last time").
func contentHash(data []byte) string {
	var h, err = highwayhash.New(hashKey[:])
	if err != nil {
		return ""
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)[:8])
}
