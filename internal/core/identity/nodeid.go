package identity

import (
	"crypto/ed25519"

	"github.com/minio/sha256-simd"

	"github.com/lanshare/go-lanshare/pkg/types"
)

// NodeIDFromPublicKey 从公钥派生 NodeID
//
// 使用 SHA256(PublicKeyBytes) 作为 NodeID。
// 这确保了 NodeID 与公钥之间的唯一对应关系。
func NodeIDFromPublicKey(pub ed25519.PublicKey) types.NodeID {
	hash := sha256.Sum256(pub)
	return types.NodeID(hash)
}
