package identity

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGenerate 测试身份生成
func TestGenerate(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	require.NotNil(t, id)

	assert.False(t, id.NodeID().IsEmpty())
	assert.Len(t, id.PublicKey(), ed25519.PublicKeySize)
	assert.Len(t, id.PrivateKey(), ed25519.PrivateKeySize)
}

// TestGenerate_Unique 测试两次生成的身份互不相同
func TestGenerate_Unique(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)

	assert.NotEqual(t, a.NodeID(), b.NodeID())
}

// TestFromPrivateKey 测试从已有私钥恢复身份
//
// 同一私钥恢复出的 NodeID 必须稳定，这是身份持久化的前提。
func TestFromPrivateKey(t *testing.T) {
	orig, err := Generate()
	require.NoError(t, err)

	restored := FromPrivateKey(orig.PrivateKey())
	assert.Equal(t, orig.NodeID(), restored.NodeID())
	assert.Equal(t, orig.PublicKey(), restored.PublicKey())
}

// TestNodeIDDerivation 测试 NodeID 由公钥哈希派生
func TestNodeIDDerivation(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	derived := NodeIDFromPublicKey(id.PublicKey())
	assert.Equal(t, id.NodeID(), derived)
}

// TestSignVerify 测试签名与验证
func TestSignVerify(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	msg := []byte("announce payload")
	sig := id.Sign(msg)

	assert.True(t, Verify(id.PublicKey(), msg, sig))

	// 篡改消息或签名都应验证失败
	assert.False(t, Verify(id.PublicKey(), []byte("tampered"), sig))
	sig[0] ^= 0xff
	assert.False(t, Verify(id.PublicKey(), msg, sig))

	// 换一把公钥同样失败
	other, err := Generate()
	require.NoError(t, err)
	sig[0] ^= 0xff
	assert.False(t, Verify(other.PublicKey(), msg, sig))
}
