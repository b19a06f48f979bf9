package identify

import "errors"

var (
	// ErrIdentityMismatch 识别消息中的公钥与连接对端身份不符
	ErrIdentityMismatch = errors.New("identify: public key does not match peer identity")
)
