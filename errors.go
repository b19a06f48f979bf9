package lanshare

import "errors"

var (
	// ErrNodeStarted 节点已启动
	ErrNodeStarted = errors.New("lanshare: node already started")

	// ErrNodeClosed 节点已关闭
	ErrNodeClosed = errors.New("lanshare: node closed")

	// ErrInvalidOption 选项取值非法
	ErrInvalidOption = errors.New("lanshare: invalid option")
)
