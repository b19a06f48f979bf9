package swarm

import "errors"

var (
	// ErrSwarmClosed swarm 已关闭
	ErrSwarmClosed = errors.New("swarm: closed")
	// ErrDialSelf 试图拨号到本节点
	ErrDialSelf = errors.New("swarm: dial to self attempted")
	// ErrNoAddresses 没有可用的候选地址
	ErrNoAddresses = errors.New("swarm: no addresses to dial")
)
