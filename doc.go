// Package lanshare 是局域网节点发现与存活监测基座
//
// 每个进程持有一个 ed25519 身份（NodeID = SHA-256(公钥)），通过
// TCP + Noise XX + yamux 建立加密多路复用连接，经 UDP 组播在局域网内
// 自主发现对端，建立连接后交换身份元数据并持续进行健康探测。
//
// 全部子协议的输出汇入单一事件通道，由调度循环统一消费：
// 调度器是节点注册表的唯一写入方，保证同一节点的事件因果有序。
//
// 基本用法：
//
//	node, err := lanshare.New(
//		lanshare.WithListenAddr("0.0.0.0:0"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := node.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer node.Close()
//
//	for evt := range node.Subscribe() {
//		fmt.Println(evt.Type(), evt.Peer().ShortString())
//	}
package lanshare
