// Package main 提供 lanshare 命令行入口
//
// 启动一个局域网节点：生成（或加载）身份，监听 TCP 端口，通过组播
// 发现同网段节点并自动建连、交换身份、持续健康探测。事件以人类
// 可读的单行形式打印到标准输出。
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	lanshare "github.com/lanshare/go-lanshare"
	"github.com/lanshare/go-lanshare/pkg/lib/log"
)

const version = "1.0.0"

var (
	listenAddr   = flag.String("listen", "0.0.0.0:0", "TCP 监听地址（端口 0 = 随机端口）")
	identityFile = flag.String("identity", "", "身份密钥文件路径（为空则使用临时身份）")
	connectAddr  = flag.String("connect", "", "启动后主动连接的地址（可选，跳过发现直接建连）")

	groupAddr        = flag.String("group", "", "组播发现组地址（为空使用默认）")
	noDiscovery      = flag.Bool("no-discovery", false, "禁用组播发现")
	announceInterval = flag.Duration("announce-interval", 0, "发现通告间隔（0 使用默认）")

	probeInterval = flag.Duration("probe-interval", 0, "健康探测间隔（0 使用默认）")
	probeTimeout  = flag.Duration("probe-timeout", 0, "单次探测超时（0 使用默认）")
	failThreshold = flag.Int("fail-threshold", 0, "判定不健康的连续超时次数（0 使用默认）")

	verbose     = flag.Bool("verbose", false, "输出调试日志")
	showVersion = flag.Bool("version", false, "显示版本信息")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	if *showVersion {
		fmt.Printf("lanshare v%s\n", version)
		return nil
	}

	if *verbose {
		log.SetLevel(slog.LevelDebug)
	} else {
		log.SetLevel(slog.LevelWarn)
	}

	node, err := lanshare.New(buildOptions()...)
	if err != nil {
		return fmt.Errorf("创建节点失败: %w", err)
	}

	events := node.Subscribe()

	if err := node.Start(); err != nil {
		return fmt.Errorf("启动失败: %w", err)
	}
	defer func() { _ = node.Close() }()

	fmt.Printf("本地节点: %s\n", node.ID())
	fmt.Printf("监听地址: %s\n", node.ListenAddr())

	if *connectAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		peer, err := node.Connect(ctx, *connectAddr)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "连接 %s 失败: %v\n", *connectAddr, err)
		} else {
			fmt.Printf("已连接: %s\n", peer.ShortString())
		}
	}

	fmt.Println("节点已启动，按 Ctrl+C 退出")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			printEvent(evt)
		case <-sigCh:
			fmt.Println("\n正在关闭节点...")
			return nil
		}
	}
}

// buildOptions 将命令行参数转为节点选项
func buildOptions() []lanshare.Option {
	opts := []lanshare.Option{
		lanshare.WithListenAddr(*listenAddr),
	}
	if *identityFile != "" {
		opts = append(opts, lanshare.WithIdentityFile(*identityFile))
	}
	if *noDiscovery {
		opts = append(opts, lanshare.WithDiscovery(false))
	}
	if *groupAddr != "" {
		opts = append(opts, lanshare.WithDiscoveryGroup(*groupAddr))
	}
	if *announceInterval > 0 {
		opts = append(opts, lanshare.WithAnnounceInterval(*announceInterval))
	}
	if *probeInterval > 0 {
		opts = append(opts, lanshare.WithProbeInterval(*probeInterval))
	}
	if *probeTimeout > 0 {
		opts = append(opts, lanshare.WithProbeTimeout(*probeTimeout))
	}
	if *failThreshold > 0 {
		opts = append(opts, lanshare.WithFailThreshold(*failThreshold))
	}
	return opts
}

// printEvent 将事件打印为单行可读形式
func printEvent(evt lanshare.Event) {
	id := evt.Peer().ShortString()
	switch e := evt.(type) {
	case lanshare.EvtPeerDiscovered:
		fmt.Printf("peer discovered: %s @ %v\n", id, e.Addrs)
	case lanshare.EvtConnectionEstablished:
		fmt.Printf("connection established: %s @ %s (%s)\n", id, e.RemoteAddr, e.Direction)
	case lanshare.EvtPeerIdentified:
		fmt.Printf("peer identified: %s agent=%s protocols=%v\n",
			id, e.Metadata.AgentVersion, e.Metadata.Protocols)
	case lanshare.EvtProbeResult:
		if e.Timeout {
			fmt.Printf("probe timeout: %s fails=%d\n", id, e.Fails)
		} else {
			fmt.Printf("probe ok: %s rtt=%s\n", id, e.RTT)
		}
	case lanshare.EvtConnectionClosed:
		fmt.Printf("connection closed: %s reason=%s\n", id, e.Reason)
	default:
		fmt.Printf("%s: %s\n", evt.Type(), id)
	}
}
