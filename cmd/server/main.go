package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/undermoon-go/proxy/internal/backend"
	"github.com/undermoon-go/proxy/internal/cluster"
	"github.com/undermoon-go/proxy/internal/metrics"
	"github.com/undermoon-go/proxy/internal/protocol"
)

const version = "0.1.0"

var (
	addr            = flag.String("addr", ":6379", "client-facing listen address")
	selfProxy       = flag.String("proxy-addr", "127.0.0.1:6379", "this proxy's own address, as named in UMCTL SETDB/SETREPL")
	metricsAddr     = flag.String("metrics-addr", ":9469", "Prometheus /metrics listen address")
	migrateRate     = flag.Int("migrate-rate", 2000, "migration scan rate, keys per second per in-flight range")
	migrateByteRate = flag.Int64("migrate-rate-bytes", 50<<20, "migration payload rate, bytes per second per in-flight range")

	// CLI flags for the raw RESP debug client.
	cliMode = flag.Bool("cli", false, "run a one-shot RESP command against a running proxy and exit")
	cliHost = flag.String("h", "127.0.0.1", "server host (CLI mode)")
	cliPort = flag.Int("p", 6379, "server port (CLI mode)")
)

func main() {
	flag.Parse()

	if *cliMode {
		runCLI(*cliHost, *cliPort, flag.Args())
		return
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	metrics.InitInfo(version, runtime.Version(), runtime.GOOS, runtime.GOARCH)

	store := cluster.NewStore()
	pool := backend.NewPool(logger)
	migration := cluster.NewEngine(pool, logger, *migrateRate, *migrateByteRate)
	control := cluster.NewHandler(store, *selfProxy, migration)
	server := protocol.NewServer(*addr, store, control, pool, logger)

	exporter := metrics.NewExporter(*metricsAddr)
	go func() {
		if err := exporter.Start(); err != nil {
			logger.Warn("metrics exporter stopped", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("proxy listening", zap.String("addr", *addr), zap.String("self", *selfProxy))
		if err := server.ListenAndServe(); err != nil {
			logger.Fatal("server stopped", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	_ = exporter.Stop()
	pool.Close()
}

func runCLI(host string, port int, args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: proxy -cli -h <host> -p <port> <command> [args...]")
		os.Exit(1)
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		fmt.Printf("Error connecting to %s:%d: %v\n", host, port, err)
		os.Exit(1)
	}
	defer conn.Close()

	var req strings.Builder
	req.WriteString(fmt.Sprintf("*%d\r\n", len(args)))
	for _, arg := range args {
		req.WriteString(fmt.Sprintf("$%d\r\n%s\r\n", len(arg), arg))
	}

	if _, err := conn.Write([]byte(req.String())); err != nil {
		fmt.Printf("Error sending request: %v\n", err)
		os.Exit(1)
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		fmt.Printf("Error reading response: %v\n", err)
		os.Exit(1)
	}

	fmt.Print(string(buf[:n]))
}
