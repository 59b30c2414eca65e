package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kcp-multicast/internal/announce"
	"kcp-multicast/internal/logger"
	"kcp-multicast/internal/perf"
)

func main() {
	announcement := flag.String("announce", "", "Announcement line, e.g. MULTICAST:239.255.0.1:30001:1 (empty = read one line from stdin)")
	logLevelRaw := flag.String("log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	flag.Parse()

	level, err := logger.ParseLevel(*logLevelRaw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	log := logger.New(level)

	body := *announcement
	if body == "" {
		log.Info("waiting for announcement on stdin")
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			log.Fatal("no announcement received")
		}
		body = scanner.Text()
	}

	stats := &perf.Stats{}
	joiner := announce.NewAutoJoiner(func(groupID uint32, payload []byte) {
		stats.Add(len(payload))
		log.Debug("group %d delivered %d bytes", groupID, len(payload))
	}, log)

	if !joiner.HandleUnicast([]byte(body)) {
		log.Fatal("not an announcement: %q", body)
	}
	if joiner.Receiver() == nil {
		log.Fatal("join failed for %q", body)
	}
	defer joiner.Stop()

	stop := make(chan struct{})
	go stats.Run(log, "received", time.Second, stop)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	close(stop)
}
