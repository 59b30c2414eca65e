package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"kcp-multicast/internal/announce"
	"kcp-multicast/internal/config"
	"kcp-multicast/internal/logger"
	"kcp-multicast/internal/mcast"
	"kcp-multicast/internal/netutil"
	"kcp-multicast/internal/perf"
	"kcp-multicast/internal/session"
)

// Unicast bodies with this prefix are fanned back out to the group.
const echoPrefix = "echo:"

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	addr := flag.String("addr", "", "Explicit multicast address (empty = allocate)")
	port := flag.Uint("port", 0, "Explicit multicast port (0 = allocate)")
	label := flag.String("label", "", "Derive the endpoint from this label instead of random allocation")
	sourceIP := flag.String("source-ip", "", "Local IP expected to carry the multicast traffic (diagnostic)")
	reliable := flag.Bool("reliable", false, "Send with sequence numbers, retransmission and ACK accounting")
	msgSize := flag.Int("msg-size", 1024, "Payload size in bytes")
	intervalMs := flag.Int("interval-ms", 100, "Delay between sends in milliseconds")
	logLevelRaw := flag.String("log-level", "", "Log level override (DEBUG, INFO, WARN, ERROR)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevelRaw != "" {
		cfg.LogLevel = *logLevelRaw
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
			os.Exit(1)
		}
	}

	log := logger.New(cfg.Level())

	if *sourceIP != "" {
		iface, addr, err := netutil.FindInterfaceByIP(*sourceIP)
		if err != nil {
			log.Fatal("source IP check failed: %v", err)
		}
		log.Info("multicast source %s is on interface %s", addr.String(), iface.Name)
	}

	opts, err := cfg.Options()
	if err != nil {
		log.Fatal("invalid multicast options: %v", err)
	}

	mgr := mcast.NewManager(opts, log)
	defer mgr.Stop()

	var groupID uint32
	switch {
	case *label != "":
		groupID, err = mgr.CreateLabeledGroup(*label)
	default:
		groupID, err = mgr.CreateGroup(*addr, uint16(*port))
	}
	if err != nil {
		log.Fatal("failed to create group: %v", err)
	}

	info, err := mgr.GroupInfo(groupID)
	if err != nil {
		log.Fatal("%v", err)
	}

	// Demo stand-in for the unicast layer: attaching a local connection
	// prints the announcement a real client would receive.
	sessions := session.NewLocal(log)
	announcer := announce.NewAnnouncer(mgr, sessions, log)
	conv := sessions.Attach(func(_ uuid.UUID, payload []byte) {
		fmt.Printf("%s\n", payload)
	})
	if err := announcer.OnAttach(conv, groupID, *reliable); err != nil {
		log.Fatal("%v", err)
	}
	log.Info("serving group %d at %s (reliable=%v)", groupID, info.Addr.String(), *reliable)

	stop := make(chan struct{})
	stats := &perf.Stats{}
	go stats.Run(log, "sent", time.Second, stop)

	// Unicast traffic from clients: echo:-prefixed bodies fan the remainder
	// back out to the group.
	sessions.SetInbound(func(_ uuid.UUID, payload []byte) {
		if !bytes.HasPrefix(payload, []byte(echoPrefix)) {
			return
		}
		body := payload[len(echoPrefix):]
		if *reliable {
			mgr.SendReliableToGroup(groupID, body)
		} else {
			mgr.SendToGroup(groupID, body)
		}
		stats.Add(len(body))
	})

	// Stdin stands in for the clients' unicast sends: each line is fed into
	// the session layer as if the attached client had sent it.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			sessions.Receive(conv, []byte(scanner.Text()))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	payload := make([]byte, *msgSize)
	for i := range payload {
		payload[i] = byte('A' + i%26)
	}

	ticker := time.NewTicker(time.Duration(*intervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sig:
			close(stop)
			return
		case <-ticker.C:
			if *reliable {
				mgr.SendReliableToGroup(groupID, payload)
			} else {
				mgr.SendToGroup(groupID, payload)
			}
			stats.Add(len(payload))
		}
	}
}
