// Command loadtest runs many concurrent lobby clients that join, chat and
// ping, and reports throughput and latency.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aeolun/tricklobby/pkg/client"
)

func initLogging(debug bool) error {
	// Truncate on each run to avoid confusion
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	logrus.SetOutput(io.MultiWriter(os.Stdout, logFile))
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	return nil
}

func main() {
	serverAddr := flag.String("server", "localhost:7420", "Server TCP address (host:port)")
	wsURL := flag.String("ws", "", "Connect over WebSocket to this URL instead of TCP (e.g. ws://localhost:7421/ws)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between chats")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between chats")
	heartbeat := flag.Duration("heartbeat", 3*time.Second, "Heartbeat interval (0 disables)")
	wordsPath := flag.String("words", "", "File with one word per line for username generation")
	debug := flag.Bool("debug", false, "Log every failed request")
	flag.Parse()

	if err := initLogging(*debug); err != nil {
		logrus.WithError(err).Fatal("failed to initialize logging")
	}
	if *numClients <= 0 {
		logrus.Fatal("-clients must be positive")
	}
	if *maxDelay < *minDelay {
		logrus.Fatal("-max-delay must not be below -min-delay")
	}

	words, err := loadWords(*wordsPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load words")
	}

	dial := func(ctx context.Context) (*client.Client, error) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if *wsURL != "" {
			return client.DialWebSocket(ctx, *wsURL, client.Options{})
		}
		return client.Dial(ctx, *serverAddr, client.Options{})
	}

	// Ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	target := *serverAddr
	if *wsURL != "" {
		target = *wsURL
	}
	logrus.WithFields(logrus.Fields{
		"server":    target,
		"clients":   *numClients,
		"duration":  *duration,
		"ramp_up":   rampUpDuration,
		"stagger":   staggerDelay,
		"min_delay": *minDelay,
		"max_delay": *maxDelay,
	}).Info("starting load test")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := &Stats{}
	var wg sync.WaitGroup

	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				snap := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				logrus.WithFields(logrus.Fields{
					"posted":     snap.posted,
					"rate":       float64(snap.posted) / elapsed,
					"failed":     snap.failed,
					"conn_errs":  snap.connErrors,
					"avg_ms":     snap.avgResponseUs / 1000.0,
					"ping_ms":    snap.avgPingUs / 1000.0,
					"received":   snap.received,
					"load":       getCPULoad(),
					"goroutines": runtime.NumGoroutine(),
				}).Info("stats")
			case <-stopStats:
				return
			}
		}
	}()

	var firstConnect, lastConnect, firstDisconnect, lastDisconnect atomic.Pointer[time.Time]
	record := func(first, last *atomic.Pointer[time.Time], t time.Time) {
		first.CompareAndSwap(nil, &t)
		last.Store(&t)
	}
	connectTimes := make(chan time.Time, *numClients)
	disconnectTimes := make(chan time.Time, *numClients)
	var trackers sync.WaitGroup
	trackers.Add(2)
	go func() {
		defer trackers.Done()
		for t := range connectTimes {
			record(&firstConnect, &lastConnect, t)
		}
	}()
	go func() {
		defer trackers.Done()
		for t := range disconnectTimes {
			record(&firstDisconnect, &lastDisconnect, t)
		}
	}()

	rampUpStart := time.Now()
spawn:
	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot := NewBotClient(id, dial, words, stats)
			if err := bot.Connect(ctx); err != nil {
				stats.recordConnectionError()
				logrus.WithField("bot", id).WithError(err).Debug("connect failed")
				return
			}
			stats.successfulClients.Add(1)

			select {
			case connectTimes <- time.Now():
			default:
			}

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				bot.log.Info("connected")
			}

			bot.Run(ctx, *duration, *minDelay, *maxDelay, shutdownDelay, *heartbeat, disconnectTimes)
		}(i, shutdownDelay)

		select {
		case <-time.After(staggerDelay):
		case <-ctx.Done():
			logrus.Info("shutdown signal received, stopping test")
			break spawn
		}
	}

	wg.Wait()
	close(stopStats)
	close(connectTimes)
	close(disconnectTimes)
	trackers.Wait()

	if first, last := firstConnect.Load(), lastConnect.Load(); first != nil {
		logrus.WithFields(logrus.Fields{
			"expected": rampUpDuration.Round(time.Second),
			"took":     last.Sub(*first).Round(time.Second),
			"first":    first.Sub(rampUpStart).Round(time.Millisecond),
			"last":     last.Sub(rampUpStart).Round(time.Millisecond),
		}).Info("ramp-up timing")
	}
	if first, last := firstDisconnect.Load(), lastDisconnect.Load(); first != nil {
		logrus.WithFields(logrus.Fields{
			"expected": rampUpDuration.Round(time.Second),
			"took":     last.Sub(*first).Round(time.Second),
		}).Info("ramp-down timing")
	}

	snap := stats.snapshot()
	successfulClients := stats.successfulClients.Load()
	avgDelay := (*minDelay + *maxDelay) / 2
	expectedPerClient := 0.0
	if avgDelay > 0 {
		expectedPerClient = float64(*duration) / float64(avgDelay)
	}
	expectedTotal := expectedPerClient * float64(successfulClients)
	efficiency := 0.0
	if expectedTotal > 0 {
		efficiency = float64(snap.posted) / expectedTotal * 100
	}
	successRate := 0.0
	if snap.posted+snap.failed > 0 {
		successRate = float64(snap.posted) / float64(snap.posted+snap.failed) * 100
	}

	logrus.WithFields(logrus.Fields{
		"attempted":  *numClients,
		"successful": successfulClients,
		"duration":   *duration,
		"posted":     snap.posted,
		"rate":       float64(snap.posted) / duration.Seconds(),
		"avg_ms":     snap.avgResponseUs / 1000.0,
		"ping_ms":    snap.avgPingUs / 1000.0,
		"received":   snap.received,
		"dropped":    stats.eventsDropped.Load(),
		"efficiency": efficiency,
		"success":    successRate,
	}).Info("final results")
	logrus.WithFields(logrus.Fields{
		"failed":         snap.failed,
		"server_errors":  stats.serverErrors.Load(),
		"timeouts":       stats.timeouts.Load(),
		"disconnections": stats.disconnections.Load(),
	}).Info("chat failures")
	if snap.connErrors > 0 {
		logrus.WithFields(logrus.Fields{
			"total":         snap.connErrors,
			"dial_failed":   stats.connectDialFailed.Load(),
			"refused":       stats.connectRefused.Load(),
			"name_rejected": stats.connectNameRejected.Load(),
			"join_failed":   stats.connectJoinFailed.Load(),
		}).Warn("connection errors")
	}
}
