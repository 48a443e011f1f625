package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aeolun/tricklobby/pkg/client"
	"github.com/aeolun/tricklobby/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

// defaultUsernameWords is used when no -words file is given.
var defaultUsernameWords = []string{
	"amber", "badger", "cobalt", "dune", "ember", "falcon", "glacier", "harbor",
	"indigo", "juniper", "kestrel", "lantern", "meadow", "nebula", "orchid", "pepper",
	"quartz", "raven", "saffron", "thistle", "umber", "velvet", "willow", "xenon",
	"yarrow", "zephyr", "basalt", "cinder", "drift", "fennel", "garnet", "hollow",
}

// loadWords reads one word per line, keeping only those usable in a
// display name.
func loadWords(path string) ([]string, error) {
	if path == "" {
		return defaultUsernameWords, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read words: %w", err)
	}
	var words []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && isNameSafe(line) {
			words = append(words, line)
		}
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("%s has no usable words", path)
	}
	return words, nil
}

func isNameSafe(s string) bool {
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return false
		}
	}
	return true
}

// generateUsername combines a 3-6 character fragment from the start of two
// random words.
func generateUsername(words []string, rng *rand.Rand) string {
	fragment := func(word string) string {
		n := len(word)
		if n > 6 {
			n = 3 + rng.Intn(4)
		} else if n > 3 {
			n = 3
		}
		return word[:n]
	}

	username := strings.ToLower(fragment(words[rng.Intn(len(words))]) + fragment(words[rng.Intn(len(words))]))
	if len(username) < 3 {
		username += "user"
	}
	if len(username) > 20 {
		username = username[:20]
	}
	return username
}

func randomChat(rng *rand.Rand) string {
	wordCount := 5 + rng.Intn(16)
	words := make([]string, wordCount)
	for i := range words {
		words[i] = loremWords[rng.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

type dialFunc func(ctx context.Context) (*client.Client, error)

// BotClient is one simulated lobby member.
type BotClient struct {
	id       int
	nickname string
	dial     dialFunc
	words    []string
	rng      *rand.Rand
	stats    *Stats
	log      *logrus.Entry

	c *client.Client
}

func NewBotClient(id int, dial dialFunc, words []string, stats *Stats) *BotClient {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
	return &BotClient{
		id:    id,
		dial:  dial,
		words: words,
		rng:   rng,
		stats: stats,
		log:   logrus.WithField("bot", id),
	}
}

const joinAttempts = 3

// Connect dials and joins. A taken name is retried with a fresh one; the
// last attempt appends the bot id so it cannot collide with another bot.
func (bc *BotClient) Connect(ctx context.Context) error {
	c, err := bc.dial(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "refused connection") {
			bc.stats.connectRefused.Add(1)
		} else {
			bc.stats.connectDialFailed.Add(1)
		}
		return err
	}

	for attempt := 1; ; attempt++ {
		bc.nickname = generateUsername(bc.words, bc.rng)
		if attempt == joinAttempts {
			suffix := fmt.Sprintf("%d", bc.id)
			if len(bc.nickname)+len(suffix) > 20 {
				bc.nickname = bc.nickname[:20-len(suffix)]
			}
			bc.nickname += suffix
		}

		joinCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err = c.Join(joinCtx, bc.nickname, protocol.RolePlayer, "")
		cancel()
		if err == nil {
			break
		}
		if client.IsServerError(err, protocol.ErrKindInvalidArg) && attempt < joinAttempts {
			continue
		}
		if client.IsServerError(err, protocol.ErrKindInvalidArg) {
			bc.stats.connectNameRejected.Add(1)
		} else {
			bc.stats.connectJoinFailed.Add(1)
		}
		c.Close()
		return fmt.Errorf("join as %q: %w", bc.nickname, err)
	}

	bc.c = c
	bc.log = bc.log.WithField("name", bc.nickname)
	go bc.drainEvents()
	return nil
}

func (bc *BotClient) drainEvents() {
	for msg := range bc.c.Events() {
		switch b := msg.Body.(type) {
		case protocol.Broadcast:
			bc.stats.broadcastsReceived.Add(1)
		case protocol.Disconnect:
			bc.log.WithField("reason", b.Reason).Info("disconnected by server")
		}
	}
}

func (bc *BotClient) classify(err error) {
	var se *client.ServerError
	switch {
	case errors.As(err, &se):
		bc.log.WithField("kind", se.Kind).WithError(err).Debug("chat rejected")
		bc.stats.recordServerError()
	case errors.Is(err, context.DeadlineExceeded):
		bc.stats.recordTimeout()
	default:
		bc.stats.recordDisconnection()
	}
}

func (bc *BotClient) PostRandomMessage(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	if _, err := bc.c.Command(ctx, "chat", map[string]string{"text": randomChat(bc.rng)}); err != nil {
		bc.classify(err)
		return err
	}
	bc.stats.recordSuccess(time.Since(start).Microseconds())
	return nil
}

func (bc *BotClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	if _, err := bc.c.Command(ctx, "ping", nil); err != nil {
		return err
	}
	bc.stats.recordPing(time.Since(start).Microseconds())
	return nil
}

// Run posts chat at random intervals until duration elapses or ctx ends,
// then leaves after shutdownDelay.
func (bc *BotClient) Run(ctx context.Context, duration, minDelay, maxDelay, shutdownDelay, heartbeat time.Duration, disconnectTimes chan<- time.Time) {
	defer func() {
		bc.stats.eventsDropped.Add(int64(bc.c.DroppedEvents()))
		bc.c.Close()
		select {
		case disconnectTimes <- time.Now():
		default:
		}
	}()

	if heartbeat > 0 {
		stop := bc.c.StartHeartbeat(heartbeat)
		defer stop()
	}

	endTime := time.Now().Add(duration)
	iteration := 0
	for time.Now().Before(endTime) {
		iteration++
		if err := bc.PostRandomMessage(ctx); err != nil && bc.c.Err() != nil {
			bc.log.WithError(bc.c.Err()).Warn("connection lost")
			return
		}
		if iteration%3 == 0 {
			_ = bc.Ping(ctx)
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(bc.rng.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		case <-bc.c.Done():
			return
		}
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		select {
		case <-time.After(shutdownDelay):
		case <-ctx.Done():
		}
	}

	leaveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bc.c.Leave(leaveCtx); err != nil {
		bc.log.WithError(err).Debug("leave failed")
	}
}
