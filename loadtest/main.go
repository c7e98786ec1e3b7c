package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"studychat/internal/chat"
	"studychat/internal/client"
	"studychat/internal/presence"
	"studychat/internal/user"
)

var (
	baseURL   = flag.String("base", "http://localhost:8080", "server base URL")
	pairCount = flag.Int("pairs", 250, "number of two-user rooms")
	msgCount  = flag.Int("messages", 20, "messages per user")
	timeout   = flag.Duration("timeout", 60*time.Second, "how long to wait for delivery")
)

var (
	sent      atomic.Int64
	delivered atomic.Int64
	failures  atomic.Int64
)

func main() {
	flag.Parse()
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()
	log := logger.Sugar()

	log.Infof("🔥 STARTING STRESS TEST: %d users in %d rooms, %d messages each", *pairCount*2, *pairCount, *msgCount)
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(log, pairID)
		}(i)
	}
	wg.Wait()

	log.Infof("✅ LOAD TEST COMPLETE in %s: sent=%d delivered=%d failures=%d",
		time.Since(start).Round(time.Millisecond), sent.Load(), delivered.Load(), failures.Load())
}

func runPair(log *zap.SugaredLogger, pairID int) {
	room := fmt.Sprintf("load-%d", pairID)
	users := []string{fmt.Sprintf("u_%d_a", pairID), fmt.Sprintf("u_%d_b", pairID)}

	var wg sync.WaitGroup
	for _, name := range users {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := spamChat(log, name, room); err != nil {
				failures.Add(1)
				log.Warnf("❌ %s: %v", name, err)
			}
		}(name)
	}
	wg.Wait()
}

// counter is a headless renderer that only counts chat messages.
type counter struct {
	got  atomic.Int64
	want int64
	done chan struct{}
	once sync.Once
}

func (c *counter) History(string, []chat.Message) {}
func (c *counter) Roster([]presence.OnlineUser)   {}
func (c *counter) Typing(string)                  {}
func (c *counter) StoppedTyping()                 {}
func (c *counter) Error(chat.ErrorPayload)        { failures.Add(1) }
func (c *counter) Status(bool)                    {}
func (c *counter) AtBottom() bool                 { return true }

func (c *counter) Message(chat.Message, bool) {
	delivered.Add(1)
	if c.got.Add(1) >= c.want {
		c.once.Do(func() { close(c.done) })
	}
}

func spamChat(log *zap.SugaredLogger, username, room string) error {
	const password = "password123"

	// Register (ignore error, might already exist) and login
	postJSON("/register", user.RegisterRequest{Username: username, Password: password}, nil)
	var me user.LoginResponse
	cookie, err := postJSON("/login", user.RegisterRequest{Username: username, Password: password}, &me)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	view := &counter{want: int64(*msgCount * 2), done: make(chan struct{})}
	header := http.Header{}
	header.Set("Cookie", cookie)
	d := client.New(client.Config{
		URL:      "ws" + strings.TrimPrefix(*baseURL, "http") + "/ws",
		Header:   header,
		UserID:   me.ID,
		Username: me.Username,
	}, view)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	go d.Run(ctx)
	defer d.Close()

	if err := d.Join(room); err != nil {
		return err
	}
	time.Sleep(200 * time.Millisecond)

	for i := 0; i < *msgCount; i++ {
		d.Keystroke(room)
		if err := d.Send(room, fmt.Sprintf("LoadTest Msg %d from %s", i, username)); err != nil {
			return fmt.Errorf("send %d: %w", i, err)
		}
		sent.Add(1)
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-view.done:
		log.Debugf("✅ %s received all %d msgs", username, view.want)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("received %d of %d messages", view.got.Load(), view.want)
	}
}

// postJSON posts data and returns the session cookie the server set, if any.
func postJSON(endpoint string, data, out any) (string, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	resp, err := http.Post(*baseURL+endpoint, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%s: status %d", endpoint, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return "", err
		}
	}
	if cookies := resp.Cookies(); len(cookies) > 0 {
		return cookies[0].Name + "=" + cookies[0].Value, nil
	}
	return "", nil
}
