package mock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/assistant-chat/realtime/internal/client"
	"go.uber.org/zap"
)

// participant is the slice of client.Manager a bot drives.
type participant interface {
	Connect(ctx context.Context) error
	Disconnect()
	SendTyping() bool
	SendMessage(payload any) bool
	SendPresence(payload any) bool
}

type mockBot struct {
	name    string
	pattern string
	lines   []string
	lineIdx int
	conn    participant

	sent    int
	offline bool
}

type persona struct {
	name    string
	pattern string
	lines   []string
}

var personas = []persona{
	{name: "ada", pattern: "chatty", lines: []string{
		"morning all", "anyone seen the latest build?", "pushing a fix now", "ok that worked",
	}},
	{name: "grace", pattern: "typist", lines: []string{
		"let me think about this for a second", "right, so the retry budget is three attempts",
		"and the cap is fifteen seconds",
	}},
	{name: "linus", pattern: "lurker"},
	{name: "margaret", pattern: "flaky", lines: []string{
		"on a train, signal is spotty", "back again", "lost you for a moment",
	}},
	{name: "ken", pattern: "chatty", lines: []string{
		"+1", "lgtm", "shipping it",
	}},
}

// Config describes where bots connect.
type Config struct {
	// URL is the room endpoint, e.g. ws://127.0.0.1:8080/rooms/lobby/ws.
	URL   string
	Count int
	Tick  time.Duration
	// Token is sent by every bot when the server requires one.
	Token string
}

// Generator runs simulated participants against a room, each through its
// own connection manager.
type Generator struct {
	cfg    Config
	logger *zap.Logger

	newParticipant func(name string) (participant, error)

	mu   sync.Mutex
	bots []*mockBot
	wg   sync.WaitGroup
}

func NewGenerator(cfg Config, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 500 * time.Millisecond
	}
	g := &Generator{cfg: cfg, logger: logger.Named("mock")}
	g.newParticipant = g.dialParticipant
	return g
}

func (g *Generator) dialParticipant(name string) (participant, error) {
	u, err := url.Parse(g.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse mock url: %w", err)
	}
	q := u.Query()
	q.Set("user", name)
	u.RawQuery = q.Encode()

	return client.New(client.Options{
		URL:    u.String(),
		Token:  g.cfg.Token,
		Logger: g.logger.With(zap.String("bot", name)),
	})
}

// botName cycles through the persona table, suffixing repeats.
func botName(i int) persona {
	p := personas[i%len(personas)]
	if round := i / len(personas); round > 0 {
		p.name = fmt.Sprintf("%s-%d", p.name, round+1)
	}
	return p
}

// Start connects Count bots and drives them until ctx is done. Bots whose
// first connect fails are still driven; their managers keep retrying.
func (g *Generator) Start(ctx context.Context) error {
	if g.cfg.Count <= 0 {
		return errors.New("mock: count must be positive")
	}

	bots := make([]*mockBot, 0, g.cfg.Count)
	for i := 0; i < g.cfg.Count; i++ {
		p := botName(i)
		conn, err := g.newParticipant(p.name)
		if err != nil {
			return err
		}
		b := &mockBot{name: p.name, pattern: p.pattern, lines: p.lines, conn: conn}
		if err := conn.Connect(ctx); err != nil {
			g.logger.Warn("bot connect failed", zap.String("bot", b.name), zap.Error(err))
		}
		bots = append(bots, b)
	}

	g.mu.Lock()
	g.bots = bots
	g.mu.Unlock()

	g.wg.Add(1)
	go g.run(ctx)
	return nil
}

// Wait blocks until the run loop has exited and every bot is disconnected.
func (g *Generator) Wait() {
	g.wg.Wait()
}

func (g *Generator) run(ctx context.Context) {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.Tick)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			g.stop()
			return
		case <-ticker.C:
			tick++
			g.step(ctx, tick)
		}
	}
}

func (g *Generator) step(ctx context.Context, tick int) {
	g.mu.Lock()
	bots := g.bots
	g.mu.Unlock()

	for i, b := range bots {
		// Stagger bots so they do not all speak on the same tick.
		g.advance(ctx, b, tick+i)
	}
}

func (g *Generator) stop() {
	g.mu.Lock()
	bots := g.bots
	g.bots = nil
	g.mu.Unlock()

	for _, b := range bots {
		b.conn.Disconnect()
	}
}

func (g *Generator) advance(ctx context.Context, b *mockBot, tick int) {
	switch b.pattern {
	case "chatty":
		g.advanceChatty(b, tick)
	case "typist":
		g.advanceTypist(b, tick)
	case "lurker":
		g.advanceLurker(b, tick)
	case "flaky":
		g.advanceFlaky(ctx, b, tick)
	}
}

func (b *mockBot) nextLine() string {
	if len(b.lines) == 0 {
		return "..."
	}
	line := b.lines[b.lineIdx%len(b.lines)]
	b.lineIdx++
	return line
}

func (b *mockBot) say() {
	if b.conn.SendMessage(map[string]string{"text": b.nextLine()}) {
		b.sent++
	}
}

// Types for one tick, speaks two ticks later; a short cycle with jitter.
func (g *Generator) advanceChatty(b *mockBot, tick int) {
	switch tick % 6 {
	case 1:
		b.conn.SendTyping()
	case 3:
		b.say()
	case 5:
		if rand.Intn(4) == 0 {
			b.conn.SendTyping()
		}
	}
}

// Keeps typing for a long stretch before each message.
func (g *Generator) advanceTypist(b *mockBot, tick int) {
	phase := tick % 12
	switch {
	case phase < 8:
		b.conn.SendTyping()
	case phase == 8:
		b.say()
	}
}

// Only refreshes presence.
func (g *Generator) advanceLurker(b *mockBot, tick int) {
	if tick%20 == 0 {
		b.conn.SendPresence(map[string]string{"status": "idle"})
	}
}

// Chatty, but drops off for a while every 40 ticks.
func (g *Generator) advanceFlaky(ctx context.Context, b *mockBot, tick int) {
	const cyclePeriod = 40
	phase := tick % cyclePeriod

	switch {
	case phase == 30 && !b.offline:
		b.offline = true
		b.conn.Disconnect()
		return
	case phase == 0 && b.offline:
		b.offline = false
		if err := b.conn.Connect(ctx); err != nil {
			g.logger.Debug("flaky bot reconnect failed", zap.String("bot", b.name), zap.Error(err))
		}
		b.conn.SendPresence(map[string]string{"status": "back"})
		return
	}
	if b.offline {
		return
	}
	g.advanceChatty(b, tick)
}

// Names returns the bot user ids, for logging.
func (g *Generator) Names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.bots))
	for _, b := range g.bots {
		out = append(out, b.name)
	}
	return out
}

// LogStarted logs the running bots.
func (g *Generator) LogStarted() {
	names := g.Names()
	g.logger.Info("mock participants running",
		zap.Int("count", len(names)),
		zap.String("bots", strings.Join(names, ", ")))
}
