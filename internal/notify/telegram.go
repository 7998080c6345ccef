package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"subwatch/internal/config"
	"subwatch/internal/snapshot"
	"subwatch/pkg/logx"
)

// Telegram delivers through the Bot API. Bots are cached per token because
// several targets commonly share one bot.
type Telegram struct {
	defaultToken string
	log          logx.Logger

	mu   sync.Mutex
	bots map[string]*tele.Bot
}

func NewTelegram(defaultToken string, log logx.Logger) *Telegram {
	return &Telegram{
		defaultToken: defaultToken,
		log:          log.With(logx.String("channel", "telegram")),
		bots:         map[string]*tele.Bot{},
	}
}

func (t *Telegram) Platform() string { return "telegram" }

func (t *Telegram) bot(token string) (*tele.Bot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.bots[token]; ok {
		return b, nil
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  token,
		Client: &http.Client{Timeout: 30 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	t.bots[token] = b
	return b, nil
}

// username is a Recipient for "@channelname" style targets.
type username string

func (u username) Recipient() string { return string(u) }

func (t *Telegram) Deliver(ctx context.Context, target Target, ev snapshot.Event) error {
	token := t.defaultToken
	if raw, ok := paramString(target.Params, "token"); ok {
		resolved, err := config.ResolveSecretParam(raw)
		if err != nil {
			return err
		}
		token = resolved
	}
	if token == "" {
		return errors.New("no telegram token available")
	}
	b, err := t.bot(token)
	if err != nil {
		return err
	}

	var to tele.Recipient
	if id, ok := paramInt64(target.Params, "id"); ok {
		to = tele.ChatID(id)
	} else if name, ok := paramString(target.Params, "username"); ok {
		if !strings.HasPrefix(name, "@") {
			name = "@" + name
		}
		to = username(name)
	} else {
		return errors.New(`telegram target has neither "id" nor "username"`)
	}

	opts := &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: ev.Kind != snapshot.EventLiveStarted,
	}
	if threadID, ok := paramInt64(target.Params, "thread_id"); ok {
		opts.ThreadID = int(threadID)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	_, err = b.Send(to, Render(ev).HTML, opts)
	return err
}
