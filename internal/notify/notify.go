// Package notify sends a block-found alert to Discord and/or Telegram
// webhooks, the only pool event worth paging a human operator about.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pooldance/pool-dance/internal/config"
	"github.com/pooldance/pool-dance/internal/logging"
)

const (
	maxRetries     = 3
	retryBaseDelay = 2 * time.Second
)

// Notifier sends block-found alerts per config.NotifyConfig.
type Notifier struct {
	cfg    config.NotifyConfig
	client *http.Client
}

// New builds a Notifier. A zero-value cfg (no webhook URLs configured)
// makes every Notify call a no-op.
func New(cfg config.NotifyConfig) *Notifier {
	return &Notifier{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}
}

// NotifyBlockFound alerts the configured webhooks that block was
// accepted upstream, crediting user with the find.
func (n *Notifier) NotifyBlockFound(block uint64, hash, user string) {
	if n.cfg.DiscordWebhookURL != "" {
		go n.sendDiscord(block, hash, user)
	}
	if n.cfg.TelegramBotToken != "" && n.cfg.TelegramChatID != "" {
		go n.sendTelegram(block, hash, user)
	}
}

type discordEmbed struct {
	Title  string         `json:"title"`
	Color  int            `json:"color"`
	Fields []discordField `json:"fields"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordMessage struct {
	Embeds []discordEmbed `json:"embeds"`
}

func (n *Notifier) sendDiscord(block uint64, hash, user string) {
	msg := discordMessage{
		Embeds: []discordEmbed{{
			Title: "Block Found!",
			Color: 0x00FF00,
			Fields: []discordField{
				{Name: "Height", Value: fmt.Sprintf("%d", block), Inline: true},
				{Name: "Finder", Value: user, Inline: true},
				{Name: "Hash", Value: truncateHash(hash)},
			},
		}},
	}

	body, err := json.Marshal(msg)
	if err != nil {
		logging.Warnf("marshal discord message: %v", err)
		return
	}
	n.postWithRetry(n.cfg.DiscordWebhookURL, body)
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (n *Notifier) sendTelegram(block uint64, hash, user string) {
	text := fmt.Sprintf("*Block Found!*\n\nHeight: `%d`\nFinder: `%s`\nHash: `%s`",
		block, user, truncateHash(hash))

	msg := telegramMessage{ChatID: n.cfg.TelegramChatID, Text: text, ParseMode: "Markdown"}
	body, err := json.Marshal(msg)
	if err != nil {
		logging.Warnf("marshal telegram message: %v", err)
		return
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.cfg.TelegramBotToken)
	n.postWithRetry(url, body)
}

// postWithRetry posts body to url up to maxRetries times with
// exponential backoff between attempts; a 429 adds a fixed 5s wait on
// top of the next attempt's backoff.
func (n *Notifier) postWithRetry(url string, body []byte) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBaseDelay * time.Duration(1<<uint(attempt-1)))
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			return
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			time.Sleep(5 * time.Second)
			continue
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		logging.Warnf("block-found notification to %s failed after %d attempts: %v", url, maxRetries, lastErr)
	}
}

func truncateHash(hash string) string {
	if len(hash) <= 20 {
		return hash
	}
	return hash[:10] + "..." + hash[len(hash)-8:]
}
