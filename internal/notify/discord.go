package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"
)

// discordMaxContent is the message length limit enforced by the API.
const discordMaxContent = 2000

// DiscordError is the error body returned by the Discord API.
type DiscordError struct {
	Message    string `json:"message"`
	Code       int    `json:"code"`
	StatusCode int    `json:"-"`
}

func (e *DiscordError) Error() string {
	return fmt.Sprintf("discord: %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

// Discord posts messages as a bot. A destination is either a channel id or
// a text channel name, looked up across every guild the bot belongs to.
type Discord struct {
	token   string
	apiBase string
	http    *http.Client

	mu       sync.Mutex
	channels map[string]string // name -> id
}

func NewDiscord(token, apiBase string, hc *http.Client) *Discord {
	if apiBase == "" {
		apiBase = "https://discord.com/api/v10"
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Discord{
		token:    token,
		apiBase:  strings.TrimRight(apiBase, "/"),
		http:     hc,
		channels: make(map[string]string),
	}
}

func (d *Discord) Deliver(ctx context.Context, destination, text string) error {
	channelID, err := d.resolveChannel(ctx, destination)
	if err != nil {
		return err
	}
	body := map[string]string{"content": truncate(text, discordMaxContent)}
	return d.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/messages", body, nil)
}

type discordGuild struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type discordChannel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type int    `json:"type"`
}

const discordGuildText = 0

func (d *Discord) resolveChannel(ctx context.Context, destination string) (string, error) {
	destination = strings.TrimPrefix(strings.TrimSpace(destination), "#")
	if _, err := strconv.ParseUint(destination, 10, 64); err == nil {
		return destination, nil
	}

	d.mu.Lock()
	id, ok := d.channels[destination]
	d.mu.Unlock()
	if ok {
		return id, nil
	}

	var guilds []discordGuild
	if err := d.do(ctx, http.MethodGet, "/users/@me/guilds", nil, &guilds); err != nil {
		return "", fmt.Errorf("discord: listing guilds: %w", err)
	}
	for _, g := range guilds {
		var channels []discordChannel
		if err := d.do(ctx, http.MethodGet, "/guilds/"+url.PathEscape(g.ID)+"/channels", nil, &channels); err != nil {
			return "", fmt.Errorf("discord: listing channels of %s: %w", g.Name, err)
		}
		for _, c := range channels {
			if c.Type == discordGuildText && c.Name == destination {
				d.mu.Lock()
				d.channels[destination] = c.ID
				d.mu.Unlock()
				return c.ID, nil
			}
		}
	}
	return "", fmt.Errorf("discord: no text channel named %q in %d guilds", destination, len(guilds))
}

func (d *Discord) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("discord: encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.apiBase+path, reader)
	if err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+d.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("discord: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("discord: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		derr := &DiscordError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, derr) != nil || derr.Message == "" {
			derr.Message = strings.TrimSpace(string(data))
		}
		return derr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("discord: decoding response: %w", err)
	}
	return nil
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-1]) + "…"
}
