package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"

	kit "releasebot/internal/transport"
	logx "releasebot/pkg/logx"
)

type menuCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// menuPayload builds the setMyCommands body (max 100 entries, 256-byte
// descriptions) and its content hash.
func menuPayload(cmds []kit.BotCommand) ([]menuCommand, uint64) {
	h := fnv.New64a()
	out := make([]menuCommand, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		out = append(out, menuCommand{Command: c.Command, Description: d})
		h.Write([]byte(c.Command + "\x00" + d + "\x00"))
		if len(out) == 100 {
			break
		}
	}
	return out, h.Sum64()
}

// UpdateMenuCommands publishes the command list via setMyCommands. Unchanged
// lists are not re-sent.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	list, sum := menuPayload(cmds)
	if sum == a.menuHash {
		return nil
	}
	body, err := json.Marshal(map[string]any{"commands": list})
	if err != nil {
		return err
	}
	url := a.cfg.APIURL + "/bot" + a.cfg.Token + "/setMyCommands"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("setMyCommands: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode/100 != 2 || !out.OK {
		return fmt.Errorf("setMyCommands: %s (code=%d http=%d)", out.Description, out.ErrorCode, resp.StatusCode)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}
