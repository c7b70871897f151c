package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mcfleet/mcfleet/internal/gameserver"
)

// Dispatcher launches a worker for a server. The launch is fire-and-forget:
// the only acknowledgement a caller ever sees is the worker updating the
// server document once it comes up.
type Dispatcher interface {
	Launch(ctx context.Context, serverID string, flavor gameserver.Flavor) error
}

// Nop is used when workers are launched out of band (manual runs, external
// schedulers).
type Nop struct{}

func (Nop) Launch(context.Context, string, gameserver.Flavor) error { return nil }

// GitHub dispatches workers as workflow runs: one workflow file per flavor,
// the server id as the sole input.
type GitHub struct {
	Owner string
	Repo  string
	Ref   string
	Token string

	Client *http.Client
	Log    *slog.Logger
}

func NewGitHub(owner, repo, ref, token string, log *slog.Logger) *GitHub {
	if ref == "" {
		ref = "main"
	}
	if log == nil {
		log = slog.Default()
	}
	return &GitHub{
		Owner:  owner,
		Repo:   repo,
		Ref:    ref,
		Token:  token,
		Client: &http.Client{Timeout: 30 * time.Second},
		Log:    log,
	}
}

type dispatchBody struct {
	Ref    string            `json:"ref"`
	Inputs map[string]string `json:"inputs"`
}

func (g *GitHub) Launch(ctx context.Context, serverID string, flavor gameserver.Flavor) error {
	url := fmt.Sprintf("https://api.github.com/repos/%s/%s/actions/workflows/%s/dispatches",
		g.Owner, g.Repo, flavor.DispatchWorkflow())
	body, err := json.Marshal(dispatchBody{
		Ref:    g.Ref,
		Inputs: map[string]string{"server_id": serverID},
	})
	if err != nil {
		return fmt.Errorf("dispatch: marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatch: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.Token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := g.Client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch: %s for %s: %w", flavor.DispatchWorkflow(), serverID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNoContent {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("dispatch: %s for %s: status %d: %s",
			flavor.DispatchWorkflow(), serverID, resp.StatusCode, bytes.TrimSpace(msg))
	}
	g.Log.Info("worker dispatched", "server", serverID, "workflow", flavor.DispatchWorkflow())
	return nil
}
