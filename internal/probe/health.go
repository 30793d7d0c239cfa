package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jordan13p/websocket-test/internal/health"
)

// HTTP requests the health endpoint at opts.URL opts.Connections times.
// Keep-alives are disabled so every request can land on a new replica.
func HTTP(ctx context.Context, opts Options) (*Report, error) {
	if opts.Connections < 1 {
		return nil, ErrNoProbes
	}
	opts = opts.withDefaults()

	client := &http.Client{
		Timeout:   opts.Timeout,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
	defer client.CloseIdleConnections()

	report := newReport()
	for i := 1; i <= opts.Connections; i++ {
		if ctx.Err() != nil {
			break
		}
		report.add(probeHTTP(ctx, client, opts, i))
	}
	return report, nil
}

func probeHTTP(ctx context.Context, client *http.Client, opts Options, seq int) Result {
	start := time.Now()
	res := Result{Seq: seq}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		res.Err = fmt.Errorf("build request: %w", err)
		return res
	}
	for k, v := range opts.Header {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		res.Err = fmt.Errorf("request: %w", err)
		return res
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		res.Err = fmt.Errorf("unexpected status %d", resp.StatusCode)
		return res
	}

	var snapshot health.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		res.Err = fmt.Errorf("decode health: %w", err)
		return res
	}
	res.DisplayName = snapshot.Identity.DisplayName
	res.InstanceID = snapshot.Identity.InstanceID
	res.Latency = time.Since(start)
	return res
}
