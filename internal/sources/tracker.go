package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const maxTrackerPages = 1000

type trackerPage struct {
	Records  []Record `json:"records"`
	NextPage string   `json:"next_page"`
}

// Tracker polls a behavior-tracking API that filters by update time and
// pages results with an opaque next_page token.
type Tracker struct {
	cfg    Config
	client *http.Client
}

func NewTracker(cfg Config, client *http.Client) *Tracker {
	return &Tracker{cfg: cfg, client: client}
}

func (t *Tracker) Name() string {
	return t.cfg.Name
}

func (t *Tracker) Fetch(ctx context.Context, since Cursor) (Batch, error) {
	batch := Batch{Location: t.cfg.Location}
	pageToken := ""

	for range maxTrackerPages {
		page, err := t.fetchPage(ctx, since, pageToken)
		if err != nil {
			return Batch{}, err
		}
		batch.Records = append(batch.Records, page.Records...)

		if page.NextPage == "" {
			batch.Records = sortByCursor(batch.Records, t.cfg.Location)
			return batch, nil
		}
		pageToken = page.NextPage
	}

	return Batch{}, fmt.Errorf("%w: more than %d pages", ErrSchema, maxTrackerPages)
}

func (t *Tracker) fetchPage(ctx context.Context, since Cursor, pageToken string) (trackerPage, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return trackerPage{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	q := u.Query()
	if !since.IsZero() {
		q.Set("updated_since", since.UpdatedAt.Format(time.RFC3339Nano))
		q.Set("after_id", since.NativeID)
	}
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}
	u.RawQuery = q.Encode()

	resp, err := get(ctx, t.client, u.String(), t.cfg.Token, "application/json")
	if err != nil {
		return trackerPage{}, err
	}
	defer resp.Body.Close()

	data, err := readLimited(resp.Body, t.cfg.MaxBytes)
	if err != nil {
		return trackerPage{}, err
	}

	var page trackerPage
	if err := json.Unmarshal(data, &page); err != nil {
		return trackerPage{}, fmt.Errorf("%w: %w", ErrSchema, err)
	}
	if page.Records == nil && !bytes.Contains(data, []byte(`"records"`)) {
		return trackerPage{}, fmt.Errorf("%w: missing records field", ErrSchema)
	}
	return page, nil
}

// Ack posts the persisted cursor when an ack endpoint is configured.
func (t *Tracker) Ack(ctx context.Context, c Cursor) error {
	if t.cfg.AckURL == "" {
		return nil
	}

	body, err := json.Marshal(map[string]Cursor{"cursor": c})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.AckURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.Token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	defer resp.Body.Close()

	return classify(resp)
}
