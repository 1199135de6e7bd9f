package feeds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"gemscan/internal/models"
)

// tokenSafetyBuffer re-authenticates well before the upstream token
// actually lapses, so in-flight requests never race the expiry.
const tokenSafetyBuffer = 5 * time.Minute

// Nivoda talks to the Nivoda diamond inventory API: bearer-token auth,
// offset-paginated search ordered by created-at ascending, and a cheap
// count endpoint that skips pagination entirely.
type Nivoda struct {
	baseURL  string
	username string
	password string
	client   *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewNivoda(baseURL, username, password string) *Nivoda {
	return &Nivoda{
		baseURL:  baseURL,
		username: username,
		password: password,
		client:   &http.Client{Timeout: 45 * time.Second},
	}
}

func (n *Nivoda) Name() string     { return "nivoda" }
func (n *Nivoda) MaxPageSize() int { return 50 }

func (n *Nivoda) BuildBaseQuery(updatedFrom, updatedTo time.Time) Query {
	return Query{UpdatedFrom: updatedFrom, UpdatedTo: updatedTo}
}

// authenticate fetches a fresh bearer token. Callers hold n.mu.
func (n *Nivoda) authenticate(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{
		"username": n.username,
		"password": n.password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/authenticate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return &Error{Feed: "nivoda", Op: "authenticate", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return n.statusError("authenticate", resp)
	}

	var out struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expires_in"` // seconds
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return &Error{Feed: "nivoda", Op: "authenticate", Retryable: true, Err: fmt.Errorf("decode: %w", err)}
	}
	if out.Token == "" {
		return &Error{Feed: "nivoda", Op: "authenticate", Err: fmt.Errorf("empty token in response")}
	}

	lifetime := time.Duration(out.ExpiresIn) * time.Second
	if lifetime == 0 {
		lifetime = time.Hour
	}
	n.token = out.Token
	n.tokenExpiry = time.Now().Add(lifetime)
	return nil
}

// bearer returns a token with at least tokenSafetyBuffer of life left,
// re-authenticating transparently when needed.
func (n *Nivoda) bearer(ctx context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.token == "" || time.Until(n.tokenExpiry) < tokenSafetyBuffer {
		if err := n.authenticate(ctx); err != nil {
			return "", err
		}
	}
	return n.token, nil
}

func (n *Nivoda) statusError(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return &Error{
		Feed:      "nivoda",
		Op:        op,
		Status:    resp.StatusCode,
		Retryable: retryable,
		Err:       fmt.Errorf("%s", bytes.TrimSpace(snippet)),
	}
}

type nivodaFilter struct {
	PriceFrom   float64 `json:"price_from,omitempty"`
	PriceTo     float64 `json:"price_to,omitempty"`
	UpdatedFrom string  `json:"updated_from,omitempty"`
	UpdatedTo   string  `json:"updated_to,omitempty"`
}

func buildFilter(q Query) nivodaFilter {
	f := nivodaFilter{PriceFrom: q.MinPrice}
	if q.MaxPrice > 0 {
		f.PriceTo = q.MaxPrice
	}
	if !q.UpdatedFrom.IsZero() {
		f.UpdatedFrom = q.UpdatedFrom.UTC().Format(time.RFC3339)
	}
	if !q.UpdatedTo.IsZero() {
		f.UpdatedTo = q.UpdatedTo.UTC().Format(time.RFC3339)
	}
	return f
}

// post sends one authenticated JSON request, retrying exactly once on
// a 401 after discarding the cached token.
func (n *Nivoda) post(ctx context.Context, op, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", op, err)
	}

	for attempt := 0; ; attempt++ {
		token, err := n.bearer(ctx)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := n.client.Do(req)
		if err != nil {
			return &Error{Feed: "nivoda", Op: op, Retryable: true, Err: err}
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			n.mu.Lock()
			n.token = ""
			n.mu.Unlock()
			continue
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			return n.statusError(op, resp)
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return &Error{Feed: "nivoda", Op: op, Retryable: true, Err: fmt.Errorf("decode: %w", err)}
		}
		return nil
	}
}

func (n *Nivoda) Count(ctx context.Context, q Query) (int, error) {
	var out struct {
		Total int `json:"total_count"`
	}
	req := map[string]interface{}{"filter": buildFilter(q)}
	if err := n.post(ctx, "count", "/count", req, &out); err != nil {
		return 0, err
	}
	return out.Total, nil
}

func (n *Nivoda) Search(ctx context.Context, q Query, offset, limit int) (SearchResult, error) {
	if limit > n.MaxPageSize() || limit <= 0 {
		limit = n.MaxPageSize()
	}
	var out struct {
		Items []json.RawMessage `json:"items"`
		Total int               `json:"total_count"`
	}
	req := map[string]interface{}{
		"filter": buildFilter(q),
		"offset": offset,
		"limit":  limit,
		"order":  map[string]string{"type": "createdAt", "direction": "ASC"},
	}
	if err := n.post(ctx, "search", "/search", req, &out); err != nil {
		return SearchResult{}, err
	}
	return SearchResult{Items: out.Items, TotalCount: out.Total}, nil
}

// nivodaItem is the subset of the vendor record we rely on; the full
// payload is persisted verbatim regardless.
type nivodaItem struct {
	ID        string `json:"id"`
	OfferID   string `json:"offer_id"`
	UpdatedAt string `json:"updated_at"`
	Diamond   struct {
		Certificate struct {
			Shape      string  `json:"shape"`
			Carats     float64 `json:"carats"`
			Color      string  `json:"color"`
			Clarity    string  `json:"clarity"`
			Cut        string  `json:"cut"`
			Polish     string  `json:"polish"`
			Symmetry   string  `json:"symmetry"`
			FluorInt   string  `json:"floInt"`
			Lab        string  `json:"lab"`
			CertNumber string  `json:"certNumber"`
		} `json:"certificate"`
		Availability string `json:"availability"`
	} `json:"diamond"`
	Price float64 `json:"price"`
}

func (n *Nivoda) ExtractIdentity(item json.RawMessage) (Identity, error) {
	var it nivodaItem
	if err := json.Unmarshal(item, &it); err != nil {
		return Identity{}, fmt.Errorf("decode nivoda item: %w", err)
	}
	if it.ID == "" {
		return Identity{}, fmt.Errorf("nivoda item missing id")
	}
	ident := Identity{
		SupplierStoneID: it.ID,
		OfferID:         it.OfferID,
		Payload:         item,
	}
	if it.UpdatedAt != "" {
		if t, err := time.Parse(time.RFC3339, it.UpdatedAt); err == nil {
			ident.SourceUpdatedAt = &t
		}
	}
	return ident, nil
}

func (n *Nivoda) MapRawToCanonical(payload json.RawMessage) (models.Diamond, error) {
	var it nivodaItem
	if err := json.Unmarshal(payload, &it); err != nil {
		return models.Diamond{}, fmt.Errorf("decode nivoda payload: %w", err)
	}
	d := models.Diamond{
		Feed:              n.Name(),
		SupplierStoneID:   it.ID,
		OfferID:           it.OfferID,
		Shape:             it.Diamond.Certificate.Shape,
		Carat:             it.Diamond.Certificate.Carats,
		Color:             it.Diamond.Certificate.Color,
		Clarity:           it.Diamond.Certificate.Clarity,
		Cut:               it.Diamond.Certificate.Cut,
		Polish:            it.Diamond.Certificate.Polish,
		Symmetry:          it.Diamond.Certificate.Symmetry,
		Fluorescence:      it.Diamond.Certificate.FluorInt,
		Lab:               it.Diamond.Certificate.Lab,
		CertificateNumber: it.Diamond.Certificate.CertNumber,
		PriceUSD:          it.Price,
		Availability:      it.Diamond.Availability,
		Status:            models.DiamondActive,
	}
	if it.UpdatedAt != "" {
		if t, err := time.Parse(time.RFC3339, it.UpdatedAt); err == nil {
			d.SourceUpdatedAt = &t
		}
	}
	return d, nil
}
