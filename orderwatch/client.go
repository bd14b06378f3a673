package orderwatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrLoginStateExpired reports that the platform session kept in Redis by the
// login-refresh job is gone. This layer never re-logs in; the invocation
// fails hard and the next schedule retries after the session is restored.
var ErrLoginStateExpired = errors.New("tixwing login state in redis has expired")

// The detail API signals success with status code 200 AND this marker inside
// the message. Both must match; the code alone is not enough.
const detailSuccessMarker = "order ticketing detail"

// kickoutSuccessMarker is the textual success signal of the listing kick-out
// endpoint.
const kickoutSuccessMarker = "success"

type apiEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type loginCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// loginState is the serialized browser session the login-refresh collaborator
// stores in Redis.
type loginState struct {
	Cookies []loginCookie `json:"cookies"`
}

// tixwingClient talks to the ticketing platform with a session restored from
// the shared store.
type tixwingClient struct {
	baseURL string
	cookies string
	retry   int
	http    *http.Client
}

func newTixwingClient(protocol, domain, state string, timeout time.Duration, retry int) (*tixwingClient, error) {
	if strings.TrimSpace(domain) == "" {
		return nil, errors.New("tixwing domain is empty")
	}
	var session loginState
	if err := json.Unmarshal([]byte(state), &session); err != nil {
		return nil, fmt.Errorf("malformed tixwing login state: %w", err)
	}
	pairs := make([]string, 0, len(session.Cookies))
	for _, c := range session.Cookies {
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	return &tixwingClient{
		baseURL: protocol + "://" + domain,
		cookies: strings.Join(pairs, "; "),
		retry:   retry,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

func (c *tixwingClient) do(ctx context.Context, method, path string, params url.Values, body any) (apiEnvelope, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.retry; attempt++ {
		var reader io.Reader
		if body != nil {
			encoded, err := json.Marshal(body)
			if err != nil {
				return apiEnvelope{}, err
			}
			reader = strings.NewReader(string(encoded))
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return apiEnvelope{}, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.cookies != "" {
			req.Header.Set("Cookie", c.cookies)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("tixwing api error %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
			continue
		}

		var parsed apiEnvelope
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return apiEnvelope{}, fmt.Errorf("tixwing api returned unparseable body: %w", err)
		}
		return parsed, nil
	}
	return apiEnvelope{}, lastErr
}

type activityOrderPage struct {
	Data []RemoteOrder `json:"data"`
}

// ListActivityOrders fetches the current domestic activity order listing. An
// empty listing is a valid result, not an error.
func (c *tixwingClient) ListActivityOrders(ctx context.Context) ([]RemoteOrder, error) {
	env, err := c.do(ctx, http.MethodGet, "/api/order/activity/table", nil, nil)
	if err != nil {
		return nil, err
	}
	if env.Code != 200 {
		return nil, fmt.Errorf("tixwing activity listing failed: code=%d message=%s", env.Code, env.Message)
	}
	var page activityOrderPage
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &page); err != nil {
			return nil, fmt.Errorf("tixwing activity listing unparseable: %w", err)
		}
	}
	return page.Data, nil
}

// OrderDetail fetches the authoritative order document. Success requires the
// platform's dual contract: code 200 and the ticketing-detail marker in the
// message.
func (c *tixwingClient) OrderDetail(ctx context.Context, orderID string) (*OrderDetail, error) {
	params := url.Values{}
	params.Set("order_id", orderID)
	env, err := c.do(ctx, http.MethodGet, "/api/order/detail", params, nil)
	if err != nil {
		return nil, err
	}
	if env.Code != 200 || !strings.Contains(env.Message, detailSuccessMarker) {
		return nil, fmt.Errorf("tixwing order %s detail failed: code=%d message=%s", orderID, env.Code, env.Message)
	}
	var detail OrderDetail
	if err := json.Unmarshal(env.Data, &detail); err != nil {
		return nil, fmt.Errorf("tixwing order %s detail unparseable: %w", orderID, err)
	}
	detail.Raw = env.Data
	return &detail, nil
}

// KickOutActivityOrders asks the platform to drop the given orders from the
// activity listing. The endpoint reports success as text, not a code.
func (c *tixwingClient) KickOutActivityOrders(ctx context.Context, orderIDs []int) error {
	ids := make([]string, 0, len(orderIDs))
	for _, id := range orderIDs {
		ids = append(ids, strconv.Itoa(id))
	}
	payload := map[string]any{"order_ids": orderIDs}
	env, err := c.do(ctx, http.MethodPost, "/api/order/activity/kickout", nil, payload)
	if err != nil {
		return err
	}
	var msg string
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &msg)
	}
	if !strings.Contains(msg, kickoutSuccessMarker) {
		return fmt.Errorf("kick-out of orders <%s> failed: %s", strings.Join(ids, ","), env.Message)
	}
	return nil
}
