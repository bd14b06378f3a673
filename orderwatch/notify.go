package orderwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// robotClient delivers alert cards to the ops robot webhook. Delivery is
// fire-and-forget from the jobs' perspective: failures are logged by the
// caller, never retried here beyond the bounded attempt count.
type robotClient struct {
	baseURL string
	retry   int
	http    *http.Client
}

func newRobotClient(protocol, domain string, timeout time.Duration, retry int) *robotClient {
	return &robotClient{
		baseURL: protocol + "://" + domain,
		retry:   retry,
		http:    &http.Client{Timeout: timeout},
	}
}

// actionCard is the templated payload the robot webhook accepts.
type actionCard struct {
	Title          string       `json:"title"`
	Text           string       `json:"text"`
	BtnOrientation string       `json:"btnOrientation"`
	Btns           []cardButton `json:"btns"`
}

type cardButton struct {
	Title     string `json:"title"`
	ActionURL string `json:"actionURL"`
}

func (c *robotClient) SendActionCard(ctx context.Context, card actionCard) error {
	payload := map[string]any{
		"message_type": "actionCard",
		"message":      card,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= c.retry; attempt++ {
		req, err := http.NewRequestWithContext(
			ctx, http.MethodPost, c.baseURL+"/api/v1/agent/message/robot/send", strings.NewReader(string(encoded)),
		)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("robot webhook error %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
			continue
		}
		return nil
	}
	return lastErr
}

// pcSlideURL wraps a URL so the desktop chat client opens it in a side panel.
func pcSlideURL(raw string) string {
	return "dingtalk://dingtalkclient/page/link?url=" + url.QueryEscape(raw) + "&pc_slide=false"
}

type priceAlert struct {
	OrderID     int
	FlightNo    string
	PriceStd    decimal.Decimal
	PriceSell   decimal.Decimal
	FoundPrice  decimal.Decimal
	Delta       decimal.Decimal
	DeltaLabel  string
	OrderCabin  string
	QuoteCabin  string
	SourceOTA   string
	DepartureAt string
	SearchURL   string
}

// priceAlertCard renders the comparison alert in the card template the ops
// robot renders as markdown.
func priceAlertCard(a priceAlert, platformProtocol, platformDomain string) actionCard {
	orderURL := fmt.Sprintf(
		"%s://%s/OrderProcessing/NewTicket_show/%d?&r=%s",
		platformProtocol, platformDomain, a.OrderID, time.Now().Format("20060102150405"),
	)
	text := fmt.Sprintf(
		"## Summary\n\n\n\n**Notified at**: %s\n\n**Order**: %d\n\n**Order source**: %s\n\n"+
			"**Flight**: %s\n\n**Departure**: %s\n\n**Passenger cabin**: %s\n\n**Ticket face price**: %s\n\n"+
			"**Sale price**: %s\n\n**Listed cabin**: %s\n\n**Lowest listed price**: %s\n\n**%s**: %s",
		time.Now().Format(deadlineLayout), a.OrderID, a.SourceOTA,
		a.FlightNo, a.DepartureAt, a.OrderCabin, a.PriceStd.String(),
		a.PriceSell.String(), a.QuoteCabin, a.FoundPrice.String(), a.DeltaLabel, a.Delta.String(),
	)
	return actionCard{
		Title:          fmt.Sprintf("Flight [%s] price movement", a.FlightNo),
		Text:           text,
		BtnOrientation: "0",
		Btns: []cardButton{
			{Title: "Open fare search", ActionURL: pcSlideURL(a.SearchURL)},
			{Title: "Open order", ActionURL: pcSlideURL(orderURL)},
		},
	}
}
