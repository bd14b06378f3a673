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
)

// farescanClient queries the public fare comparison feed for live competitor
// quotes on a flight.
type farescanClient struct {
	baseURL string
	uuid    string
	retry   int
	http    *http.Client
}

func newFarescanClient(protocol, domain, uuid string, timeout time.Duration, retry int) *farescanClient {
	return &farescanClient{
		baseURL: protocol + "://" + domain,
		uuid:    uuid,
		retry:   retry,
		http:    &http.Client{Timeout: timeout},
	}
}

type fareSearchResponse struct {
	Ret  bool `json:"ret"`
	Data struct {
		OrderList []FareQuote `json:"orderList"`
	} `json:"data"`
}

// Search returns the activity-booth quotes for one flight/route/date. A feed
// response with ret=false is a protocol error; an empty order list is not.
func (c *farescanClient) Search(ctx context.Context, flightNo, dep, arr, flightDate string) ([]FareQuote, error) {
	params := url.Values{}
	params.Set("flightNo", flightNo)
	params.Set("dpt", dep)
	params.Set("arr", arr)
	params.Set("flightDate", flightDate)
	params.Set("quotedBoothType", "activity")
	params.Set("currentPage", "1")
	params.Set("type", "0")
	params.Set("UUID", c.uuid)

	endpoint := c.baseURL + "/tts/agent/tool/statistics/bidding?" + params.Encode()

	var lastErr error
	for attempt := 0; attempt <= c.retry; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/142.0.0.0 Safari/537.36")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("farescan api error %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
			continue
		}

		var parsed fareSearchResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, fmt.Errorf("farescan response unparseable: %w", err)
		}
		if !parsed.Ret {
			return nil, fmt.Errorf("farescan reported failure: %s", strings.TrimSpace(string(raw)))
		}
		return parsed.Data.OrderList, nil
	}
	return nil, lastErr
}

// searchPageURL is the human-facing result page matching a Search query, used
// as the alert card's deep link target.
func searchPageURL(codeDep, codeArr, cityDep, cityArr, depDate string) string {
	params := url.Values{}
	params.Set("searchDepartureAirport", codeDep)
	params.Set("searchArrivalAirport", codeArr)
	params.Set("searchDepartureTime", depDate)
	params.Set("searchArrivalTime", depDate)
	params.Set("nextNDays", "0")
	params.Set("startSearch", "true")
	params.Set("fromCode", cityDep)
	params.Set("toCode", cityArr)
	params.Set("from", "flight_dom_search")
	params.Set("lowestPrice", "null")
	return "https://flight.farescan.com/site/oneway_list.htm?" + params.Encode()
}
