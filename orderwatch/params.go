package orderwatch

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Params is the flat parameter set a scheduler trigger passes to one job
// invocation. Absent fields keep the env-derived defaults.
type Params struct {
	Domain   string `json:"domain" validate:"required"`
	Protocol string `json:"protocol" validate:"required,oneof=http https"`
	UserID   string `json:"user_id"`

	TimeoutSeconds int   `json:"timeout" validate:"gte=1"`
	Retry          int   `json:"retry" validate:"gte=0"`
	Semaphore      int64 `json:"semaphore" validate:"gte=1"`

	LowThreshold  decimal.Decimal `json:"low_threshold"`
	HighThreshold decimal.Decimal `json:"high_threshold"`

	DiscardStates       []string `json:"discard_states"`
	LastMinuteThreshold int      `json:"last_minute_threshold" validate:"gte=1"`

	FareDomain   string `json:"fare_domain" validate:"required"`
	FareProtocol string `json:"fare_protocol" validate:"required,oneof=http https"`
	FareUUID     string `json:"fare_uuid"`

	RobotDomain   string `json:"robot_domain" validate:"required"`
	RobotProtocol string `json:"robot_protocol" validate:"required,oneof=http https"`
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// DefaultParams layers env configuration over the built-in defaults.
func DefaultParams() Params {
	low := decimal.NewFromInt(10)
	if v := strings.TrimSpace(os.Getenv("FAREWATCH_LOW_THRESHOLD")); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			low = d
		}
	}
	high := decimal.NewFromInt(20)
	if v := strings.TrimSpace(os.Getenv("FAREWATCH_HIGH_THRESHOLD")); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			high = d
		}
	}
	discard := []string{"TicketIssued", "TicketCompleted", "Voided"}
	if v := strings.TrimSpace(os.Getenv("FAREWATCH_DISCARD_STATES")); v != "" {
		discard = nil
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				discard = append(discard, s)
			}
		}
	}

	return Params{
		Domain:              envString("TIXWING_DOMAIN", ""),
		Protocol:            envString("TIXWING_PROTOCOL", "https"),
		UserID:              envString("TIXWING_USER_ID", ""),
		TimeoutSeconds:      envInt("FAREWATCH_TIMEOUT_SECONDS", 60),
		Retry:               envInt("FAREWATCH_RETRY", 0),
		Semaphore:           int64(envInt("FAREWATCH_SEMAPHORE", 10)),
		LowThreshold:        low,
		HighThreshold:       high,
		DiscardStates:       discard,
		LastMinuteThreshold: envInt("FAREWATCH_LAST_MINUTE_THRESHOLD", 60),
		FareDomain:          envString("FARESCAN_DOMAIN", "fuwu.farescan.com"),
		FareProtocol:        envString("FARESCAN_PROTOCOL", "https"),
		FareUUID:            envString("FARESCAN_UUID", ""),
		RobotDomain:         envString("ROBOT_DOMAIN", ""),
		RobotProtocol:       envString("ROBOT_PROTOCOL", "http"),
	}
}

var validate = validator.New()

// ParseParams decodes a trigger body over the defaults and validates the
// result. An empty body is fine; the defaults must then be complete.
func ParseParams(body []byte) (Params, error) {
	p := DefaultParams()
	if len(body) > 0 {
		if err := json.Unmarshal(body, &p); err != nil {
			return Params{}, err
		}
	}
	if err := validate.Struct(p); err != nil {
		return Params{}, err
	}
	return p, nil
}

func (p Params) timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

func (p Params) inDiscardSet(state string) bool {
	for _, s := range p.DiscardStates {
		if s == state {
			return true
		}
	}
	return false
}
