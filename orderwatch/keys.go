package orderwatch

import "strings"

// Cache keys follow the fixed scheme
//
//	flight:order:tixwing:<depCity>:<arrCity>:<depDate>:<flightNo>:<cabin>:<orderID>
//
// e.g. flight:order:tixwing:CAN:WUS:2025-12-01:SC4674:S:153471. Components
// that are empty are simply left out of the join, so key length varies;
// existing cached data depends on that, so no placeholders are inserted. The
// departure date may carry a time part, whose separators collide with the
// key separator and get escaped (space to T, colon to slash).

const keyNamespace = "flight:order:tixwing"

// namespace segments consumed before positional fields start.
const keyNamespaceSegments = 3

// KeyFields is the tuple a cache key encodes.
type KeyFields struct {
	DepCity  string
	ArrCity  string
	DepDate  string
	FlightNo string
	Cabin    string
	OrderID  string
}

func escapeKeyDate(date string) string {
	date = strings.ReplaceAll(date, " ", "T")
	return strings.ReplaceAll(date, ":", "/")
}

func unescapeKeyDate(date string) string {
	date = strings.ReplaceAll(date, "T", " ")
	return strings.ReplaceAll(date, "/", ":")
}

// BuildOrderKey builds the cache key for f, omitting empty components.
func BuildOrderKey(f KeyFields) string {
	parts := []string{"flight", "order", "tixwing"}
	if f.DepCity != "" {
		parts = append(parts, f.DepCity)
	}
	if f.ArrCity != "" {
		parts = append(parts, f.ArrCity)
	}
	if f.DepDate != "" {
		parts = append(parts, escapeKeyDate(f.DepDate))
	}
	if f.FlightNo != "" {
		parts = append(parts, f.FlightNo)
	}
	if f.Cabin != "" {
		parts = append(parts, f.Cabin)
	}
	if f.OrderID != "" {
		parts = append(parts, f.OrderID)
	}
	return strings.Join(parts, ":")
}

// ParseOrderKey inverts BuildOrderKey positionally. Keys are advisory
// identifiers, not the durability root, so a malformed key yields the zero
// value rather than an error.
func ParseOrderKey(key string) KeyFields {
	if !strings.HasPrefix(key, keyNamespace+":") {
		return KeyFields{}
	}
	parts := strings.Split(key, ":")
	if len(parts) < keyNamespaceSegments+6 {
		return KeyFields{}
	}
	return KeyFields{
		DepCity:  parts[keyNamespaceSegments],
		ArrCity:  parts[keyNamespaceSegments+1],
		DepDate:  unescapeKeyDate(parts[keyNamespaceSegments+2]),
		FlightNo: parts[keyNamespaceSegments+3],
		Cabin:    parts[keyNamespaceSegments+4],
		OrderID:  parts[keyNamespaceSegments+5],
	}
}

// ActivityQueueName is the queue feeding the price comparison job.
func ActivityQueueName() string {
	return strings.Join([]string{"flight", "order", "tixwing", "activity"}, ":")
}

// StateQueueName is the queue feeding the order state reconciler.
func StateQueueName() string {
	return strings.Join([]string{"flight", "order", "tixwing", "state"}, ":")
}

// LoginStateKey addresses the platform session state maintained by the
// login-refresh job. userID may be empty for the shared session.
func LoginStateKey(userID string) string {
	parts := []string{"tixwing", "login", "state"}
	if userID != "" {
		parts = append(parts, userID)
	}
	return strings.Join(parts, ":")
}
