// Package adapters contains the built-in check-in drivers. Each adapter
// implements one site family's protocol against the session it is handed;
// wiring them into the registry happens at startup in the app package.
package adapters

import (
	"fmt"
	"strconv"

	"github.com/FrancisNGG/app-sign/internal/site"
)

// All returns one instance of every built-in adapter, in registry order.
func All() []site.Adapter {
	return []site.Adapter{
		NewRight(),
		NewBilibili(),
		NewSmzdm(),
		NewTieba(),
		NewAcfun(),
	}
}

// looseString renders a JSON field that sites send as either a string or a
// number. Decoded through an any field, numbers arrive as float64.
func looseString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
