package ord

import (
	"fmt"
	"sort"
	"strings"
)

// ViewQuery carries presentation parameters: "id?key=value;key2=value2".
type ViewQuery struct {
	ID     string
	Params map[string]string
}

func ParseView(body string) (ViewQuery, error) {
	body = strings.TrimSpace(body)
	v := ViewQuery{Params: map[string]string{}}
	id, query, hasQuery := strings.Cut(body, "?")
	v.ID = strings.TrimSpace(id)
	if !hasQuery {
		return v, nil
	}
	for _, pair := range strings.Split(query, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, val, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return ViewQuery{}, fmt.Errorf("view parameter %q is not key=value", pair)
		}
		v.Params[k] = strings.TrimSpace(val)
	}
	return v, nil
}

// Merge overlays later on v: later's id wins when set, later's params
// replace v's params with the same key.
func (v ViewQuery) Merge(later ViewQuery) ViewQuery {
	out := ViewQuery{ID: v.ID, Params: make(map[string]string, len(v.Params)+len(later.Params))}
	if later.ID != "" {
		out.ID = later.ID
	}
	for k, val := range v.Params {
		out.Params[k] = val
	}
	for k, val := range later.Params {
		out.Params[k] = val
	}
	return out
}

// String renders the view body with parameters in key order.
func (v ViewQuery) String() string {
	if len(v.Params) == 0 {
		return v.ID
	}
	keys := make([]string, 0, len(v.Params))
	for k := range v.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + v.Params[k]
	}
	return v.ID + "?" + strings.Join(pairs, ";")
}
