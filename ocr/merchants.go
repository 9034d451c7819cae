package ocr

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/yorutsuke/yorutsuke/store/object"
)

// merchantsTTL bounds staleness of the cached common-merchant list.
const merchantsTTL = 10 * time.Minute

// Merchants serves the common-merchant list used to seed extraction
// prompts, caching reads of the backing object.
type Merchants struct {
	objects object.Store
	cache   *expirable.LRU[string, []string]
}

func NewMerchants(objects object.Store) *Merchants {
	return &Merchants{
		objects: objects,
		cache:   expirable.NewLRU[string, []string](1, nil, merchantsTTL),
	}
}

// List returns the merchant names, or nil when the list object is absent
// or malformed: prompt seeding is best-effort.
func (m *Merchants) List(ctx context.Context) []string {
	if cached, ok := m.cache.Get(object.MerchantsKey); ok {
		return cached
	}

	var obj, err = m.objects.Get(ctx, object.MerchantsKey)
	if err != nil {
		return nil
	}
	var names []string
	if err = json.Unmarshal(obj.Body, &names); err != nil {
		return nil
	}
	m.cache.Add(object.MerchantsKey, names)
	return names
}
